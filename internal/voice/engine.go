package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/Nebaura-Labs/mote-sub000/internal/gateway"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultInvokeTimeout = 30 * time.Second

// CommandError is a failure reported by the appliance for a relayed
// command.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("device command failed %s: %s", e.Code, e.Message)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Log         *zap.Logger
	Chat        ChatBackend
	Transcriber Transcriber
	Synthesizer Synthesizer
	Metrics     *Metrics

	WakePhrase  string
	Voice       string
	AudioFormat string

	NodeName     string
	NodePlatform string
	NodeCommands []string

	ConversationTimeout time.Duration
	CommandBufferCap    int
	InvokeTimeout       time.Duration
}

// Engine owns one voice session per connected appliance and bridges
// inbound Gateway node commands to the appliance control channel.
type Engine struct {
	log  *zap.Logger
	cfg  EngineConfig
	wake *WakeDetector

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*iotPending
	closed   bool
}

type iotResult struct {
	payload json.RawMessage
	err     error
}

type iotPending struct {
	deviceID string
	ch       chan iotResult
}

// disconnectedChat stands in when no Gateway link is wired; every turn
// downgrades to the fixed not-connected reply.
type disconnectedChat struct{}

func (disconnectedChat) SendChat(context.Context, string, string) (string, error) {
	return "", bridge.ErrDisconnected
}

// NewEngine builds an engine with no sessions.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Chat == nil {
		cfg.Chat = disconnectedChat{}
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("transcriber is required")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("synthesizer is required")
	}
	if cfg.WakePhrase == "" {
		return nil, errors.New("wake phrase is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ConversationTimeout <= 0 {
		cfg.ConversationTimeout = defaultConversationTimeout
	}
	if cfg.CommandBufferCap <= 0 {
		cfg.CommandBufferCap = defaultCommandBufferCap
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	return &Engine{
		log:      cfg.Log,
		cfg:      cfg,
		wake:     NewWakeDetector(cfg.WakePhrase),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*iotPending),
	}, nil
}

// StartSession registers a voice session for the appliance, tearing down
// any existing session for the same device first.
func (e *Engine) StartSession(ctx context.Context, deviceID string, conn DeviceConn) (*Session, error) {
	return e.StartSessionWith(ctx, deviceID, conn, nil)
}

// StartSessionWith binds the session to a specific chat backend, used
// when each user owns a pooled Gateway client. A nil backend falls back
// to the engine default.
func (e *Engine) StartSessionWith(ctx context.Context, deviceID string, conn DeviceConn, chat ChatBackend) (*Session, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if conn == nil {
		return nil, errors.New("device connection is required")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("voice engine is shut down")
	}
	old := e.sessions[deviceID]
	delete(e.sessions, deviceID)
	e.mu.Unlock()
	if old != nil {
		e.log.Info("replacing voice session", zap.String("device_id", deviceID))
		e.teardown(old)
	}

	if chat == nil {
		chat = e.cfg.Chat
	}
	sctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		log:         e.log,
		deviceID:    deviceID,
		conn:        conn,
		chat:        chat,
		transcriber: e.cfg.Transcriber,
		synth:       e.cfg.Synthesizer,
		wake:        e.wake,
		metrics:     e.cfg.Metrics,
		voice:       e.cfg.Voice,
		format:      e.cfg.AudioFormat,
		convTimeout: e.cfg.ConversationTimeout,
		commandCap:  e.cfg.CommandBufferCap,
		ctx:         sctx,
		cancel:      cancel,
		state:       StateIdle,
		now:         time.Now,
	}

	e.mu.Lock()
	e.sessions[deviceID] = sess
	n := len(e.sessions)
	e.mu.Unlock()
	e.cfg.Metrics.SetActiveSessions(n)

	sess.start()
	e.log.Info("voice session started", zap.String("device_id", deviceID))
	return sess, nil
}

// EndSession destroys the appliance's session, cancelling its recognition
// link and rejecting any commands still waiting on it.
func (e *Engine) EndSession(deviceID string) {
	e.mu.Lock()
	sess, ok := e.sessions[deviceID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, deviceID)
	n := len(e.sessions)
	e.mu.Unlock()

	e.cfg.Metrics.SetActiveSessions(n)
	e.teardown(sess)
	e.log.Info("voice session ended", zap.String("device_id", deviceID))
}

func (e *Engine) teardown(sess *Session) {
	sess.Close()

	e.mu.Lock()
	var ids []string
	for id, p := range e.pending {
		if p.deviceID == sess.deviceID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.resolveIoT(id, iotResult{err: bridge.ErrDisconnected})
	}
}

// Session returns the live session for a device, if any.
func (e *Engine) Session(deviceID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[deviceID]
	return sess, ok
}

// Descriptor is the virtual node this engine registers with the Gateway.
func (e *Engine) Descriptor() gateway.NodeDescriptor {
	return gateway.NodeDescriptor{
		Name:     e.cfg.NodeName,
		Platform: e.cfg.NodePlatform,
		Commands: e.cfg.NodeCommands,
	}
}

// Attach registers the engine as the client's node and invoke handler so
// the Gateway can push appliance commands through it.
func (e *Engine) Attach(ctx context.Context, client *gateway.Client) error {
	client.SetInvokeHandler(e.Invoke)
	return client.RegisterAsNode(ctx, e.Descriptor())
}

// Invoke relays an inbound node command to the target appliance and waits
// for its correlated reply. It satisfies gateway.InvokeHandler.
func (e *Engine) Invoke(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	var target struct {
		DeviceID string `json:"deviceId"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &target)
	}

	e.mu.Lock()
	var sess *Session
	if target.DeviceID != "" {
		sess = e.sessions[target.DeviceID]
	} else if len(e.sessions) == 1 {
		for _, s := range e.sessions {
			sess = s
		}
	}
	e.mu.Unlock()
	if sess == nil {
		return nil, &bridge.SessionStateError{
			State:  "detached",
			Reason: fmt.Sprintf("no appliance session for command %q", command),
		}
	}
	return e.relay(ctx, sess, command, params)
}

func (e *Engine) relay(ctx context.Context, sess *Session, command string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	pend := &iotPending{deviceID: sess.deviceID, ch: make(chan iotResult, 1)}
	e.mu.Lock()
	e.pending[id] = pend
	e.mu.Unlock()
	e.cfg.Metrics.RecordIoTRequest()

	timer := time.AfterFunc(e.cfg.InvokeTimeout, func() {
		if e.resolveIoT(id, iotResult{err: &bridge.RequestTimeoutError{ID: id, Method: command}}) {
			e.cfg.Metrics.RecordIoTTimeout()
		}
	})
	defer timer.Stop()

	err := sess.conn.SendControl(Control{
		Type:     ControlIoTRequest,
		ID:       id,
		DeviceID: sess.deviceID,
		Command:  command,
		Params:   params,
	})
	if err != nil {
		e.dropIoT(id)
		return nil, err
	}

	select {
	case res := <-pend.ch:
		return res.payload, res.err
	case <-ctx.Done():
		e.dropIoT(id)
		return nil, ctx.Err()
	}
}

// ResolveIoTResponse delivers an appliance's iot.response. Exactly one
// waiter fires per request id; late replies after the deadline are
// dropped here.
func (e *Engine) ResolveIoTResponse(msg Control) {
	if msg.ID == "" {
		return
	}
	if msg.OK {
		e.resolveIoT(msg.ID, iotResult{payload: msg.Payload})
		return
	}
	code := msg.Code
	if code == "" {
		code = "device_error"
	}
	e.resolveIoT(msg.ID, iotResult{err: &CommandError{Code: code, Message: msg.Message}})
}

// resolveIoT removes the correlation entry and delivers the result. Only
// the first caller for an id wins; the race between reply and deadline is
// settled under the table lock.
func (e *Engine) resolveIoT(id string, res iotResult) bool {
	e.mu.Lock()
	pend, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, id)
	e.mu.Unlock()
	pend.ch <- res
	return true
}

func (e *Engine) dropIoT(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Shutdown tears down every session and rejects all pending commands.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		sessions = append(sessions, sess)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, sess := range sessions {
		e.teardown(sess)
	}
	e.cfg.Metrics.SetActiveSessions(0)
}
