package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status tracks the client lifecycle.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

const (
	protocolVersionMin = 1
	protocolVersionMax = 3

	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultInvokeTimeout    = 30 * time.Second

	// Backend role: owns paid infrastructure, gives up earlier than the
	// opportunistic mobile client.
	defaultMaxReconnectAttempts = 5
)

// Dialer yields a fresh duplex stream to the Gateway bridge port. A dead
// stream is never redialed by the dialer itself; the client asks for a new
// one on each connect attempt.
type Dialer interface {
	DialBridge(ctx context.Context) (io.ReadWriteCloser, error)
}

// Identity describes this client in the connect handshake.
type Identity struct {
	ID           string
	Name         string
	Platform     string
	Capabilities []string
	Commands     []string
}

// EventHandler receives protocol events in arrival order.
type EventHandler func(event string, payload json.RawMessage)

// InvokeHandler answers inbound invoke requests once the client is
// registered as a node.
type InvokeHandler func(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)

// NodeDescriptor is the virtual hardware endpoint registered with the
// Gateway so the agent can push device commands back down.
type NodeDescriptor struct {
	Name     string   `json:"name"`
	Platform string   `json:"platform"`
	Commands []string `json:"commands"`
}

// Config wires a Client.
type Config struct {
	Log     *zap.Logger
	Dialer  Dialer
	Token   string
	ID      Identity
	Metrics *Metrics

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	PingInterval     time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int

	// OnStatus observes lifecycle transitions, used by pool health checks
	// and by callers surfacing terminal reconnect failure.
	OnStatus func(Status)
}

// Client multiplexes correlated requests and event subscriptions over one
// bridge stream, keeps the link alive, and reconnects with backoff.
type Client struct {
	log *zap.Logger
	cfg Config

	mu             sync.Mutex
	status         Status
	conn           io.ReadWriteCloser
	gen            int
	pending        map[string]*pendingCall
	subs           map[string]map[int]EventHandler
	nextSub        int
	invokeHandler  InvokeHandler
	nodeDescriptor *NodeDescriptor
	nodeRegistered bool
	attempts       int
	reconnecting   bool
	everConnected  bool
	closed         bool

	done chan struct{}

	writeMu sync.Mutex

	pongMu   sync.Mutex
	pongSeen bool
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// NewClient builds a disconnected client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("gateway dialer is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	return &Client{
		log:     cfg.Log,
		cfg:     cfg,
		status:  StatusDisconnected,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string]map[int]EventHandler),
		done:    make(chan struct{}),
	}, nil
}

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the link is up.
func (c *Client) Connected() bool { return c.Status() == StatusConnected }

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

type connectParams struct {
	MinProtocolVersion int      `json:"minProtocolVersion"`
	MaxProtocolVersion int      `json:"maxProtocolVersion"`
	Client             clientID `json:"client"`
	Capabilities       []string `json:"capabilities"`
	Commands           []string `json:"commands,omitempty"`
	Token              string   `json:"token"`
}

type clientID struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// Connect dials the bridge and runs the authentication handshake. It
// resolves only once the Gateway acknowledges, and fails on handshake
// timeout or an explicit protocol error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bridge.ErrDisconnected
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	conn, err := c.cfg.Dialer.DialBridge(ctx)
	if err != nil {
		c.setStatus(StatusError)
		c.cfg.Metrics.RecordConnectFailure()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.pongMu.Lock()
	c.pongSeen = true
	c.pongMu.Unlock()

	go c.readLoop(conn, gen)

	params := connectParams{
		MinProtocolVersion: protocolVersionMin,
		MaxProtocolVersion: protocolVersionMax,
		Client:             clientID{ID: c.cfg.ID.ID, Name: c.cfg.ID.Name, Platform: c.cfg.ID.Platform},
		Capabilities:       c.cfg.ID.Capabilities,
		Commands:           c.cfg.ID.Commands,
		Token:              c.cfg.Token,
	}
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := c.call(hsCtx, "connect", params, c.cfg.HandshakeTimeout); err != nil {
		c.teardownConn(gen)
		c.setStatus(StatusError)
		c.cfg.Metrics.RecordConnectFailure()
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.everConnected = true
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.cfg.Metrics.RecordConnect()
	c.log.Info("gateway handshake complete", zap.String("client", c.cfg.ID.Name))

	go c.keepalive(conn, gen)

	// Re-register as a node after reconnects; the request is idempotent on
	// the Gateway side.
	c.mu.Lock()
	desc := c.nodeDescriptor
	registered := c.nodeRegistered
	c.mu.Unlock()
	if registered && desc != nil {
		if _, err := c.Request(ctx, "node.pair.request", nodePairParams(*desc)); err != nil {
			c.log.Warn("node re-registration failed", zap.Error(err))
		}
	}
	return nil
}

// Request sends a correlated request and waits for the matching response,
// the request timeout, or disconnect, whichever comes first.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, c.cfg.RequestTimeout)
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	id := uuid.NewString()
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, bridge.ErrDisconnected
	}
	c.pending[id] = call
	c.mu.Unlock()

	// The timer owns timeout resolution: it removes the correlation entry so
	// a late response is silently ignored.
	call.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, callResult{err: &bridge.RequestTimeoutError{ID: id, Method: method}})
		c.cfg.Metrics.RecordRequestTimeout()
	})

	if err := c.write(bridge.Message{Type: bridge.TypeReq, ID: id, Method: method, Params: raw}); err != nil {
		c.resolve(id, callResult{err: err})
	}
	c.cfg.Metrics.RecordRequest(method)

	select {
	case res := <-call.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.resolve(id, callResult{err: ctx.Err()})
		res := <-call.ch
		return res.payload, res.err
	}
}

// resolve delivers a result for a correlation id exactly once; later calls
// for the same id are no-ops.
func (c *Client) resolve(id string, res callResult) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.ch <- res
}

// On subscribes a handler to an event name and returns a token for Off.
func (c *Client) On(event string, h EventHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]EventHandler)
	}
	c.subs[event][c.nextSub] = h
	return c.nextSub
}

// Off removes a subscription token.
func (c *Client) Off(event string, token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.subs[event]; m != nil {
		delete(m, token)
		if len(m) == 0 {
			delete(c.subs, event)
		}
	}
}

// SetInvokeHandler installs the function answering inbound invokes. Every
// invoke receives exactly one response; with no handler installed the
// response is an explicit failure.
func (c *Client) SetInvokeHandler(h InvokeHandler) {
	c.mu.Lock()
	c.invokeHandler = h
	c.mu.Unlock()
}

func nodePairParams(desc NodeDescriptor) map[string]any {
	return map[string]any{
		"node":     desc,
		"commands": desc.Commands,
		// Skip the manual approval step: the node lives on infrastructure
		// the user already authenticated.
		"silent": true,
	}
}

// RegisterAsNode registers this client as an invokable hardware endpoint.
// Idempotent; the descriptor is replayed after every reconnect.
func (c *Client) RegisterAsNode(ctx context.Context, desc NodeDescriptor) error {
	c.mu.Lock()
	if c.nodeRegistered {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.Request(ctx, "node.pair.request", nodePairParams(desc)); err != nil {
		return err
	}

	c.mu.Lock()
	c.nodeDescriptor = &desc
	c.nodeRegistered = true
	c.mu.Unlock()
	return nil
}

// Disconnect intentionally closes the link. No reconnect is attempted and
// pending requests fail immediately.
func (c *Client) Disconnect() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	gen := c.gen
	c.mu.Unlock()
	if !already {
		close(c.done)
	}
	c.teardownConn(gen)
	c.setStatus(StatusDisconnected)
}

func (c *Client) write(m bridge.Message) error {
	line, err := bridge.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return bridge.ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn io.ReadWriteCloser, gen int) {
	framer := bridge.NewFramer(c.log)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range framer.Feed(buf[:n]) {
				c.dispatch(msg)
			}
		}
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
	}
}

func (c *Client) dispatch(msg bridge.Message) {
	switch msg.Type {
	case bridge.TypeRes, bridge.TypeInvokeResponse:
		if msg.OK {
			c.resolve(msg.ID, callResult{payload: msg.Payload})
			return
		}
		gerr := &bridge.GatewayError{Message: "request failed"}
		if msg.Error != nil {
			gerr.Code = msg.Error.Code
			gerr.Message = msg.Error.Message
		}
		c.resolve(msg.ID, callResult{err: gerr})

	case bridge.TypeEvent:
		c.mu.Lock()
		handlers := make([]EventHandler, 0, len(c.subs[msg.Event]))
		for _, h := range c.subs[msg.Event] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg.Event, msg.Payload)
		}
		c.cfg.Metrics.RecordEvent(msg.Event)

	case bridge.TypeInvoke, bridge.TypeReq:
		go c.handleInvoke(msg)

	case bridge.TypePing:
		if err := c.write(bridge.Message{Type: bridge.TypePong, ID: msg.ID}); err != nil {
			c.log.Warn("pong write failed", zap.Error(err))
		}

	case bridge.TypePong:
		c.pongMu.Lock()
		c.pongSeen = true
		c.pongMu.Unlock()

	case bridge.TypeError:
		c.log.Warn("gateway protocol error frame",
			zap.String("code", msg.Code), zap.String("message", msg.Text))

	default:
		c.log.Warn("unhandled bridge message", zap.String("type", string(msg.Type)))
	}
}

func (c *Client) handleInvoke(msg bridge.Message) {
	c.mu.Lock()
	h := c.invokeHandler
	c.mu.Unlock()

	respond := func(payload json.RawMessage, invErr *bridge.ErrorInfo) {
		resp := bridge.Message{Type: bridge.TypeInvokeResponse, ID: msg.ID}
		if invErr != nil {
			resp.Error = invErr
		} else {
			resp.OK = true
			resp.Payload = payload
		}
		if err := c.write(resp); err != nil {
			c.log.Warn("invoke response write failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	if h == nil {
		respond(nil, &bridge.ErrorInfo{Code: "no_handler", Message: "no invoke handler installed"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultInvokeTimeout)
	defer cancel()
	payload, err := h(ctx, msg.InvokeCommand(), msg.Params)
	if err != nil {
		var gerr *bridge.GatewayError
		if errors.As(err, &gerr) {
			respond(nil, &bridge.ErrorInfo{Code: gerr.Code, Message: gerr.Message})
			return
		}
		respond(nil, &bridge.ErrorInfo{Code: "invoke_failed", Message: err.Error()})
		return
	}
	respond(payload, nil)
}

func (c *Client) keepalive(conn io.ReadWriteCloser, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}

		c.pongMu.Lock()
		acked := c.pongSeen
		c.pongSeen = false
		c.pongMu.Unlock()

		if !acked {
			// No ack since the previous probe: the link is silently dead.
			c.log.Warn("keepalive unacknowledged, closing gateway link")
			_ = conn.Close()
			return
		}
		if err := c.write(bridge.Message{Type: bridge.TypePing, ID: uuid.NewString()}); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// teardownConn closes the stream for a given connection generation and
// fails every pending request immediately with a disconnect error.
func (c *Client) teardownConn(gen int) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.ch <- callResult{err: bridge.ErrDisconnected}
	}
}

func (c *Client) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	stale := c.gen != gen
	closed := c.closed
	c.mu.Unlock()
	if stale {
		return
	}

	c.teardownConn(gen)
	if closed {
		return
	}

	c.mu.Lock()
	ever := c.everConnected
	c.mu.Unlock()
	if !ever {
		// The conn died during an explicit Connect that already returned
		// its error; retrying a failed Connect is the caller's decision.
		return
	}

	c.log.Warn("gateway link lost", zap.Error(cause))
	if !c.cfg.AutoReconnect {
		c.setStatus(StatusDisconnected)
		return
	}

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.setStatus(StatusReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop is the supervised retry loop: one goroutine, cancellable by
// Disconnect, never leaving orphaned timers behind.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			c.log.Error("reconnect attempts exhausted",
				zap.Int("attempts", c.cfg.MaxReconnectAttempts))
			c.setStatus(StatusError)
			return
		}

		delay := Backoff(attempt)
		c.log.Info("scheduling gateway reconnect",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout+c.cfg.PingInterval)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.cfg.Metrics.RecordReconnect()
			return
		}
		c.log.Warn("gateway reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}
