package mobile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/Nebaura-Labs/mote-sub000/internal/gateway"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status models the device-role connection lifecycle. reconnecting and
// error are excursions from any of the first three states.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusPaired       Status = "paired"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	// Mobile role: opportunistic client, tolerates longer outages than the
	// backend before giving up.
	defaultMaxReconnectAttempts = 10
)

// TokenStore persists the pairing credential between sessions. Storage
// itself is an external collaborator; the manager only produces and
// consumes tokens.
type TokenStore interface {
	LoadPairingToken(serverID string) (string, error)
	SavePairingToken(serverID, token string) error
}

// DeviceIdentity is what the manager announces in hello and pair.
type DeviceIdentity struct {
	DeviceID     string
	DeviceName   string
	Model        string
	Platform     string
	Capabilities []string
	Commands     []string
}

// Config wires a Manager.
type Config struct {
	Log    *zap.Logger
	URL    string
	Device DeviceIdentity
	Tokens TokenStore

	HandshakeTimeout     time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
}

// Manager runs the device-role bridge handshake over a relayed WebSocket
// and exposes status transitions and raw protocol messages to consumers.
// It holds no business logic beyond handshake and lifecycle.
type Manager struct {
	log *zap.Logger
	cfg Config

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          int
	status       Status
	serverID     string
	statusSubs   map[int]func(Status)
	msgSubs      map[int]func(bridge.Message)
	nextSub      int
	attempts     int
	reconnecting bool
	everPaired   bool
	closed       bool

	done chan struct{}

	writeMu sync.Mutex

	handshakeCh chan bridge.Message
}

// NewManager builds a disconnected manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("mobile bridge url is required")
	}
	if cfg.Device.DeviceID == "" || cfg.Device.DeviceName == "" {
		return nil, errors.New("device identity is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	return &Manager{
		log:        cfg.Log,
		cfg:        cfg,
		status:     StatusDisconnected,
		statusSubs: make(map[int]func(Status)),
		msgSubs:    make(map[int]func(bridge.Message)),
		done:       make(chan struct{}),
	}, nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ServerID reports the server identity from helloOk, if connected.
func (m *Manager) ServerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverID
}

// OnStatus subscribes to lifecycle transitions; returns a token for Off.
func (m *Manager) OnStatus(h func(Status)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.statusSubs[m.nextSub] = h
	return m.nextSub
}

// OnMessage subscribes to raw protocol messages in arrival order.
func (m *Manager) OnMessage(h func(bridge.Message)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.msgSubs[m.nextSub] = h
	return m.nextSub
}

// Off removes a subscription token of either kind.
func (m *Manager) Off(token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statusSubs, token)
	delete(m.msgSubs, token)
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	handlers := make([]func(Status), 0, len(m.statusSubs))
	for _, h := range m.statusSubs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect dials the relay, then runs hello and, when the stored pairing
// token is missing or rejected, the pair exchange. It returns once the
// session is paired.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return bridge.ErrDisconnected
	}
	if m.status == StatusPaired {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.cfg.URL, nil)
	if err != nil {
		m.setStatus(StatusError)
		return &bridge.TransportError{Stage: "network", Err: err}
	}

	hs := make(chan bridge.Message, 4)
	m.mu.Lock()
	m.conn = conn
	m.gen++
	gen := m.gen
	m.handshakeCh = hs
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	if err := m.handshake(ctx, hs); err != nil {
		m.teardownConn(gen)
		m.setStatus(StatusError)
		return err
	}

	m.mu.Lock()
	m.attempts = 0
	m.handshakeCh = nil
	m.everPaired = true
	m.mu.Unlock()
	m.setStatus(StatusPaired)
	return nil
}

func (m *Manager) handshake(ctx context.Context, hs chan bridge.Message) error {
	storedToken := ""
	if m.cfg.Tokens != nil {
		if tok, err := m.cfg.Tokens.LoadPairingToken(m.cfg.URL); err == nil {
			storedToken = tok
		}
	}

	hello := bridge.Message{
		Type:         bridge.TypeHello,
		DeviceID:     m.cfg.Device.DeviceID,
		Platform:     m.cfg.Device.Platform,
		DeviceName:   m.cfg.Device.DeviceName,
		Capabilities: m.cfg.Device.Capabilities,
		Commands:     m.cfg.Device.Commands,
		PairingToken: storedToken,
	}
	if hello.Capabilities == nil {
		hello.Capabilities = []string{}
	}
	if hello.Commands == nil {
		hello.Commands = []string{}
	}
	if err := m.Send(hello); err != nil {
		return err
	}

	helloOk, err := m.awaitHandshake(ctx, hs, bridge.TypeHelloOk)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.serverID = helloOk.ServerID
	m.mu.Unlock()
	m.setStatus(StatusConnected)

	if storedToken != "" && helloOk.PairingAccepted {
		m.log.Info("stored pairing token accepted", zap.String("server_id", helloOk.ServerID))
		return nil
	}

	if err := m.Send(bridge.Message{
		Type: bridge.TypePair,
		DeviceInfo: &bridge.DeviceInfo{
			Name:     m.cfg.Device.DeviceName,
			Model:    m.cfg.Device.Model,
			Platform: m.cfg.Device.Platform,
		},
	}); err != nil {
		return err
	}

	pairOk, err := m.awaitHandshake(ctx, hs, bridge.TypePairOk)
	if err != nil {
		return err
	}
	if m.cfg.Tokens != nil {
		if err := m.cfg.Tokens.SavePairingToken(m.cfg.URL, pairOk.Token); err != nil {
			m.log.Warn("persist pairing token failed", zap.Error(err))
		}
	}
	m.log.Info("paired with bridge server", zap.String("server_id", helloOk.ServerID))
	return nil
}

func (m *Manager) awaitHandshake(ctx context.Context, hs chan bridge.Message, want bridge.Type) (bridge.Message, error) {
	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return bridge.Message{}, ctx.Err()
		case <-timer.C:
			return bridge.Message{}, &bridge.RequestTimeoutError{Method: string(want)}
		case msg, ok := <-hs:
			if !ok {
				return bridge.Message{}, bridge.ErrDisconnected
			}
			if msg.Type == bridge.TypeError {
				return bridge.Message{}, &bridge.GatewayError{Code: msg.Code, Message: msg.Text}
			}
			if msg.Type == want {
				return msg, nil
			}
			// Unrelated frame during handshake; keep waiting.
		}
	}
}

// Send writes one protocol message to the relay.
func (m *Manager) Send(msg bridge.Message) error {
	line, err := bridge.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return bridge.ErrDisconnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
		return fmt.Errorf("bridge send: %w", err)
	}
	return nil
}

// Disconnect intentionally closes the session; no reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	gen := m.gen
	m.mu.Unlock()
	if !already {
		close(m.done)
	}
	m.teardownConn(gen)
	m.setStatus(StatusDisconnected)
}

func (m *Manager) teardownConn(gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	hs := m.handshakeCh
	m.handshakeCh = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if hs != nil {
		close(hs)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := bridge.Decode(data)
		if err != nil {
			m.log.Error("dropping malformed bridge frame", zap.Error(err))
			continue
		}

		if msg.Type == bridge.TypePing {
			if err := m.Send(bridge.Message{Type: bridge.TypePong, ID: msg.ID}); err != nil {
				m.log.Warn("pong failed", zap.Error(err))
			}
		}

		m.mu.Lock()
		hs := m.handshakeCh
		handlers := make([]func(bridge.Message), 0, len(m.msgSubs))
		for _, h := range m.msgSubs {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		if hs != nil {
			select {
			case hs <- msg:
			default:
			}
		}
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (m *Manager) handleDisconnect(gen int, cause error) {
	m.mu.Lock()
	stale := m.gen != gen
	closed := m.closed
	m.mu.Unlock()
	if stale {
		return
	}
	m.teardownConn(gen)
	if closed {
		return
	}

	m.mu.Lock()
	ever := m.everPaired
	m.mu.Unlock()
	if !ever {
		// The conn died during an explicit Connect that already returned
		// its error; retrying a failed Connect is the caller's decision.
		return
	}

	m.log.Warn("bridge session lost", zap.Error(cause))
	if !m.cfg.AutoReconnect {
		m.setStatus(StatusDisconnected)
		return
	}

	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.setStatus(StatusReconnecting)
	go m.reconnectLoop()
}

// reconnectLoop mirrors the backend client's supervised retry policy with
// the mobile attempt ceiling.
func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if attempt > m.cfg.MaxReconnectAttempts {
			m.log.Error("bridge reconnect attempts exhausted",
				zap.Int("attempts", m.cfg.MaxReconnectAttempts))
			m.setStatus(StatusError)
			return
		}

		delay := gateway.Backoff(attempt)
		m.log.Info("scheduling bridge reconnect",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.done:
			timer.Stop()
			return
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.HandshakeTimeout)
		err := m.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		m.log.Warn("bridge reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}
