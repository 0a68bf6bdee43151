package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Status tracks the tunnel lifecycle.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Config describes the SSH endpoint and the Gateway bridge port behind it.
// Only key-based authentication is supported.
type Config struct {
	Host          string
	Port          int
	User          string
	PrivateKeyPEM []byte

	// GatewayPort is the Bridge Protocol port on the remote side, reached
	// via a direct-tcpip forward. The Gateway listens on loopback only.
	GatewayPort int

	DialTimeout       time.Duration
	KeepaliveInterval time.Duration

	// HostKeyCallback defaults to accepting any host key; the host is
	// user-controlled and addressed by credential, not by identity pinning.
	HostKeyCallback ssh.HostKeyCallback
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 22
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return errors.New("tunnel host is required")
	}
	if c.User == "" {
		return errors.New("tunnel user is required")
	}
	if len(c.PrivateKeyPEM) == 0 {
		return errors.New("tunnel private key is required")
	}
	if c.GatewayPort <= 0 {
		return errors.New("tunnel gateway port is required")
	}
	return nil
}

// Tunnel is an authenticated SSH connection carrying forwarded sub-channels
// to the Gateway bridge port. A tunnel that has died must not be reused;
// callers dial a fresh one.
type Tunnel struct {
	log *zap.Logger
	cfg Config

	client *ssh.Client

	mu            sync.Mutex
	status        Status
	lastConnected time.Time
	conns         []net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// Dial establishes the authenticated SSH connection. Failures are surfaced
// as *bridge.TransportError with the failing stage, never partial success.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Tunnel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, &bridge.TransportError{Stage: "auth", Err: fmt.Errorf("parse private key: %w", err)}
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &bridge.TransportError{Stage: "network", Err: err}
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		return nil, &bridge.TransportError{Stage: "auth", Err: err}
	}

	t := &Tunnel{
		log:           log.With(zap.String("ssh_host", cfg.Host)),
		cfg:           cfg,
		client:        ssh.NewClient(conn, chans, reqs),
		status:        StatusConnected,
		lastConnected: time.Now(),
		done:          make(chan struct{}),
	}

	go t.keepalive()
	go func() {
		// The ssh client wait unblocks on any transport death; tear down
		// forwarded sub-channels synchronously so readers fail fast.
		_ = t.client.Wait()
		t.markDead()
	}()

	t.log.Info("ssh tunnel established", zap.Int("gateway_port", cfg.GatewayPort))
	return t, nil
}

// Open forwards a new sub-channel to the Gateway bridge port. The returned
// conn behaves like a direct socket to the Gateway.
func (t *Tunnel) Open(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.status != StatusConnected {
		t.mu.Unlock()
		return nil, &bridge.TransportError{Stage: "forward", Err: fmt.Errorf("tunnel is %s", t.status)}
	}
	t.mu.Unlock()

	target := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", t.cfg.GatewayPort))
	conn, err := t.client.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &bridge.TransportError{Stage: "forward", Err: err}
	}

	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

// Status returns the current lifecycle state.
func (t *Tunnel) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// LastConnected reports when the tunnel authenticated.
func (t *Tunnel) LastConnected() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConnected
}

// Alive reports whether the tunnel can still open sub-channels.
func (t *Tunnel) Alive() bool { return t.Status() == StatusConnected }

// Done is closed once the tunnel is dead.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Close tears down the SSH connection and every forwarded sub-channel.
// Idempotent.
func (t *Tunnel) Close() error {
	t.markDead()
	return nil
}

func (t *Tunnel) markDead() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.status = StatusDisconnected
		conns := t.conns
		t.conns = nil
		t.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		_ = t.client.Close()
		close(t.done)
		t.log.Info("ssh tunnel closed")
	})
}

// keepalive probes the link on a fixed cadence. Idle connections routed
// through intermediary infrastructure can look open while delivering
// nothing; a probe that does not complete before the next one is due kills
// the tunnel.
func (t *Tunnel) keepalive() {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ok := make(chan error, 1)
			go func() {
				_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
				ok <- err
			}()
			select {
			case err := <-ok:
				if err != nil {
					t.log.Warn("ssh keepalive failed", zap.Error(err))
					t.markDead()
					return
				}
			case <-time.After(t.cfg.KeepaliveInterval):
				t.log.Warn("ssh keepalive unacknowledged, closing tunnel")
				t.markDead()
				return
			case <-t.done:
				return
			}
		}
	}
}
