package gateway

import (
	"context"
	"sync"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/Nebaura-Labs/mote-sub000/internal/tunnel"
	"go.uber.org/zap"
)

// Credential carries everything needed to build a user's gateway link.
type Credential struct {
	UserID string
	Tunnel tunnel.Config
	Token  string
	ID     Identity
}

// Factory builds a client for a credential; swapped out in tests.
type Factory func(cred Credential) (*Client, error)

// Pool holds at most one live gateway client per user, created lazily and
// replaced when dead. Concurrent callers for the same user share a single
// connect-in-progress instead of racing to open redundant tunnels.
type Pool struct {
	log     *zap.Logger
	metrics *Metrics
	factory Factory

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	ready  chan struct{}
	client *Client
	err    error
}

// PoolConfig wires a Pool.
type PoolConfig struct {
	Log     *zap.Logger
	Metrics *Metrics
	Factory Factory
}

// NewPool builds a pool. Without an explicit factory, clients dial through
// a per-user SSH tunnel with auto-reconnect enabled.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	p := &Pool{
		log:     cfg.Log,
		metrics: cfg.Metrics,
		factory: cfg.Factory,
		entries: make(map[string]*poolEntry),
	}
	if p.factory == nil {
		p.factory = func(cred Credential) (*Client, error) {
			return NewClient(Config{
				Log:           cfg.Log.With(zap.String("user_id", cred.UserID)),
				Dialer:        &TunnelDialer{Config: cred.Tunnel, Log: cfg.Log},
				Token:         cred.Token,
				ID:            cred.ID,
				Metrics:       cfg.Metrics,
				AutoReconnect: true,
			})
		}
	}
	return p
}

// GetClient returns the user's existing client while it reports itself
// connected, otherwise tears down the stale one and connects a fresh one.
func (p *Pool) GetClient(ctx context.Context, cred Credential) (*Client, error) {
	for {
		p.mu.Lock()
		entry, ok := p.entries[cred.UserID]
		if !ok {
			entry = &poolEntry{ready: make(chan struct{})}
			p.entries[cred.UserID] = entry
			p.mu.Unlock()

			client, err := p.connect(ctx, cred)
			entry.client, entry.err = client, err
			close(entry.ready)
			if err != nil {
				p.drop(cred.UserID, entry)
				return nil, err
			}

			p.mu.Lock()
			removed := p.entries[cred.UserID] != entry
			p.mu.Unlock()
			if removed {
				// Remove raced the connect; the user is gone.
				client.Disconnect()
				return nil, bridge.ErrDisconnected
			}
			p.metrics.SetLiveClients(p.size())
			return client, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-entry.ready:
		}
		if entry.err == nil && entry.client.Connected() {
			return entry.client, nil
		}

		// Stale or failed entry: replace it. Only the caller that observes
		// the same entry removes it, so a concurrent replacement is not
		// torn down by accident.
		if entry.err == nil {
			p.log.Info("replacing dead gateway client", zap.String("user_id", cred.UserID))
			entry.client.Disconnect()
		}
		p.drop(cred.UserID, entry)
	}
}

func (p *Pool) connect(ctx context.Context, cred Credential) (*Client, error) {
	client, err := p.factory(cred)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		// The pool owns retry; a half-built client must not keep a tunnel
		// or reconnect loop alive behind its back.
		client.Disconnect()
		return nil, err
	}
	return client, nil
}

func (p *Pool) drop(userID string, entry *poolEntry) {
	p.mu.Lock()
	if p.entries[userID] == entry {
		delete(p.entries, userID)
	}
	p.mu.Unlock()
	p.metrics.SetLiveClients(p.size())
}

// Remove disconnects and forgets the user's client, e.g. on logout.
func (p *Pool) Remove(userID string) {
	p.mu.Lock()
	entry := p.entries[userID]
	delete(p.entries, userID)
	p.mu.Unlock()

	if entry != nil {
		select {
		case <-entry.ready:
			if entry.client != nil {
				entry.client.Disconnect()
			}
		default:
			// Connect still in flight; the connecting caller observes the
			// missing entry and its client is dropped on return.
		}
	}
	p.metrics.SetLiveClients(p.size())
}

// Shutdown disconnects every client.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
			if entry.client != nil {
				entry.client.Disconnect()
			}
		default:
		}
	}
	p.metrics.SetLiveClients(0)
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
