// Package server hosts the appliance-facing WebSocket listener and the
// admin endpoints, wiring authenticated devices into the voice engine
// and the per-user Gateway client pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/config"
	"github.com/Nebaura-Labs/mote-sub000/internal/gateway"
	"github.com/Nebaura-Labs/mote-sub000/internal/keystore"
	"github.com/Nebaura-Labs/mote-sub000/internal/tunnel"
	"github.com/Nebaura-Labs/mote-sub000/internal/voice"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	adminReadHeaderTimeout = 5 * time.Second

	// Device tokens live in the keystore's generic secret space; the
	// sealed value is the owning user id.
	deviceTokenPrefix = "device_tokens/"
)

// Deps carries the server's collaborators, built in main.
type Deps struct {
	Log      *zap.Logger
	Engine   *voice.Engine
	Pool     *gateway.Pool
	Keystore keystore.CredentialBackend
	Registry *prometheus.Registry
}

// Server wires dependencies and hosts the HTTP listeners.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	engine  *voice.Engine
	pool    *gateway.Pool
	ks      keystore.CredentialBackend
	reg     *prometheus.Registry
	metrics *serverMetrics

	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// New constructs a server with its dependencies.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("voice engine is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("gateway pool is required")
	}
	if deps.Keystore == nil {
		return nil, errors.New("keystore is required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		log:    deps.Log,
		engine: deps.Engine,
		pool:   deps.Pool,
		ks:     deps.Keystore,
		reg:    deps.Registry,
	}
	if s.reg != nil {
		s.metrics = newServerMetrics(s.reg)
	}
	return s, nil
}

// Start boots both listeners and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws/voice", s.handleVoiceWS)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}
	s.startAdminServer()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("device server listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) startAdminServer() {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	if s.reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("device server shutdown", zap.Error(err))
		}
	}
	s.engine.Shutdown()
	s.pool.Shutdown()
	s.log.Info("server stopped")
}

// authenticate maps a device token to the owning user id.
func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	userID, err := s.ks.LoadSecret(ctx, deviceTokenPrefix+token)
	if err != nil {
		return "", fmt.Errorf("unknown device token: %w", err)
	}
	return string(userID), nil
}

// credentialFor translates a sealed keystore record into the pool's
// connect material.
func (s *Server) credentialFor(ctx context.Context, userID string) (gateway.Credential, error) {
	rec, err := s.ks.LoadCredential(ctx, userID)
	if err != nil {
		return gateway.Credential{}, fmt.Errorf("load credential for %s: %w", userID, err)
	}
	return gateway.Credential{
		UserID: rec.UserID,
		Tunnel: tunnel.Config{
			Host:          rec.SSHHost,
			Port:          rec.SSHPort,
			User:          rec.SSHUser,
			PrivateKeyPEM: rec.SSHPrivateKeyPEM,
			GatewayPort:   rec.GatewayPort,
		},
		Token: rec.GatewayToken,
		ID: gateway.Identity{
			ID:       "mote-" + rec.UserID,
			Name:     "mote backend",
			Platform: "mote",
		},
	}, nil
}

// poolChat routes a session's chat turns through the user's pooled
// Gateway client, attaching the voice engine as the client's node on the
// way so inbound commands flow back to the appliance.
type poolChat struct {
	srv  *Server
	cred gateway.Credential
}

func (c *poolChat) SendChat(ctx context.Context, sessionKey, message string) (string, error) {
	client, err := c.srv.pool.GetClient(ctx, c.cred)
	if err != nil {
		return "", err
	}
	if err := c.srv.engine.Attach(ctx, client); err != nil {
		// Chat still works without node registration; commands just
		// cannot be pushed until the next attempt.
		c.srv.log.Warn("node registration failed",
			zap.String("user_id", c.cred.UserID), zap.Error(err))
	}
	return client.SendChat(ctx, sessionKey, message)
}
