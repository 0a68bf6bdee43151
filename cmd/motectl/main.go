package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/Nebaura-Labs/mote-sub000/internal/keystore"
	"github.com/Nebaura-Labs/mote-sub000/internal/mobile"
	"github.com/google/uuid"
)

// motectl drives the device-role bridge handshake against a Gateway the
// way the companion app would: connect, pair on first contact, then
// optionally issue one request and watch the event stream.

type ctlConfig struct {
	url           string
	deviceID      string
	deviceName    string
	keystorePath  string
	passphraseEnv string
	method        string
	params        string
	watch         time.Duration
	timeout       time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("motectl failed: %v", err)
	}
}

func parseConfig() ctlConfig {
	var cfg ctlConfig
	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:4570/", "Bridge WebSocket URL (through the relay)")
	flag.StringVar(&cfg.deviceID, "device-id", "motectl-dev", "Device identifier announced in hello")
	flag.StringVar(&cfg.deviceName, "device-name", "motectl", "Device name announced in hello")
	flag.StringVar(&cfg.keystorePath, "keystore", "data/motectl-keystore.json", "Path to the pairing token keystore")
	flag.StringVar(&cfg.passphraseEnv, "passphrase-env", "MOTE_KEYSTORE_PASSPHRASE", "Environment variable holding the keystore passphrase")
	flag.StringVar(&cfg.method, "method", "", "Optional request method to send once paired (e.g. chat.send)")
	flag.StringVar(&cfg.params, "params", "", "JSON params for -method")
	flag.DurationVar(&cfg.watch, "watch", 0, "How long to keep printing inbound messages after the handshake")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Connect and request timeout")
	flag.Parse()

	if cfg.params != "" && !json.Valid([]byte(cfg.params)) {
		log.Fatalf("-params is not valid JSON: %s", cfg.params)
	}
	return cfg
}

func run(cfg ctlConfig) error {
	tokens, err := openTokenStore(cfg)
	if err != nil {
		return err
	}

	mgr, err := mobile.NewManager(mobile.Config{
		URL: cfg.url,
		Device: mobile.DeviceIdentity{
			DeviceID:   cfg.deviceID,
			DeviceName: cfg.deviceName,
			Platform:   "cli",
		},
		Tokens: tokens,
	})
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}
	defer mgr.Disconnect()

	mgr.OnStatus(func(s mobile.Status) {
		log.Printf("status: %s", s)
	})
	mgr.OnMessage(func(msg bridge.Message) {
		raw, _ := json.Marshal(msg)
		log.Printf("<- %s", raw)
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Printf("paired with server %s", mgr.ServerID())

	if cfg.method != "" {
		if err := sendRequest(mgr, cfg); err != nil {
			return err
		}
	}
	if cfg.watch > 0 {
		log.Printf("watching for %s", cfg.watch)
		time.Sleep(cfg.watch)
	}
	return nil
}

func openTokenStore(cfg ctlConfig) (mobile.TokenStore, error) {
	passphrase := os.Getenv(cfg.passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("env %s is empty", cfg.passphraseEnv)
	}

	ks := keystore.NewFileBackend(cfg.keystorePath)
	ctx := context.Background()
	if err := ks.Unlock(ctx, passphrase); err != nil {
		if !errors.Is(err, keystore.ErrNotInitialized) {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		if err := ks.Initialize(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("initialize keystore: %w", err)
		}
		log.Printf("initialized keystore at %s", ks.Path())
	}
	return ks, nil
}

func sendRequest(mgr *mobile.Manager, cfg ctlConfig) error {
	id := uuid.NewString()
	done := make(chan bridge.Message, 1)
	token := mgr.OnMessage(func(msg bridge.Message) {
		if msg.ID == id && (msg.Type == bridge.TypeRes || msg.Type == bridge.TypeError) {
			select {
			case done <- msg:
			default:
			}
		}
	})
	defer mgr.Off(token)

	req := bridge.Message{Type: bridge.TypeReq, ID: id, Method: cfg.method}
	if cfg.params != "" {
		req.Params = json.RawMessage(cfg.params)
	}
	if err := mgr.Send(req); err != nil {
		return fmt.Errorf("send %s: %w", cfg.method, err)
	}

	select {
	case msg := <-done:
		raw, _ := json.Marshal(msg)
		log.Printf("response: %s", raw)
	case <-time.After(cfg.timeout):
		return fmt.Errorf("no response to %s within %s", cfg.method, cfg.timeout)
	}
	return nil
}
