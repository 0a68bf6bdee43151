package voice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
)

type invokeResult struct {
	payload json.RawMessage
	err     error
}

func invokeAsync(fx *fixture, command string, params json.RawMessage) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		payload, err := fx.engine.Invoke(context.Background(), command, params)
		out <- invokeResult{payload: payload, err: err}
	}()
	return out
}

func (fx *fixture) awaitIoTRequest(t *testing.T) Control {
	t.Helper()
	var req Control
	waitFor(t, func() bool {
		var ok bool
		req, ok = fx.device.lastControl(ControlIoTRequest)
		return ok
	}, "iot.request on device")
	return req
}

func TestInvokeRelaysCommandToAppliance(t *testing.T) {
	fx := newFixture(t)

	params := json.RawMessage(`{"deviceId":"d1","brightness":80}`)
	res := invokeAsync(fx, "light.on", params)

	req := fx.awaitIoTRequest(t)
	if req.Command != "light.on" || req.ID == "" {
		t.Fatalf("unexpected request %+v", req)
	}

	fx.engine.ResolveIoTResponse(Control{
		Type:    ControlIoTResponse,
		ID:      req.ID,
		OK:      true,
		Payload: json.RawMessage(`{"state":"on"}`),
	})

	got := <-res
	if got.err != nil {
		t.Fatalf("invoke: %v", got.err)
	}
	if string(got.payload) != `{"state":"on"}` {
		t.Fatalf("payload %s", got.payload)
	}
}

func TestInvokeApplianceFailureIsTyped(t *testing.T) {
	fx := newFixture(t)

	res := invokeAsync(fx, "light.on", json.RawMessage(`{"deviceId":"d1"}`))
	req := fx.awaitIoTRequest(t)

	fx.engine.ResolveIoTResponse(Control{
		Type:    ControlIoTResponse,
		ID:      req.ID,
		OK:      false,
		Code:    "unsupported",
		Message: "no such command",
	})

	got := <-res
	var cerr *CommandError
	if !errors.As(got.err, &cerr) || cerr.Code != "unsupported" {
		t.Fatalf("expected command error, got %v", got.err)
	}
}

func TestInvokeDeadlineIgnoresLateReply(t *testing.T) {
	fx := newFixture(t, func(cfg *EngineConfig) {
		cfg.InvokeTimeout = 50 * time.Millisecond
	})

	res := invokeAsync(fx, "light.on", json.RawMessage(`{"deviceId":"d1"}`))
	req := fx.awaitIoTRequest(t)

	got := <-res
	var terr *bridge.RequestTimeoutError
	if !errors.As(got.err, &terr) {
		t.Fatalf("expected deadline error, got %v", got.err)
	}

	// The entry is gone; a late appliance reply is a no-op.
	fx.engine.ResolveIoTResponse(Control{
		Type:    ControlIoTResponse,
		ID:      req.ID,
		OK:      true,
		Payload: json.RawMessage(`{"state":"on"}`),
	})
	fx.engine.mu.Lock()
	pending := len(fx.engine.pending)
	fx.engine.mu.Unlock()
	if pending != 0 {
		t.Fatalf("correlation table not empty: %d entries", pending)
	}
}

func TestInvokeWithoutSessionFails(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Invoke(context.Background(), "light.on", json.RawMessage(`{"deviceId":"ghost"}`))
	var serr *bridge.SessionStateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected session state error, got %v", err)
	}
}

func TestInvokeDefaultsToSoleSession(t *testing.T) {
	fx := newFixture(t)

	res := invokeAsync(fx, "light.off", nil)
	req := fx.awaitIoTRequest(t)
	if req.DeviceID != "d1" {
		t.Fatalf("command routed to %q", req.DeviceID)
	}
	fx.engine.ResolveIoTResponse(Control{Type: ControlIoTResponse, ID: req.ID, OK: true})
	if got := <-res; got.err != nil {
		t.Fatalf("invoke: %v", got.err)
	}
}

func TestEndSessionRejectsPendingCommands(t *testing.T) {
	fx := newFixture(t)

	res := invokeAsync(fx, "light.on", json.RawMessage(`{"deviceId":"d1"}`))
	fx.awaitIoTRequest(t)

	fx.engine.EndSession("d1")

	got := <-res
	if !errors.Is(got.err, bridge.ErrDisconnected) {
		t.Fatalf("expected disconnect error, got %v", got.err)
	}
	if _, ok := fx.engine.Session("d1"); ok {
		t.Fatalf("session still registered after end")
	}
}

func TestStartSessionReplacesExisting(t *testing.T) {
	fx := newFixture(t)

	second := &fakeDevice{}
	sess2, err := fx.engine.StartSession(context.Background(), "d1", second)
	if err != nil {
		t.Fatalf("restart session: %v", err)
	}

	fx.sess.mu.Lock()
	oldClosed := fx.sess.closed
	fx.sess.mu.Unlock()
	if !oldClosed {
		t.Fatalf("previous session left running")
	}

	got, ok := fx.engine.Session("d1")
	if !ok || got != sess2 {
		t.Fatalf("engine does not hold the replacement session")
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	fx := newFixture(t)

	fx.engine.Shutdown()
	fx.sess.mu.Lock()
	closed := fx.sess.closed
	fx.sess.mu.Unlock()
	if !closed {
		t.Fatalf("session survived shutdown")
	}
	if _, err := fx.engine.StartSession(context.Background(), "d2", &fakeDevice{}); err == nil {
		t.Fatalf("start succeeded on a shut down engine")
	}
}
