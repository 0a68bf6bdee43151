package voice

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"go.uber.org/zap/zaptest"
)

type fakeDevice struct {
	mu        sync.Mutex
	controls  []Control
	audio     [][]byte
	audioGate chan struct{}
	audioErr  error
}

func (d *fakeDevice) SendControl(msg Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controls = append(d.controls, msg)
	return nil
}

func (d *fakeDevice) SendAudio(chunk []byte) error {
	if d.audioGate != nil {
		<-d.audioGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioErr != nil {
		return d.audioErr
	}
	d.audio = append(d.audio, append([]byte(nil), chunk...))
	return nil
}

// controlTypes returns the control sequence with transcription echoes
// filtered out.
func (d *fakeDevice) controlTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var types []string
	for _, c := range d.controls {
		if c.Type == ControlVoiceTranscription {
			continue
		}
		types = append(types, c.Type)
	}
	return types
}

func (d *fakeDevice) lastControl(typ string) (Control, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.controls) - 1; i >= 0; i-- {
		if d.controls[i].Type == typ {
			return d.controls[i], true
		}
	}
	return Control{}, false
}

func (d *fakeDevice) audioSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sizes := make([]int, 0, len(d.audio))
	for _, chunk := range d.audio {
		sizes = append(sizes, len(chunk))
	}
	return sizes
}

type fakeStream struct {
	mu        sync.Mutex
	results   chan Transcript
	wrote     [][]byte
	finalized int
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan Transcript, 16)}
}

func (s *fakeStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote = append(s.wrote, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeStream) Results() <-chan Transcript { return s.results }

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *fakeStream) finalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

type fakeTranscriber struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failures int
}

func (f *fakeTranscriber) Start(ctx context.Context) (TranscriptStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("recognizer unreachable")
	}
	stream := newFakeStream()
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTranscriber) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	waitFor(t, func() bool { return f.count() > i }, "transcription stream")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type chatCall struct {
	key     string
	message string
}

type fakeChat struct {
	mu    sync.Mutex
	calls []chatCall
	reply string
	err   error
}

func (f *fakeChat) SendChat(ctx context.Context, sessionKey, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatCall{key: sessionKey, message: message})
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChat) call(i int) chatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeSynth struct {
	mu    sync.Mutex
	audio []byte
	err   error
	reqs  []SynthesisRequest
}

func (f *fakeSynth) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	engine *Engine
	device *fakeDevice
	stt    *fakeTranscriber
	synth  *fakeSynth
	chat   *fakeChat
	sess   *Session
}

func newFixture(t *testing.T, mutate ...func(*EngineConfig)) *fixture {
	t.Helper()
	fx := &fixture{
		device: &fakeDevice{},
		stt:    &fakeTranscriber{},
		synth:  &fakeSynth{audio: bytes.Repeat([]byte{0x5a}, 20000)},
		chat:   &fakeChat{reply: "It is noon."},
	}
	cfg := EngineConfig{
		Log:          zaptest.NewLogger(t),
		Chat:         fx.chat,
		Transcriber:  fx.stt,
		Synthesizer:  fx.synth,
		WakePhrase:   "hey mote",
		Voice:        "nova",
		AudioFormat:  "pcm_24000",
		NodeName:     "mote",
		NodePlatform: "appliance",
		NodeCommands: []string{"light.on", "light.off"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fx.engine = engine
	t.Cleanup(engine.Shutdown)

	sess, err := engine.StartSession(context.Background(), "d1", fx.device)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	fx.sess = sess
	fx.stt.stream(t, 0)
	return fx
}

func (fx *fixture) speakFinal(text string) {
	fx.stt.mu.Lock()
	stream := fx.stt.streams[len(fx.stt.streams)-1]
	fx.stt.mu.Unlock()
	stream.results <- Transcript{Text: text, Final: true, Confidence: 0.9}
}

func (fx *fixture) commandBuffer() string {
	fx.sess.mu.Lock()
	defer fx.sess.mu.Unlock()
	return fx.sess.command
}

func (fx *fixture) runTurn(t *testing.T, utterance string) {
	t.Helper()
	before := fx.chat.callCount()
	fx.speakFinal("hey mote " + utterance)
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")
	fx.sess.HandleSilence()
	waitFor(t, func() bool { return fx.chat.callCount() > before }, "chat call")
	waitFor(t, func() bool { return fx.sess.State() == StateIdle }, "return to idle")
}

func TestWakeFragmentsAccumulateCommand(t *testing.T) {
	fx := newFixture(t)

	fx.speakFinal("hey mote")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")
	fx.speakFinal("turn on the")
	fx.speakFinal("kitchen light")
	waitFor(t, func() bool { return fx.commandBuffer() == "turn on the kitchen light" }, "command buffer")

	fx.sess.HandleSilence()
	waitFor(t, func() bool { return fx.chat.callCount() == 1 }, "chat call")
	if got := fx.chat.call(0).message; got != "turn on the kitchen light" {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestSilenceWithEmptyBufferStaysListening(t *testing.T) {
	fx := newFixture(t)

	fx.speakFinal("hey mote")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")

	fx.sess.HandleSilence()
	if fx.sess.State() != StateListening {
		t.Fatalf("silence with empty buffer left listening, state %s", fx.sess.State())
	}
	if fx.chat.callCount() != 0 {
		t.Fatalf("empty command was sent to the gateway")
	}
	if got := fx.stt.stream(t, 0).finalizeCount(); got != 1 {
		t.Fatalf("expected one finalize request, got %d", got)
	}
	if _, ok := fx.device.lastControl(ControlVoiceProcessing); ok {
		t.Fatalf("voice.processing emitted for empty command")
	}
}

func TestFullTurnDeliversResponseAudioAndDone(t *testing.T) {
	fx := newFixture(t)

	fx.speakFinal("hey mote what time is it")
	waitFor(t, func() bool { return fx.commandBuffer() == "what time is it" }, "seeded command")
	fx.sess.HandleSilence()
	waitFor(t, func() bool {
		_, ok := fx.device.lastControl(ControlVoiceDone)
		return ok
	}, "voice.done")

	want := []string{ControlVoiceListening, ControlVoiceProcessing, ControlVoiceResponse, ControlVoiceDone}
	got := fx.device.controlTypes()
	if len(got) != len(want) {
		t.Fatalf("control sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("control sequence %v, want %v", got, want)
		}
	}

	resp, _ := fx.device.lastControl(ControlVoiceResponse)
	if resp.Text != "It is noon." {
		t.Fatalf("response text %q", resp.Text)
	}

	sizes := fx.device.audioSizes()
	wantSizes := []int{8192, 8192, 3616}
	if len(sizes) != len(wantSizes) {
		t.Fatalf("audio chunks %v, want %v", sizes, wantSizes)
	}
	for i := range wantSizes {
		if sizes[i] != wantSizes[i] {
			t.Fatalf("audio chunks %v, want %v", sizes, wantSizes)
		}
	}
	if fx.sess.State() != StateIdle {
		t.Fatalf("session not back to idle, state %s", fx.sess.State())
	}

	fx.synth.mu.Lock()
	req := fx.synth.reqs[0]
	fx.synth.mu.Unlock()
	if req.Voice != "nova" || req.Format != "pcm_24000" {
		t.Fatalf("synthesis request %+v", req)
	}
}

func TestSessionKeyRotatesAfterConversationTimeout(t *testing.T) {
	fx := newFixture(t)
	base := time.Now()
	current := base
	var clockMu sync.Mutex
	fx.sess.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	setClock := func(at time.Time) {
		clockMu.Lock()
		current = at
		clockMu.Unlock()
	}

	fx.runTurn(t, "first question")
	setClock(base.Add(10 * time.Second))
	fx.runTurn(t, "second question")
	setClock(base.Add(10 * time.Minute))
	fx.runTurn(t, "third question")

	k1, k2, k3 := fx.chat.call(0).key, fx.chat.call(1).key, fx.chat.call(2).key
	if k1 != k2 {
		t.Fatalf("keys within the window differ: %q vs %q", k1, k2)
	}
	if k3 == k2 {
		t.Fatalf("key did not rotate after conversation timeout")
	}
}

func TestGatewayOutageDowngradesToNotConnectedReply(t *testing.T) {
	fx := newFixture(t)
	fx.chat.mu.Lock()
	fx.chat.err = &bridge.TransportError{Stage: "network", Err: errors.New("tunnel down")}
	fx.chat.mu.Unlock()

	fx.runTurn(t, "what time is it")

	resp, ok := fx.device.lastControl(ControlVoiceResponse)
	if !ok || resp.Text != notConnectedReply {
		t.Fatalf("expected downgraded reply, got %+v", resp)
	}
	if _, ok := fx.device.lastControl(ControlVoiceError); ok {
		t.Fatalf("outage surfaced as voice.error instead of a spoken reply")
	}
	if _, ok := fx.device.lastControl(ControlVoiceDone); !ok {
		t.Fatalf("turn did not end with voice.done")
	}
}

func TestGatewayErrorEndsTurnWithVoiceError(t *testing.T) {
	fx := newFixture(t)
	fx.chat.mu.Lock()
	fx.chat.err = &bridge.GatewayError{Code: "quota_exceeded", Message: "limit reached"}
	fx.chat.mu.Unlock()

	fx.speakFinal("hey mote what time is it")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")
	fx.sess.HandleSilence()
	waitFor(t, func() bool {
		_, ok := fx.device.lastControl(ControlVoiceError)
		return ok
	}, "voice.error")

	errCtl, _ := fx.device.lastControl(ControlVoiceError)
	if errCtl.Code != "gateway" {
		t.Fatalf("error code %q", errCtl.Code)
	}
	waitFor(t, func() bool { return fx.sess.State() == StateIdle }, "return to idle")
	if _, ok := fx.device.lastControl(ControlVoiceDone); ok {
		t.Fatalf("failed turn still emitted voice.done")
	}
}

func TestSynthesisFailureEndsTurnWithVoiceError(t *testing.T) {
	fx := newFixture(t)
	fx.synth.mu.Lock()
	fx.synth.err = errors.New("voice service 500")
	fx.synth.mu.Unlock()

	fx.speakFinal("hey mote what time is it")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")
	fx.sess.HandleSilence()
	waitFor(t, func() bool {
		_, ok := fx.device.lastControl(ControlVoiceError)
		return ok
	}, "voice.error")

	errCtl, _ := fx.device.lastControl(ControlVoiceError)
	if errCtl.Code != "synthesis" {
		t.Fatalf("error code %q", errCtl.Code)
	}
	waitFor(t, func() bool { return fx.sess.State() == StateIdle }, "return to idle")
	if len(fx.device.audioSizes()) != 0 {
		t.Fatalf("audio sent despite synthesis failure")
	}
}

func TestWakeDuringSpeakingInterruptsPlayback(t *testing.T) {
	fx := newFixture(t)
	fx.device.audioGate = make(chan struct{})

	fx.speakFinal("hey mote what time is it")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening state")
	fx.sess.HandleSilence()
	waitFor(t, func() bool { return fx.sess.State() == StateSpeaking }, "speaking state")

	fx.speakFinal("hey mote stop")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening after interrupt")
	close(fx.device.audioGate)

	if _, ok := fx.device.lastControl(ControlVoiceInterrupt); !ok {
		t.Fatalf("no voice.interrupt emitted")
	}
	if got := fx.commandBuffer(); got != "stop" {
		t.Fatalf("interrupt did not seed new command, buffer %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := fx.device.lastControl(ControlVoiceDone); ok {
		t.Fatalf("interrupted turn still emitted voice.done")
	}
}

func TestTranscriptionLinkRestartsTransparently(t *testing.T) {
	fx := newFixture(t)

	_ = fx.stt.stream(t, 0).Close()
	waitFor(t, func() bool { return fx.stt.count() == 2 }, "restarted stream")

	if _, ok := fx.device.lastControl(ControlVoiceError); ok {
		t.Fatalf("link restart surfaced as voice.error")
	}

	// The new stream still drives the session.
	fx.speakFinal("hey mote lights on")
	waitFor(t, func() bool { return fx.sess.State() == StateListening }, "listening on new stream")
}

func TestAudioFramesReachTheStream(t *testing.T) {
	fx := newFixture(t)

	frame := []byte{1, 2, 3, 4}
	if err := fx.sess.HandleAudio(frame); err != nil {
		t.Fatalf("handle audio: %v", err)
	}
	stream := fx.stt.stream(t, 0)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if len(stream.wrote) != 1 || !bytes.Equal(stream.wrote[0], frame) {
		t.Fatalf("frame not forwarded, wrote %v", stream.wrote)
	}
}
