package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the per-device voice state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

const (
	// Audio is pushed in fixed chunks with no pacing; the appliance
	// buffers and paces playback itself.
	audioChunkSize = 8 << 10

	defaultConversationTimeout = 5 * time.Minute
	defaultCommandBufferCap    = 4 << 10

	streamRetryDelay = 500 * time.Millisecond

	// Spoken when the Gateway link is down; the turn still ends cleanly
	// instead of hanging or erroring out.
	notConnectedReply = "I can't reach your assistant right now."
)

// ChatBackend is the slice of the Gateway client a session needs.
// *gateway.Client satisfies it.
type ChatBackend interface {
	SendChat(ctx context.Context, sessionKey, message string) (string, error)
}

// Session is the per-device state machine. All mutable state is owned by
// the session and guarded by mu; the transcript loop, silence handler,
// and turn goroutine never hold the lock across a network call.
type Session struct {
	log         *zap.Logger
	deviceID    string
	conn        DeviceConn
	chat        ChatBackend
	transcriber Transcriber
	synth       Synthesizer
	wake        *WakeDetector
	metrics     *Metrics

	voice       string
	format      string
	convTimeout time.Duration
	commandCap  int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	command    string
	sessionKey string
	lastTurn   time.Time
	stream     TranscriptStream
	turn       int
	closed     bool

	now func() time.Time
}

// DeviceID returns the appliance identity this session serves.
func (s *Session) DeviceID() string { return s.deviceID }

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) start() {
	go s.transcriptLoop()
}

// transcriptLoop owns the recognition link. A dropped stream is restarted
// transparently, even mid-speaking, so a wake phrase spoken during
// playback is still catchable.
func (s *Session) transcriptLoop() {
	reported := false
	for {
		stream, err := s.transcriber.Start(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !reported {
				reported = true
				s.metrics.RecordTurnFailure("transcription")
				s.log.Warn("transcription start failed",
					zap.String("device_id", s.deviceID), zap.Error(err))
				_ = s.conn.SendControl(Control{
					Type:    ControlVoiceError,
					Code:    "transcription",
					Message: "speech recognition unavailable",
				})
			}
			select {
			case <-time.After(streamRetryDelay):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		reported = false

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = stream.Close()
			return
		}
		s.stream = stream
		s.mu.Unlock()

		for tr := range stream.Results() {
			s.handleTranscript(tr)
		}

		s.mu.Lock()
		s.stream = nil
		closed := s.closed
		s.mu.Unlock()
		if closed || s.ctx.Err() != nil {
			return
		}
		s.metrics.RecordSTTRestart()
		s.log.Info("transcription link lost, restarting",
			zap.String("device_id", s.deviceID))
	}
}

// HandleAudio forwards a raw PCM frame from the appliance to the
// recognition stream. Frames arriving while the stream is down are
// dropped; the loop is already reconnecting.
func (s *Session) HandleAudio(pcm []byte) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Write(pcm)
}

func (s *Session) handleTranscript(tr Transcript) {
	if strings.TrimSpace(tr.Text) == "" {
		return
	}
	_ = s.conn.SendControl(Control{
		Type:  ControlVoiceTranscription,
		Text:  tr.Text,
		Final: tr.Final,
	})
	if !tr.Final {
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateIdle, StateSpeaking:
		remainder, ok := s.wake.Match(tr.Text)
		if !ok {
			s.mu.Unlock()
			return
		}
		interrupted := s.state == StateSpeaking
		s.state = StateListening
		s.turn++
		s.command = remainder
		s.mu.Unlock()

		s.metrics.RecordWakeDetection()
		if interrupted {
			_ = s.conn.SendControl(Control{Type: ControlVoiceInterrupt})
		}
		_ = s.conn.SendControl(Control{Type: ControlVoiceListening})

	case StateListening:
		s.appendCommandLocked(tr.Text)
		s.mu.Unlock()

	default:
		// processing: the turn is already running, late speech is dropped
		s.mu.Unlock()
	}
}

func (s *Session) appendCommandLocked(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	if s.command == "" {
		s.command = fragment
	} else {
		s.command += " " + fragment
	}
	if len(s.command) > s.commandCap {
		s.command = s.command[:s.commandCap]
	}
}

// HandleSilence is the end-of-utterance signal from the audio pipeline.
// Silence with an empty command buffer keeps the session listening; it
// only asks the recognizer to flush pending speech.
func (s *Session) HandleSilence() {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	if strings.TrimSpace(s.command) == "" {
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Finalize()
		}
		return
	}
	command := s.command
	s.command = ""
	s.state = StateProcessing
	s.turn++
	turn := s.turn
	s.mu.Unlock()

	_ = s.conn.SendControl(Control{Type: ControlVoiceProcessing})
	go s.processTurn(command, turn)
}

func (s *Session) processTurn(command string, turn int) {
	reply, err := s.chatReply(command)
	if err != nil {
		s.failTurn(turn, "gateway", err)
		return
	}
	if !s.turnActive(turn, StateProcessing) {
		return
	}
	_ = s.conn.SendControl(Control{Type: ControlVoiceResponse, Text: reply})

	audio, err := s.synth.Synthesize(s.ctx, SynthesisRequest{
		Text:   reply,
		Voice:  s.voice,
		Format: s.format,
	})
	if err != nil {
		s.failTurn(turn, "synthesis", err)
		return
	}

	s.mu.Lock()
	if s.turn != turn {
		s.mu.Unlock()
		return
	}
	s.state = StateSpeaking
	s.mu.Unlock()

	for off := 0; off < len(audio); off += audioChunkSize {
		if !s.turnActive(turn, StateSpeaking) {
			return
		}
		end := min(off+audioChunkSize, len(audio))
		if err := s.conn.SendAudio(audio[off:end]); err != nil {
			s.failTurn(turn, "audio", err)
			return
		}
		s.metrics.RecordAudioBytes(end - off)
	}

	if !s.turnActive(turn, StateSpeaking) {
		return
	}
	_ = s.conn.SendControl(Control{Type: ControlVoiceDone})
	s.metrics.RecordTurn()

	s.mu.Lock()
	if s.turn == turn {
		s.state = StateIdle
		s.command = ""
	}
	s.mu.Unlock()
}

// chatReply sends the buffered command under the session's persistent
// key, rotating the key when the conversation has gone quiet for longer
// than the timeout window. A Gateway link outage downgrades to a fixed
// spoken reply instead of failing the turn.
func (s *Session) chatReply(command string) (string, error) {
	now := s.now()
	s.mu.Lock()
	if s.sessionKey == "" || now.Sub(s.lastTurn) > s.convTimeout {
		s.sessionKey = uuid.NewString()
	}
	s.lastTurn = now
	key := s.sessionKey
	s.mu.Unlock()

	reply, err := s.chat.SendChat(s.ctx, key, command)
	if err != nil {
		var terr *bridge.TransportError
		if errors.Is(err, bridge.ErrDisconnected) || errors.As(err, &terr) {
			s.log.Warn("gateway unavailable, downgrading reply",
				zap.String("device_id", s.deviceID), zap.Error(err))
			return notConnectedReply, nil
		}
		return "", err
	}
	return reply, nil
}

func (s *Session) failTurn(turn int, stage string, err error) {
	s.metrics.RecordTurnFailure(stage)
	s.log.Warn("voice turn failed",
		zap.String("device_id", s.deviceID),
		zap.String("stage", stage),
		zap.Error(err))
	_ = s.conn.SendControl(Control{
		Type:    ControlVoiceError,
		Code:    stage,
		Message: err.Error(),
	})
	s.mu.Lock()
	if s.turn == turn {
		s.state = StateIdle
		s.command = ""
	}
	s.mu.Unlock()
}

func (s *Session) turnActive(turn int, want State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.turn == turn && s.state == want
}

// Close cancels the recognition link and stops any in-flight turn. Safe
// to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.turn++
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		_ = stream.Close()
	}
}
