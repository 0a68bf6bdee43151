// Package speech provides vendor clients behind the voice package's
// Transcriber and Synthesizer interfaces.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/voice"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	// The service closes idle streams; KeepAlive holds them open between
	// utterances.
	keepAliveInterval = 8 * time.Second
)

// DeepgramConfig wires the streaming transcriber.
type DeepgramConfig struct {
	URL        string
	APIKey     string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
}

func (cfg *DeepgramConfig) applyDefaults() {
	if cfg.URL == "" {
		cfg.URL = defaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
}

// DeepgramTranscriber opens streaming recognition sessions against a
// Deepgram-style live endpoint.
type DeepgramTranscriber struct {
	log *zap.Logger
	cfg DeepgramConfig
}

func NewDeepgramTranscriber(cfg DeepgramConfig, log *zap.Logger) (*DeepgramTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transcription api key is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	return &DeepgramTranscriber{log: log, cfg: cfg}, nil
}

// Start dials one live recognition session.
func (t *DeepgramTranscriber) Start(ctx context.Context) (voice.TranscriptStream, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transcription url: %w", err)
	}
	q := u.Query()
	q.Set("model", t.cfg.Model)
	q.Set("encoding", t.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(t.cfg.SampleRate))
	q.Set("interim_results", "true")
	if t.cfg.Language != "" {
		q.Set("language", t.cfg.Language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+t.cfg.APIKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("transcription dial: %w", err)
	}

	s := &deepgramStream{
		log:     t.log,
		conn:    conn,
		results: make(chan voice.Transcript, 32),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	log     *zap.Logger
	conn    *websocket.Conn
	results chan voice.Transcript

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// deepgramResult is the slice of the live API result frame we consume.
type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float32 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) Write(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) Results() <-chan voice.Transcript { return s.results }

// Finalize asks the service to flush pending speech early.
func (s *deepgramStream) Finalize() error {
	return s.writeControl("Finalize")
}

func (s *deepgramStream) writeControl(typ string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]string{"type": typ})
}

func (s *deepgramStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("transcription stream closed", zap.Error(err))
			}
			return
		}
		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			s.log.Debug("dropping unparseable transcription frame", zap.Error(err))
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		select {
		case s.results <- voice.Transcript{
			Text:       alt.Transcript,
			Final:      res.IsFinal,
			Confidence: alt.Confidence,
		}:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeControl("KeepAlive"); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
