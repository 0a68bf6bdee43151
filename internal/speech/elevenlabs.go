package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/voice"
	"go.uber.org/zap"
)

const (
	defaultElevenLabsURL     = "https://api.elevenlabs.io"
	defaultSynthesisTimeout  = 30 * time.Second
	defaultElevenLabsModelID = "eleven_turbo_v2_5"
)

// ElevenLabsConfig wires the synthesizer.
type ElevenLabsConfig struct {
	BaseURL string
	APIKey  string
	ModelID string
	Timeout time.Duration
}

// ElevenLabsSynthesizer renders full audio buffers over an
// ElevenLabs-style HTTP API.
type ElevenLabsSynthesizer struct {
	log    *zap.Logger
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig, log *zap.Logger) (*ElevenLabsSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("synthesis api key is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultElevenLabsURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultElevenLabsModelID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSynthesisTimeout
	}
	return &ElevenLabsSynthesizer{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type synthesisBody struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize renders req.Text with the given voice and output format.
func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, req voice.SynthesisRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, errors.New("synthesis text is empty")
	}
	body, err := json.Marshal(synthesisBody{Text: req.Text, ModelID: s.cfg.ModelID})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", s.cfg.BaseURL, url.PathEscape(req.Voice))
	if req.Format != "" {
		endpoint += "?output_format=" + url.QueryEscape(req.Format)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", s.cfg.APIKey)

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis failed: status %d: %s", resp.StatusCode, snippet)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synthesis read: %w", err)
	}
	s.log.Debug("synthesis complete",
		zap.Int("bytes", len(audio)),
		zap.Duration("took", time.Since(start)))
	return audio, nil
}
