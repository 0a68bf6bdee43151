package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// chatTurnTimeout bounds a full chat turn, deltas included.
const chatTurnTimeout = 60 * time.Second

// ChatEventPayload is the closed schema for event("chat") frames. Anything
// that does not parse into it is rejected at the boundary, not passed
// through.
type ChatEventPayload struct {
	RunID string `json:"runId,omitempty"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	chatStateDelta = "delta"
	chatStateFinal = "final"
	chatStateError = "error"
)

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type chatSendResult struct {
	RunID string `json:"runId"`
}

// SendChat runs one full chat turn: issue chat.send under the session key,
// then accumulate chat events for the returned run until a final or error
// state. Final text wins when present and non-empty; otherwise the
// concatenated deltas are returned.
func (c *Client) SendChat(ctx context.Context, sessionKey, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTurnTimeout)
	defer cancel()

	// Subscribe before sending: the first delta can beat the chat.send
	// response carrying the run id.
	events := make(chan ChatEventPayload, 64)
	token := c.On("chat", func(_ string, payload json.RawMessage) {
		var ev ChatEventPayload
		if err := json.Unmarshal(payload, &ev); err != nil || ev.State == "" {
			c.log.Warn("rejecting malformed chat event payload", zap.Error(err))
			return
		}
		select {
		case events <- ev:
		default:
			c.log.Warn("chat event buffer full, dropping delta")
		}
	})
	defer c.Off("chat", token)

	resp, err := c.Request(ctx, "chat.send", chatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	var sent chatSendResult
	if err := json.Unmarshal(resp, &sent); err != nil {
		return "", &bridge.ProtocolError{Reason: "chat.send payload", Err: err}
	}

	var deltas strings.Builder
	runTagged := false
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("chat turn: %w", ctx.Err())
		case ev := <-events:
			if sent.RunID != "" && ev.RunID != "" {
				if ev.RunID != sent.RunID {
					continue
				}
				runTagged = true
			}
			// A gateway that tags this run's events tags all of them; an
			// untagged event arriving between tagged ones belongs to a
			// concurrent turn.
			if sent.RunID != "" && ev.RunID == "" && runTagged {
				continue
			}
			switch ev.State {
			case chatStateDelta:
				deltas.WriteString(ev.Text)
			case chatStateFinal:
				if ev.Text != "" {
					return ev.Text, nil
				}
				return deltas.String(), nil
			case chatStateError:
				msg := ev.Error
				if msg == "" {
					msg = "chat turn failed"
				}
				return "", &bridge.GatewayError{Code: "chat_error", Message: msg}
			}
		}
	}
}

// HistoryEntry is one persisted chat turn.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// History fetches the stored conversation for a session key.
func (c *Client) History(ctx context.Context, sessionKey string) ([]HistoryEntry, error) {
	resp, err := c.Request(ctx, "chat.history", map[string]string{"sessionKey": sessionKey})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []HistoryEntry `json:"messages"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, &bridge.ProtocolError{Reason: "chat.history payload", Err: err}
	}
	return out.Messages, nil
}
