package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/Nebaura-Labs/mote-sub000/internal/gateway"
	"github.com/Nebaura-Labs/mote-sub000/internal/voice"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Appliances connect from their own networks, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsDevice adapts one appliance WebSocket to the voice engine's device
// connection: JSON control frames and binary audio on the same socket,
// serialized by a write mutex.
type wsDevice struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (d *wsDevice) SendControl(msg voice.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.WriteJSON(msg)
}

func (d *wsDevice) SendAudio(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.authenticate(r.Context(), token)
	if err != nil {
		s.metrics.authFailed()
		s.log.Warn("appliance rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	cred, err := s.credentialFor(r.Context(), userID)
	if err != nil {
		s.metrics.authFailed()
		s.log.Warn("appliance has no gateway credential",
			zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "no gateway credential", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.metrics.connOpened()
	defer s.metrics.connClosed()
	s.serveDevice(r.Context(), userID, cred, &wsDevice{conn: conn})
}

// serveDevice owns the socket read loop, splitting binary audio frames
// from JSON control messages. The session lives for at most the life of
// the socket.
func (s *Server) serveDevice(ctx context.Context, userID string, cred gateway.Credential, dev *wsDevice) {
	log := s.log.With(zap.String("user_id", userID))
	chat := &poolChat{srv: s, cred: cred}

	deviceID := ""
	defer func() {
		if deviceID != "" {
			s.engine.EndSession(deviceID)
		}
		_ = dev.conn.Close()
		log.Info("appliance disconnected")
	}()
	log.Info("appliance connected")

	for {
		kind, data, err := dev.conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			s.metrics.frameIn("audio")
			if deviceID == "" {
				continue
			}
			if sess, ok := s.engine.Session(deviceID); ok {
				if err := sess.HandleAudio(data); err != nil {
					log.Debug("audio frame dropped", zap.Error(err))
				}
			}

		case websocket.TextMessage:
			s.metrics.frameIn("control")
			var msg voice.Control
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("dropping malformed control frame", zap.Error(err))
				continue
			}
			s.handleControl(ctx, log, dev, chat, &deviceID, msg)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, log *zap.Logger, dev *wsDevice, chat *poolChat, deviceID *string, msg voice.Control) {
	switch msg.Type {
	case voice.ControlVoiceStart:
		if msg.DeviceID == "" {
			_ = dev.SendControl(voice.Control{
				Type:    voice.ControlVoiceError,
				Code:    "bad_request",
				Message: "voice.start requires deviceId",
			})
			return
		}
		if *deviceID != "" && *deviceID != msg.DeviceID {
			s.engine.EndSession(*deviceID)
		}
		*deviceID = msg.DeviceID
		if _, err := s.engine.StartSessionWith(ctx, msg.DeviceID, dev, chat); err != nil {
			log.Error("voice session start failed",
				zap.String("device_id", msg.DeviceID), zap.Error(err))
			_ = dev.SendControl(voice.Control{
				Type:    voice.ControlVoiceError,
				Code:    "session",
				Message: "could not start voice session",
			})
		}

	case voice.ControlVoiceSilence:
		if *deviceID == "" {
			return
		}
		if sess, ok := s.engine.Session(*deviceID); ok {
			sess.HandleSilence()
		}

	case voice.ControlIoTResponse:
		s.engine.ResolveIoTResponse(msg)

	default:
		log.Debug("ignoring control frame", zap.String("type", msg.Type))
	}
}
