package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type discriminates Bridge Protocol messages.
type Type string

const (
	TypeHello          Type = "hello"
	TypeHelloOk        Type = "helloOk"
	TypePair           Type = "pair"
	TypePairOk         Type = "pairOk"
	TypeReq            Type = "req"
	TypeInvoke         Type = "invoke"
	TypeRes            Type = "res"
	TypeInvokeResponse Type = "invokeResponse"
	TypeEvent          Type = "event"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// DeviceInfo describes the pairing device.
type DeviceInfo struct {
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ErrorInfo is the error body carried by res/invokeResponse frames.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Message is one Bridge Protocol frame. The populated fields depend on Type;
// Decode enforces the per-type required set.
type Message struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`

	// hello
	DeviceID     string   `json:"deviceId,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	DeviceName   string   `json:"deviceName,omitempty"`
	Capabilities []string `json:"capabilities"`
	Commands     []string `json:"commands"`
	PairingToken string   `json:"pairingToken,omitempty"`

	// helloOk
	ServerID        string `json:"serverId,omitempty"`
	PairingAccepted bool   `json:"pairingAccepted,omitempty"`

	// pair / pairOk
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
	Token      string      `json:"token,omitempty"`

	// req / invoke
	Method  string          `json:"method,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// res / invokeResponse
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`

	// error
	Code    string          `json:"code,omitempty"`
	Text    string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Encode serializes a message as one JSON line, trailing newline included.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode bridge message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single JSON line into a message. Unknown types and missing
// required fields are rejected with *ProtocolError; a message is never
// partially accepted.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed json", Err: err}
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeHello:
		if m.DeviceID == "" && m.Platform == "" {
			return &ProtocolError{Reason: "hello requires deviceId or platform"}
		}
		if m.DeviceName == "" {
			return &ProtocolError{Reason: "hello requires deviceName"}
		}
		if m.Capabilities == nil {
			return &ProtocolError{Reason: "hello requires capabilities"}
		}
		if m.Commands == nil {
			return &ProtocolError{Reason: "hello requires commands"}
		}
	case TypeHelloOk:
		if m.ServerID == "" {
			return &ProtocolError{Reason: "helloOk requires serverId"}
		}
	case TypePair:
		if m.DeviceInfo == nil || m.DeviceInfo.Name == "" {
			return &ProtocolError{Reason: "pair requires deviceInfo.name"}
		}
	case TypePairOk:
		if m.Token == "" {
			return &ProtocolError{Reason: "pairOk requires token"}
		}
	case TypeReq:
		if m.ID == "" || m.Method == "" {
			return &ProtocolError{Reason: "req requires id and method"}
		}
	case TypeInvoke:
		if m.ID == "" || (m.Method == "" && m.Command == "") {
			return &ProtocolError{Reason: "invoke requires id and command"}
		}
	case TypeRes, TypeInvokeResponse:
		if m.ID == "" {
			return &ProtocolError{Reason: string(m.Type) + " requires id"}
		}
		if !m.OK && m.Error == nil {
			return &ProtocolError{Reason: string(m.Type) + " failure requires error"}
		}
	case TypeEvent:
		if m.Event == "" {
			return &ProtocolError{Reason: "event requires event name"}
		}
	case TypePing, TypePong:
		// id optional, no required fields
	case TypeError:
		if m.Text == "" {
			return &ProtocolError{Reason: "error requires message"}
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	return nil
}

// InvokeCommand returns the invoked command name, tolerating peers that use
// the method field for invokes.
func (m Message) InvokeCommand() string {
	if m.Command != "" {
		return m.Command
	}
	return m.Method
}
