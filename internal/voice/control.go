package voice

import "encoding/json"

// Device-facing control message types. Control frames are JSON text
// messages interleaved with raw binary audio on the same duplex channel.
const (
	ControlVoiceStart         = "voice.start"
	ControlVoiceSilence       = "voice.silence"
	ControlVoiceTranscription = "voice.transcription"
	ControlVoiceListening     = "voice.listening"
	ControlVoiceProcessing    = "voice.processing"
	ControlVoiceResponse      = "voice.response"
	ControlVoiceInterrupt     = "voice.interrupt"
	ControlVoiceDone          = "voice.done"
	ControlVoiceError         = "voice.error"
	ControlIoTRequest         = "iot.request"
	ControlIoTResponse        = "iot.response"
)

// Control is the closed schema for device control frames. Fields not
// used by a given type stay empty and are omitted on the wire.
type Control struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`

	// voice.transcription / voice.response
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// iot.request / iot.response
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// voice.error / iot.response failure
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeviceConn is the appliance side of a voice session: typed control
// frames one way, raw audio the other. Implementations must be safe for
// concurrent use.
type DeviceConn interface {
	SendControl(msg Control) error
	SendAudio(chunk []byte) error
}
