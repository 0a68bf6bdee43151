package voice

import "context"

// Transcript is one recognition result from the streaming transcriber.
// Non-final results refine in place; final results are stable and feed
// the command buffer.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float32
}

// TranscriptStream is one live recognition session. Write feeds raw PCM
// frames; Results delivers recognition output until the stream ends, at
// which point the channel is closed. Finalize asks the service to flush
// pending speech early.
type TranscriptStream interface {
	Write(pcm []byte) error
	Results() <-chan Transcript
	Finalize() error
	Close() error
}

// Transcriber opens streaming recognition sessions.
type Transcriber interface {
	Start(ctx context.Context) (TranscriptStream, error)
}

// SynthesisRequest describes one text-to-speech call.
type SynthesisRequest struct {
	Text   string
	Voice  string
	Format string
}

// Synthesizer renders a full audio buffer for a reply. No streaming
// contract; the appliance paces playback itself.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}
