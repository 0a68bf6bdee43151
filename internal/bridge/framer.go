package bridge

import (
	"bytes"

	"go.uber.org/zap"
)

// maxLineBytes bounds the partial-line buffer. A line that grows past this
// without a newline is discarded rather than accumulated forever.
const maxLineBytes = 1 << 20

// Framer incrementally splits a byte stream into complete Bridge Protocol
// messages. Partial trailing data is retained across feeds; malformed lines
// are logged and dropped without poisoning subsequent lines.
type Framer struct {
	log *zap.Logger
	buf []byte
}

// NewFramer builds a framer. A nil logger is replaced with a no-op.
func NewFramer(log *zap.Logger) *Framer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Framer{log: log}
}

// Feed appends p to the internal buffer and returns every complete decoded
// message, in input byte order.
func (f *Framer) Feed(p []byte) []Message {
	f.buf = append(f.buf, p...)

	var out []Message
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			f.log.Error("dropping malformed bridge line", zap.Error(err), zap.Int("bytes", len(line)))
			continue
		}
		out = append(out, msg)
	}

	if len(f.buf) > maxLineBytes {
		f.log.Error("dropping oversized partial bridge line", zap.Int("bytes", len(f.buf)))
		f.buf = nil
	}
	return out
}

// Pending reports buffered bytes awaiting a newline.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset discards any buffered partial line, for reuse across connections.
func (f *Framer) Reset() { f.buf = nil }
