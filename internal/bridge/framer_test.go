package bridge

import (
	"bytes"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func testStream(t *testing.T) ([]byte, []Message) {
	t.Helper()
	msgs := []Message{
		{Type: TypePing, ID: "p1"},
		{Type: TypeEvent, Event: "chat", Payload: []byte(`{"state":"delta","text":"hi"}`)},
		{Type: TypeRes, ID: "r9", OK: true, Payload: []byte(`{"runId":"run-9"}`)},
		{Type: TypePong, ID: "p1"},
	}
	var stream []byte
	for _, m := range msgs {
		line, err := Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, line...)
	}
	return stream, msgs
}

func TestFramerSplitInvariance(t *testing.T) {
	stream, want := testStream(t)

	whole := NewFramer(zaptest.NewLogger(t)).Feed(stream)
	if !reflect.DeepEqual(whole, want) {
		t.Fatalf("whole-stream feed mismatch:\n got  %+v\n want %+v", whole, want)
	}

	// Every split position must yield the identical ordered sequence.
	for cut := 0; cut <= len(stream); cut++ {
		f := NewFramer(zaptest.NewLogger(t))
		got := f.Feed(stream[:cut])
		got = append(got, f.Feed(stream[cut:])...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d mismatch:\n got  %+v\n want %+v", cut, got, want)
		}
	}

	// Byte-at-a-time.
	f := NewFramer(zaptest.NewLogger(t))
	var got []Message
	for i := range stream {
		got = append(got, f.Feed(stream[i:i+1])...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("byte-at-a-time mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestFramerDropsMalformedLineOnly(t *testing.T) {
	f := NewFramer(zaptest.NewLogger(t))
	in := []byte("{\"type\":\"ping\",\"id\":\"a\"}\ngarbage not json\n{\"type\":\"pong\",\"id\":\"a\"}\n")
	got := f.Feed(in)
	if len(got) != 2 || got[0].Type != TypePing || got[1].Type != TypePong {
		t.Fatalf("expected malformed middle line dropped, got %+v", got)
	}
	if f.Pending() != 0 {
		t.Fatalf("expected empty buffer, have %d bytes", f.Pending())
	}
}

func TestFramerRetainsPartialTrailingData(t *testing.T) {
	f := NewFramer(zaptest.NewLogger(t))
	if got := f.Feed([]byte(`{"type":"ping",`)); len(got) != 0 {
		t.Fatalf("partial line must not yield messages, got %+v", got)
	}
	if f.Pending() == 0 {
		t.Fatalf("expected partial bytes retained")
	}
	got := f.Feed([]byte("\"id\":\"p2\"}\n"))
	if len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("expected completed ping, got %+v", got)
	}
}

func TestFramerBoundsPartialBuffer(t *testing.T) {
	f := NewFramer(zaptest.NewLogger(t))
	f.Feed(bytes.Repeat([]byte("x"), maxLineBytes+1))
	if f.Pending() != 0 {
		t.Fatalf("oversized partial line should be discarded, have %d bytes", f.Pending())
	}
	// Buffer must still work after the drop.
	got := f.Feed([]byte("{\"type\":\"ping\",\"id\":\"after\"}\n"))
	if len(got) != 1 || got[0].ID != "after" {
		t.Fatalf("framer unusable after oversized drop: %+v", got)
	}
}
