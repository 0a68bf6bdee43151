package gateway

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, d := range want {
		if got := Backoff(i + 1); got != d {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, d)
		}
	}
	if got := Backoff(0); got != time.Second {
		t.Fatalf("attempt floor: got %s", got)
	}
	if got := Backoff(1000); got != 60*time.Second {
		t.Fatalf("cap: got %s", got)
	}
}
