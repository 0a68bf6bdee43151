package voice

import "testing"

func TestWakeMatch(t *testing.T) {
	d := NewWakeDetector("Hey Mote")

	cases := []struct {
		name      string
		text      string
		remainder string
		ok        bool
	}{
		{"exact", "hey mote", "", true},
		{"case and punctuation", "Hey, Mote! turn on the lights", "turn on the lights", true},
		{"mid sentence", "ok hey mote lights please", "lights please", true},
		{"apostrophe in remainder", "hey mote what's the weather", "whats the weather", true},
		{"no phrase", "turn on the lights", "", false},
		{"partial phrase", "hey", "", false},
		{"merged words", "heymote lights", "", false},
		{"similar word", "hey remote lights", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remainder, ok := d.Match(tc.text)
			if ok != tc.ok || remainder != tc.remainder {
				t.Fatalf("Match(%q) = (%q, %v), want (%q, %v)",
					tc.text, remainder, ok, tc.remainder, tc.ok)
			}
		})
	}
}

func TestWakePhraseNormalized(t *testing.T) {
	d := NewWakeDetector("  Hey,   MOTE ")
	if got := d.Phrase(); got != "hey mote" {
		t.Fatalf("Phrase() = %q", got)
	}
}
