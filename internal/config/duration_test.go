package config

import (
	"testing"
	"time"
)

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", DefaultRetention},
		{"30m", 30 * time.Minute},
		{"12h", 12 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"2d30m", 48*time.Hour + 30*time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseRetention(tt.in)
		if err != nil {
			t.Errorf("ParseRetention(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRetention(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetention_Errors(t *testing.T) {
	for _, in := range []string{"xd", "-1d", "5", "1d-2h", "h"} {
		if _, err := ParseRetention(in); err == nil {
			t.Errorf("ParseRetention(%q): expected error", in)
		}
	}
}
