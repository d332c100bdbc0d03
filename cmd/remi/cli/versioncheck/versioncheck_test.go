package versioncheck

import (
	"errors"
	"testing"
)

func TestCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"1.2.3", "v1.2.3"},
		{"v1.2", "v1.2.0"},
		{" v2.0.0 ", "v2.0.0"},
		{"", ""},
		{"banana", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := Canonical(tt.input); got != tt.want {
				t.Errorf("Canonical(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		found, supported string
		ok               bool
	}{
		{"v1.0.0", "v1.1.0", true},
		{"v1.1.5", "v1.1.0", true},
		{"v1.2.0", "v1.1.0", false},
		{"v2.0.0", "v1.1.0", false},
		{"v0.9.0", "v1.1.0", false},
		{"junk", "v1.1.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.found, func(t *testing.T) {
			t.Parallel()
			err := Compatible(tt.found, tt.supported)
			if tt.ok && err != nil {
				t.Errorf("Compatible(%q, %q): %v", tt.found, tt.supported, err)
			}
			if !tt.ok && !errors.Is(err, ErrIncompatible) {
				t.Errorf("Compatible(%q, %q) = %v, want ErrIncompatible", tt.found, tt.supported, err)
			}
		})
	}
}

func TestIsOutdated(t *testing.T) {
	t.Parallel()
	if !IsOutdated("1.0.0", "v1.0.1") {
		t.Error("1.0.0 should be outdated against 1.0.1")
	}
	if IsOutdated("v1.0.1", "1.0.0") {
		t.Error("1.0.1 should not be outdated against 1.0.0")
	}
	if IsOutdated("dev", "v1.0.0") {
		t.Error("invalid versions are never outdated")
	}
}
