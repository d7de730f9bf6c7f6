package services

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrExternalTool, "download", "yt-dlp", "fetch failed", cause)

	if !errors.Is(err, ErrExternalTool) {
		t.Errorf("marker lost: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause lost: %v", err)
	}
	want := "external tool error: download: yt-dlp: fetch failed: disk full"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := Wrap(nil, "translate", "", "endpoint flapped", nil)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("nil marker should tag as transient: %v", err)
	}
}

func TestWrapOmitsEmptyContextParts(t *testing.T) {
	err := Wrap(ErrValidation, "", "", "", nil)
	if err.Error() != "validation error: service failure" {
		t.Errorf("message = %q", err.Error())
	}

	err = Wrap(ErrValidation, "publish", "", "missing input", nil)
	if err.Error() != "validation error: publish: missing input" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Wrap(ErrValidation, "s", "", "m", nil), false},
		{"configuration", Wrap(ErrConfiguration, "s", "", "m", nil), false},
		{"not found", Wrap(ErrNotFound, "s", "", "m", nil), false},
		{"external tool", Wrap(ErrExternalTool, "s", "", "m", nil), true},
		{"timeout", Wrap(ErrTimeout, "s", "", "m", nil), true},
		{"transient", Wrap(ErrTransient, "s", "", "m", nil), true},
		{"untagged", fmt.Errorf("mystery"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWrappedMarkerSurvivesFurtherWrapping(t *testing.T) {
	inner := Wrap(ErrConfiguration, "translate", "", "missing api key", nil)
	outer := fmt.Errorf("stage failed: %w", inner)
	if IsRetryable(outer) {
		t.Error("configuration error became retryable after wrapping")
	}
}
