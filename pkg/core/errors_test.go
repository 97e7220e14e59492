package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewRemoteError("session expired", "session_expired")
	want := "remote_error: session expired (code: session_expired)"
	if err.Error() != want {
		t.Fatalf("error=%q, want %q", err.Error(), want)
	}

	err = NewSignalingError("signaling returned 403", nil)
	want = "signaling_error: signaling returned 403"
	if err.Error() != want {
		t.Fatalf("error=%q, want %q", err.Error(), want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	underlying := errors.New("connection refused")
	err := NewSignalingError("offer exchange failed", fmt.Errorf("post offer: %w", underlying))
	if !errors.Is(err, underlying) {
		t.Fatalf("expected errors.Is to find the underlying error")
	}

	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected errors.As to match *core.Error")
	}
	if typed.Kind != ErrSignaling {
		t.Fatalf("kind=%q, want %q", typed.Kind, ErrSignaling)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  *Error
		want bool
	}{
		{NewCredentialError("mint failed", nil), true},
		{NewSignalingError("bad answer", nil), true},
		{NewTransportError("ice failed", nil), true},
		{NewMediaAcquisitionError("mic denied", nil), false},
		{NewDecodeError("bad frame", nil), false},
		{NewChannelClosedError("channel not open"), false},
	}
	for _, tc := range cases {
		if got := tc.err.IsRetryable(); got != tc.want {
			t.Fatalf("IsRetryable(%s)=%v, want %v", tc.err.Kind, got, tc.want)
		}
	}
}
