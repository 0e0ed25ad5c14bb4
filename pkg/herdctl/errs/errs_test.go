package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := E(ConcurrencyLimitReached, "agent %q is busy", "reviewer")
	if CodeOf(base) != ConcurrencyLimitReached {
		t.Errorf("CodeOf() = %q, want %q", CodeOf(base), ConcurrencyLimitReached)
	}

	// Codes survive wrapping with %w.
	wrapped := fmt.Errorf("trigger failed: %w", base)
	if !HasCode(wrapped, ConcurrencyLimitReached) {
		t.Error("HasCode() should find the code through fmt.Errorf wrapping")
	}

	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(SessionStateWriteFailed, cause, "writing %s", "state.yaml")
	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the cause for errors.Is")
	}
	if CodeOf(err) != SessionStateWriteFailed {
		t.Errorf("CodeOf() = %q, want %q", CodeOf(err), SessionStateWriteFailed)
	}
}

func TestHookHTTPCode(t *testing.T) {
	if got := HookHTTPCode(404); got != Code("HOOK_HTTP_404") {
		t.Errorf("HookHTTPCode(404) = %q, want HOOK_HTTP_404", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid token code", E(ChatInvalidToken, "bad token"), "auth"},
		{"rate limited code", E(ChatRateLimited, "slow down"), "rate_limit"},
		{"backend timeout code", E(BackendTimeout, "too slow"), "network"},
		{"backend error code", E(BackendError, "boom"), "api"},
		{"auth by message", errors.New("401 unauthorized"), "auth"},
		{"rate limit by message", errors.New("too many requests"), "rate_limit"},
		{"network by message", errors.New("connection refused"), "network"},
		{"unknown", errors.New("something odd"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserMessageNeverEmpty(t *testing.T) {
	for _, err := range []error{
		E(ChatInvalidToken, "x"),
		E(ChatRateLimited, "x"),
		E(BackendTimeout, "x"),
		E(BackendError, "x"),
		errors.New("anything"),
	} {
		if UserMessage(err) == "" {
			t.Errorf("UserMessage(%v) is empty", err)
		}
	}
}
