// Package errs defines the stable error taxonomy shared by every herdctl
// component. Errors carry a machine-readable code so callers (CLI, connectors,
// hooks) can branch on the failure class without string matching.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class. Codes are stable identifiers: they appear
// in logs, CLI output, and connector replies, and must not be renamed.
type Code string

const (
	ConfigNotFound Code = "CONFIG_NOT_FOUND"
	ConfigInvalid  Code = "CONFIG_INVALID"

	AgentNotFound           Code = "AGENT_NOT_FOUND"
	ScheduleNotFound        Code = "SCHEDULE_NOT_FOUND"
	ConcurrencyLimitReached Code = "CONCURRENCY_LIMIT_REACHED"

	SessionStateReadFailed  Code = "SESSION_STATE_READ_FAILED"
	SessionStateWriteFailed Code = "SESSION_STATE_WRITE_FAILED"
	SessionDirCreateFailed  Code = "SESSION_DIR_CREATE_FAILED"

	HookTimeout      Code = "HOOK_TIMEOUT"
	HookExitNonzero  Code = "HOOK_EXIT_NONZERO"
	HookTokenMissing Code = "HOOK_TOKEN_MISSING"

	BackendTimeout Code = "BACKEND_TIMEOUT"
	BackendError   Code = "BACKEND_ERROR"

	ChatConnectionFailed Code = "CHAT_CONNECTION_FAILED"
	ChatAlreadyConnected Code = "CHAT_ALREADY_CONNECTED"
	ChatInvalidToken     Code = "CHAT_INVALID_TOKEN"
	ChatMissingToken     Code = "CHAT_MISSING_TOKEN"
	ChatRateLimited      Code = "CHAT_RATE_LIMITED"
)

// HookHTTPCode builds the code for a non-2xx hook response (HOOK_HTTP_404 etc).
func HookHTTPCode(status int) Code {
	return Code(fmt.Sprintf("HOOK_HTTP_%d", status))
}

// Error is a coded error. It wraps an optional cause and participates in
// errors.Is/errors.As chains.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// E creates a coded error with a formatted message.
func E(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, cause error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the first coded error in err's chain,
// or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Classify maps an error to the user-facing failure class used by connector
// replies: auth, rate_limit, network, api, or unknown.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case ChatInvalidToken, ChatMissingToken, HookTokenMissing:
		return "auth"
	case ChatRateLimited:
		return "rate_limit"
	case BackendTimeout, HookTimeout, ChatConnectionFailed:
		return "network"
	case BackendError:
		return "api"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") || strings.Contains(msg, "token"):
		return "auth"
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return "network"
	case strings.Contains(msg, "api"):
		return "api"
	}
	return "unknown"
}

// UserMessage returns the reply text a connector sends for a failure class.
func UserMessage(err error) string {
	switch Classify(err) {
	case "auth":
		return "There is an authentication problem with the agent backend. Please check the configured credentials."
	case "rate_limit":
		return "The service is rate limited right now. Please try again shortly."
	case "network":
		return "A transient connectivity problem occurred. Please try again."
	case "api":
		return "The upstream service returned an error. Please try again later."
	default:
		return "Something went wrong while processing your message. Please try again."
	}
}
