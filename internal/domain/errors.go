package domain

import "errors"

var (
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyClaimed    = errors.New("session already claimed")
	ErrNotOwner          = errors.New("agent does not own session")
	ErrIllegalTransition = errors.New("illegal mode transition")
	ErrSessionClosed     = errors.New("session closed")
	ErrModeChanged       = errors.New("session mode changed")
	ErrInvalidInput      = errors.New("invalid input")

	// Answer Gateway
	ErrTimedOut = errors.New("answer gateway timed out")
	ErrFailed   = errors.New("answer gateway failed")
)

// ErrorCode 将错误映射为稳定的线上错误码
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrModeChanged):
		return "mode_changed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrFailed):
		return "failed"
	default:
		return "internal"
	}
}
