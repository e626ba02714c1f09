package hub

import "errors"

// Code is the machine readable identifier carried by error envelopes.
type Code string

const (
	CodeAuth         Code = "auth_error"
	CodePolicyDenied Code = "policy_denied"
	CodeProtocol     Code = "protocol_error"
	CodeInvalidState Code = "invalid_state"
	CodeNotAMember   Code = "not_a_member"
	CodeSlowConsumer Code = "slow_consumer"
	CodeRateLimited  Code = "rate_limited"
	CodeChannelLimit Code = "channel_limit"
	CodeCapacity     Code = "capacity_exceeded"
	CodeUnavailable  Code = "unavailable"
)

// Error is a client visible failure. Two errors match with errors.Is when
// their codes are equal.
type Error struct {
	Code    Code
	Message string
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuth         = newError(CodeAuth, "invalid credential")
	ErrPolicyDenied = newError(CodePolicyDenied, "denied by channel policy")
	ErrProtocol     = newError(CodeProtocol, "malformed message")
	ErrInvalidState = newError(CodeInvalidState, "connection is not active")
	ErrNotAMember   = newError(CodeNotAMember, "join the channel before emitting")
	ErrSlowConsumer = newError(CodeSlowConsumer, "outbound queue overflow")
	ErrRateLimited  = newError(CodeRateLimited, "rate limit exceeded")
	ErrChannelLimit = newError(CodeChannelLimit, "maximum channels per connection reached")
	ErrCapacity     = newError(CodeCapacity, "hub is at capacity")
	ErrHubClosed    = newError(CodeUnavailable, "hub is closed")
)

// AsError extracts the *Error from err. Any other error becomes an
// unavailable error carrying its text.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(CodeUnavailable, err.Error())
}
