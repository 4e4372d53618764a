package manager

import "fmt"

// Error kinds surfaced by the public operations.
const (
	KindInvalidInput    = "invalid_input"
	KindPolicyViolation = "policy_violation"
	KindNotFound        = "not_found"
	KindLocalUnreach    = "local_unreachable"
	KindAgentNotFound   = "agent_not_found"
	KindTunnelStartup   = "tunnel_startup_failure"
	KindInternal        = "internal_error"
)

// Error is a signalled failure kind with a human-readable message.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

func errf(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to internal_error.
func KindOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}
