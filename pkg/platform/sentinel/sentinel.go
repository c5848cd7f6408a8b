package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Components return these (optionally
// wrapped) so callers can branch with errors.Is without depending on the
// component's concrete error types.
//
// - ErrInvalidState: operation not allowed in the component's current state
// - ErrUnavailable: component closed or resource temporarily unavailable
// - ErrLimitExceeded: a configured bound would be exceeded
//
// For malformed audit events use audit.MalformedEventError instead.
var (
	ErrInvalidState  = errors.New("invalid state")
	ErrUnavailable   = errors.New("unavailable")
	ErrLimitExceeded = errors.New("limit exceeded")
)
