package audit

import (
	"errors"
	"fmt"
	"strings"
)

// MalformedEventError is returned by the builders before an event is queued or sent.
type MalformedEventError struct {
	Kind   Kind
	Fields []string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s audit event: missing or invalid %s", e.Kind, strings.Join(e.Fields, ", "))
}

// IsMalformed reports whether err is (or wraps) a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}

// ErrorCategory is the normalized failure taxonomy shared by all transports.
type ErrorCategory string

const (
	// CategoryAuth covers token acquisition failures and rejected credentials.
	CategoryAuth ErrorCategory = "auth"

	// CategoryTransient covers network errors, timeouts and 5xx responses.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers client-side rejections that no retry can fix.
	CategoryPermanent ErrorCategory = "permanent"
)

// Sentinels matched by errors.Is against any TransportError of that category.
var (
	ErrTransportAuth      = errors.New("audit transport authentication failed")
	ErrTransportTransient = errors.New("audit transport temporarily unavailable")
	ErrTransportPermanent = errors.New("audit transport rejected event")
)

// TransportError wraps a delivery failure with its category.
type TransportError struct {
	Category   ErrorCategory
	Transport  string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "audit transport %s [%s]: %s", e.Transport, e.Category, e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the category sentinels.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransportAuth:
		return e.Category == CategoryAuth
	case ErrTransportTransient:
		return e.Category == CategoryTransient
	case ErrTransportPermanent:
		return e.Category == CategoryPermanent
	}
	return false
}

// Retryable reports whether another attempt may succeed.
func (e *TransportError) Retryable() bool {
	return e.Category == CategoryTransient
}

// NewAuthError creates a TransportAuthError.
func NewAuthError(transport, message string, status int, err error) *TransportError {
	return &TransportError{Category: CategoryAuth, Transport: transport, StatusCode: status, Message: message, Err: err}
}

// NewTransientError creates a TransportTransientError.
func NewTransientError(transport, message string, status int, err error) *TransportError {
	return &TransportError{Category: CategoryTransient, Transport: transport, StatusCode: status, Message: message, Err: err}
}

// NewPermanentError creates a TransportPermanentError.
func NewPermanentError(transport, message string, status int, err error) *TransportError {
	return &TransportError{Category: CategoryPermanent, Transport: transport, StatusCode: status, Message: message, Err: err}
}

// IsRetryable checks if an error is worth retrying. Only transient transport
// errors are; everything else, including unclassified errors, is terminal.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// CategoryOf extracts the error category, defaulting to permanent for
// unclassified errors.
func CategoryOf(err error) ErrorCategory {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryPermanent
}
