package kephasgate

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindIntegrity
	KindAuthentication
	KindSecurity
	KindNotFound
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindIntegrity:
		return "integrity_error"
	case KindAuthentication:
		return "authentication_error"
	case KindSecurity:
		return "security_error"
	case KindNotFound:
		return "not_found_error"
	case KindTimeout:
		return "timeout_error"
	default:
		return "internal_error"
	}
}

// Error is the typed error returned by every gateway component.
//
// Use errors.Is against the kind sentinels (ErrValidation, ErrSecurity, ...)
// or against an *Error carrying both a kind and a code:
//
//	if errors.Is(err, &kephasgate.Error{Kind: kephasgate.KindSecurity, Code: kephasgate.CodeIPBlocked}) {
//	    // ...
//	}
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and, when the target sets
// one, the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Kind sentinels.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrSecurity       = &Error{Kind: KindSecurity}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrTimeout        = &Error{Kind: KindTimeout}
)

// Lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("kephasgate: already running")
	ErrNotRunning     = errors.New("kephasgate: not running")
)

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewIntegrityError(code, message string) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Message: message}
}

func NewAuthenticationError(code, message string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message}
}

func NewSecurityError(code, message string) *Error {
	return &Error{Kind: KindSecurity, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func NewTimeoutError(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message}
}

// Wrap attaches a cause to e and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
