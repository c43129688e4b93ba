package provider

import (
	"errors"
	"fmt"

	"github.com/hireloop/mailengine/internal/models"
)

// ErrorKind classifies adapter failures for the retry policy:
// auth-expired triggers one credential refresh and retry, transient failures
// back off, permanent failures skip the affected message and continue.
type ErrorKind int

const (
	KindAuthExpired ErrorKind = iota
	KindTransient
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AuthExpired marks a failure recoverable by refreshing credentials.
func AuthExpired(op string, err error) *Error {
	return &Error{Kind: KindAuthExpired, Op: op, Err: err}
}

// Transient marks a retryable failure (network, throttling, 5xx).
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent marks a failure retries cannot fix (malformed data, bad request).
func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

func IsAuthExpired(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthExpired
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPermanent
}

func errUnknownProvider(kind models.ProviderKind) error {
	return fmt.Errorf("unknown provider kind %q", kind)
}
