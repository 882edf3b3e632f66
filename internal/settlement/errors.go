package settlement

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the stable category of a settlement failure.
type Kind string

const (
	KindInvalidIntent        Kind = "InvalidIntent"
	KindQuoteUnavailable     Kind = "QuoteUnavailable"
	KindInsufficientFunds    Kind = "InsufficientFunds"
	KindInsufficientHoldings Kind = "InsufficientHoldings"
	KindLimitExceeded        Kind = "LimitExceeded"
	KindSettlementConflict   Kind = "SettlementConflict"
	KindStorageUnavailable   Kind = "StorageUnavailable"
)

// Retryable reports whether a caller may retry the same request later
// without changing it.
func (k Kind) Retryable() bool {
	return k == KindSettlementConflict || k == KindQuoteUnavailable
}

// Error is the tagged result of every failed engine call.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidIntent        = &Error{Kind: KindInvalidIntent}
	ErrQuoteUnavailable     = &Error{Kind: KindQuoteUnavailable}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientHoldings = &Error{Kind: KindInsufficientHoldings}
	ErrLimitExceeded        = &Error{Kind: KindLimitExceeded}
	ErrSettlementConflict   = &Error{Kind: KindSettlementConflict}
	ErrStorageUnavailable   = &Error{Kind: KindStorageUnavailable}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrInsufficientFunds)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the Kind of err, or "" when err did not come from the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
