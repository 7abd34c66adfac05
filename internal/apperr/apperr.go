package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable category callers branch on. Error strings are for humans
// and may change; use IsKind rather than matching messages.
type Kind string

const (
	KindValidation         Kind = "Validation"
	KindInsufficientFunds  Kind = "InsufficientFunds"
	KindDecryption         Kind = "Decryption"
	KindChainSubmission    Kind = "ChainSubmission"
	KindSettlementConflict Kind = "SettlementConflict"
	KindNotification       Kind = "Notification"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
)

// Error is the service's structured error type.
//
// Ref carries the chain reference of a submission whose outcome is unknown
// (submitted but not confirmed), so a retry can check it before re-sending.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Ref       string
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InsufficientFunds(format string, args ...any) error {
	return &Error{Kind: KindInsufficientFunds, Message: fmt.Sprintf(format, args...)}
}

func Decryption(msg string, cause error) error {
	return &Error{Kind: KindDecryption, Message: msg, Cause: cause}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func SettlementConflict(potID string) error {
	return &Error{Kind: KindSettlementConflict, Message: fmt.Sprintf("pot %s already settled", potID)}
}

func Notification(msg string, cause error) error {
	return &Error{Kind: KindNotification, Message: msg, Cause: cause}
}

// Chain wraps a chain-side failure. Retryable marks network/RPC trouble;
// simulation or validation rejections are terminal and keep the node's
// message verbatim.
func Chain(msg string, retryable bool, cause error) error {
	return &Error{Kind: KindChainSubmission, Message: msg, Retryable: retryable, Cause: cause}
}

// WithRef attaches a chain reference to err, wrapping it if needed.
func WithRef(err error, ref string) error {
	if err == nil || ref == "" {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Ref = ref
		return &cp
	}
	return &Error{Kind: KindChainSubmission, Message: "confirm transaction", Retryable: true, Ref: ref, Cause: err}
}

// IsKind reports whether err is (or wraps) an *Error with the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of err, or "" for unstructured errors.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsRetryable reports whether err is a transient failure worth another attempt.
// Unstructured errors are treated as transient infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Retryable
}

// RefOf returns the chain reference attached to err, if any.
func RefOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Ref
}

// UserMessage renders err for an end-user facing context. Only user-facing
// kinds expose their message; everything else collapses to a generic reason.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "transfer failed due to an internal error"
	}
	switch e.Kind {
	case KindValidation, KindInsufficientFunds, KindConflict, KindNotFound:
		return e.Message
	case KindChainSubmission:
		if e.Retryable {
			return "the network is unavailable, please try again later"
		}
		return "the network rejected the transfer: " + e.Error()
	default:
		return "transfer failed due to an internal error"
	}
}
