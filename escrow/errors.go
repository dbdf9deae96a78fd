package escrow

import (
	"errors"
	"fmt"

	"coopmarket/banking"
)

// Kind classifies engine failures so the API layer can translate them into
// precise status codes and machine-readable code strings. There is one tagged
// error type rather than a parallel concrete type per failure.
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInvalidState        Kind = "INVALID_STATE"
	KindInsufficientStock   Kind = "INSUFFICIENT_STOCK"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindFeeMismatch         Kind = "FEE_MISMATCH"
	KindInvalidSignature    Kind = "INVALID_SIGNATURE"
	KindWalletNotActivated  Kind = "WALLET_NOT_ACTIVATED"
	KindProvider            Kind = "PROVIDER_ERROR"
)

// Error carries the failure kind plus the structured details the caller needs
// for diagnostics. Only the fields relevant to the kind are populated.
type Error struct {
	Kind    Kind
	Message string
	// Current holds the transaction status that blocked an InvalidState
	// transition.
	Current Status
	// Required and Available describe an InsufficientBalance failure.
	Required  float64
	Available float64
	// Err is the wrapped cause, set for provider pass-through failures.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Kind == KindInvalidState:
		return fmt.Sprintf("escrow: %s (current status %s)", e.Message, e.Current)
	case e.Kind == KindInsufficientBalance:
		return fmt.Sprintf("escrow: %s (required %.2f, available %.2f)", e.Message, e.Required, e.Available)
	case e.Err != nil:
		return fmt.Sprintf("escrow: %s: %v", e.Message, e.Err)
	default:
		return "escrow: " + e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain. Non-engine errors
// report KindNone.
func KindOf(err error) Kind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindNone
}

func errValidation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func errUnauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func errInvalidState(current Status, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...), Current: current}
}

func errInsufficientStock(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInsufficientStock, Message: fmt.Sprintf(format, args...)}
}

func errInsufficientBalance(required, available float64) *Error {
	return &Error{Kind: KindInsufficientBalance, Message: "wallet balance below total cost", Required: required, Available: available}
}

func errFeeMismatch(supplied, expected float64) *Error {
	return &Error{Kind: KindFeeMismatch, Message: fmt.Sprintf("supplied fee %.2f deviates from simulated fee %.2f", supplied, expected)}
}

func errInvalidSignature(reason string) *Error {
	return &Error{Kind: KindInvalidSignature, Message: reason}
}

func errWalletNotActivated(partyID string) *Error {
	return &Error{Kind: KindWalletNotActivated, Message: "no activated wallet linked to " + partyID}
}

// wrapProvider maps banking sentinel errors onto the engine taxonomy, keeping
// everything else as a provider pass-through.
func wrapProvider(op string, required, available float64, err error) *Error {
	switch {
	case errors.Is(err, banking.ErrInsufficientBalance):
		return &Error{Kind: KindInsufficientBalance, Message: op + " rejected by provider", Required: required, Available: available, Err: err}
	case errors.Is(err, banking.ErrWalletNotFound):
		return &Error{Kind: KindNotFound, Message: op + " wallet missing", Err: err}
	case errors.Is(err, banking.ErrWalletNotActivated):
		return &Error{Kind: KindWalletNotActivated, Message: op + " wallet not activated", Err: err}
	case errors.Is(err, banking.ErrValidation):
		return &Error{Kind: KindValidation, Message: op + " rejected by provider", Err: err}
	default:
		return &Error{Kind: KindProvider, Message: op + " failed", Err: err}
	}
}
