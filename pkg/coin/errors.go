package coin

import (
	"errors"
	"fmt"
)

// ValidateErrKind tags payment validation failures so the state machines can
// tell a hard mismatch from a transient RPC problem.
type ValidateErrKind int

const (
	// WrongPaymentTx is a non-recoverable mismatch between the observed
	// transaction and the negotiated parameters.
	WrongPaymentTx ValidateErrKind = iota

	// Transport covers unreachable or erroring RPC endpoints.
	Transport

	// Timeout covers RPC calls that did not answer in time.
	Timeout

	// InvalidRPCResponse covers answers that parsed but made no sense.
	InvalidRPCResponse
)

func (k ValidateErrKind) String() string {
	switch k {
	case WrongPaymentTx:
		return "WrongPaymentTx"
	case Transport:
		return "Transport"
	case Timeout:
		return "Timeout"
	case InvalidRPCResponse:
		return "InvalidRpcResponse"
	default:
		return fmt.Sprintf("ValidateErrKind(%d)", int(k))
	}
}

// ValidateError is the error type of all Validate* coin operations.
type ValidateError struct {
	Kind ValidateErrKind
	Msg  string
	Err  error
}

func (e *ValidateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Msg)
}

func (e *ValidateError) Unwrap() error { return e.Err }

// Retriable reports whether the failure may clear on its own.
func (e *ValidateError) Retriable() bool {
	return e.Kind == Transport || e.Kind == Timeout
}

func NewWrongPaymentTx(format string, args ...interface{}) *ValidateError {
	return &ValidateError{Kind: WrongPaymentTx, Msg: fmt.Sprintf(format, args...)}
}

func NewTransportError(msg string, err error) *ValidateError {
	return &ValidateError{Kind: Transport, Msg: msg, Err: err}
}

func NewTimeoutError(msg string, err error) *ValidateError {
	return &ValidateError{Kind: Timeout, Msg: msg, Err: err}
}

func NewInvalidResponse(msg string, err error) *ValidateError {
	return &ValidateError{Kind: InvalidRPCResponse, Msg: msg, Err: err}
}

// AsValidateError unwraps err into a *ValidateError if it is one.
func AsValidateError(err error) (*ValidateError, bool) {
	var ve *ValidateError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// BroadcastError marks a transaction submission the chain rejected or that
// never reached a node. Submissions retry with backoff bounded by the relevant
// lock before giving up.
type BroadcastError struct {
	Ticker string
	Err    error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast on %v failed: %v", e.Ticker, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

var (
	// ErrSecretLen is returned by HTLC builders for secrets that are not 32
	// bytes.
	ErrSecretLen = errors.New("secret must be exactly 32 bytes")

	// ErrSecretHashLen is returned for secret hashes that are neither 20 nor
	// 32 bytes.
	ErrSecretHashLen = errors.New("secret hash must be 20 or 32 bytes")

	// ErrDustAmount is returned when a payment output is below the coin's
	// dust threshold.
	ErrDustAmount = errors.New("amount is below the dust threshold")

	// ErrRefundLocked is returned when a refund is attempted before the HTLC
	// locktime has passed.
	ErrRefundLocked = errors.New("refund is not available before the locktime")

	// ErrSecretNotFound is returned by ExtractSecret when no input of the
	// spend tx carries a preimage of the secret hash.
	ErrSecretNotFound = errors.New("no secret matching the hash found in spend tx")

	// ErrInternal wraps invariant violations.
	ErrInternal = errors.New("internal invariant violation")
)
