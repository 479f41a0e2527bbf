package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAddress indicates the withdrawal address was rejected by the exchange.
	ErrInvalidAddress = errors.New("invalid withdrawal address")
	// ErrWithdrawalDisabled indicates withdrawals are disabled for the currency or chain.
	ErrWithdrawalDisabled = errors.New("withdrawal disabled")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
)

// SigningError reports malformed or missing credentials. Never retried.
type SigningError struct {
	Reason string
}

func (e SigningError) Error() string {
	return "signing: " + e.Reason
}

// TransportError reports a network-level failure (connection, DNS, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// ExchangeError is a well-formed rejection from the venue.
type ExchangeError struct {
	Code    string
	Message string
}

func (e ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
}

// SessionError reports event-session failures: token bootstrap,
// confirmation timeout, or exhausted reconnect attempts.
type SessionError struct {
	Reason string
	Err    error
}

func (e SessionError) Error() string {
	if e.Err == nil {
		return "session: " + e.Reason
	}
	return fmt.Sprintf("session: %s: %v", e.Reason, e.Err)
}

func (e SessionError) Unwrap() error { return e.Err }

// FlowStepError halts a flow; it wraps the failure of one saga step.
type FlowStepError struct {
	Step OperationKind
	Err  error
}

func (e FlowStepError) Error() string {
	return fmt.Sprintf("flow step %s: %v", e.Step, e.Err)
}

func (e FlowStepError) Unwrap() error { return e.Err }

func AsExchangeError(err error) (ExchangeError, bool) {
	var exErr ExchangeError
	if err == nil || !errors.As(err, &exErr) {
		return ExchangeError{}, false
	}
	return exErr, true
}
