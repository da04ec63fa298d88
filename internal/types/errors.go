package types

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the concrete error types below.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrParse      = errors.New("symbol parse failed")
	ErrValidation = errors.New("order validation failed")
	ErrBrokerage  = errors.New("brokerage request failed")
	ErrNotFound   = errors.New("not found")
)

// AuthError reports a token acquisition or refresh failure.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s failed", e.Op)
	}
	return fmt.Sprintf("auth: %s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuth, e.Err} }

// ParseError reports a malformed or ambiguous asset symbol.
type ParseError struct {
	Symbol string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Symbol, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ValidationError reports an order rule violation. Leg is the zero-based
// combo leg index that triggered the rule, or -1 for single orders.
type ValidationError struct {
	Rule   string
	Leg    int
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Leg >= 0 {
		return fmt.Sprintf("validation %s: leg %d (%s): %s", e.Rule, e.Leg, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("validation %s: %s: %s", e.Rule, e.Symbol, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BrokerageError reports a non-2xx or error-prefixed brokerage response.
type BrokerageError struct {
	Op     string
	Status int
	Body   string
}

func (e *BrokerageError) Error() string {
	return fmt.Sprintf("brokerage %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *BrokerageError) Unwrap() error { return ErrBrokerage }

// NotFoundError reports that a local or brokerage id resolved to nothing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
