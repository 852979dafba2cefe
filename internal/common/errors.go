package common

import (
	"errors"
	"fmt"
)

// ErrClientState is returned when quotes are requested from a market data
// client that has not been authenticated.
var ErrClientState = errors.New("market data client is not authenticated")

// AuthError reports a credential resolution or provider authentication failure.
// It is always fatal to the run.
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed (%s): %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a network failure, timeout or 5xx response from an
// upstream service. StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatus exposes the response status for retry classification.
func (e *TransportError) HTTPStatus() int { return e.StatusCode }

// StoreError reports a warehouse schema, query or merge failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("warehouse %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError unless it already is one.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// DateParseError reports a date string none of the accepted layouts match.
type DateParseError struct {
	Input string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("unable to parse date string: %q (accepted: YYYY-MM-DD, YYYY/MM/DD, YYYYMMDD, DD/MM/YYYY, DD-MM-YYYY)", e.Input)
}
