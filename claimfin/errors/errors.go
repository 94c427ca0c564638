package errors

import (
	"errors"
	"fmt"
)

// TransientStoreError wraps an I/O failure against a store. The scheduler
// retries keys that fail with it.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %s", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// DataIntegrityError reports facts that cannot be reconciled for a claim.
// It is never retried.
type DataIntegrityError struct {
	ClaimKey string
	Msg      string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error for claim %s: %s", e.ClaimKey, e.Msg)
}

// CapViolation is reported when the cumulative remitted amount of an
// activity exceeds its submitted amount. It is recorded, never returned.
type CapViolation struct {
	ClaimKey   string
	ActivityID string
	Submitted  string
	Raw        string
}

func (e *CapViolation) Error() string {
	return fmt.Sprintf("remitted %s exceeds submitted %s for claim %s activity %s",
		e.Raw, e.Submitted, e.ClaimKey, e.ActivityID)
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Validation Error. Field: %s, Msg: %s", e.Field, e.Msg)
}

type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("Configuration Error. Msg: %s, Err: %s", e.Msg, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a recompute that failed with err should be
// attempted again. Integrity and validation failures will fail the same way
// on every attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var integrity *DataIntegrityError
	if errors.As(err, &integrity) {
		return false
	}
	var validation *ValidationError
	return !errors.As(err, &validation)
}
