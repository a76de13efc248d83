// Package util provides utility functions and common error types.
package util

import "errors"

// Sentinel errors callers can match with errors.Is instead of string
// comparison. discovery.ConfigError unwraps to ErrInvalidConfig, and
// store.SaveDevice reports a uniqueness conflict as a StoreError wrapping
// ErrAlreadyExists.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidConfig = errors.New("invalid configuration")
)
