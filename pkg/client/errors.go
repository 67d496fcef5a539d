package client

import (
	"errors"
	"fmt"
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents HTTP 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents HTTP 500 responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents connection errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents a 200 response without a usable body.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassFatal represents any other status or request failure.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassStage2 represents a failed data download.
	ErrorClassStage2 ErrorClass = "stage2"
)

// Common errors returned by the client.
var (
	// ErrNoResult is wrapped by every fetch that ends without a forecast.
	ErrNoResult = errors.New("no forecast result")

	// ErrAttemptsExhausted is wrapped when every metadata attempt failed.
	ErrAttemptsExhausted = errors.New("metadata attempts exhausted")

	// ErrMissingDatos is wrapped when a metadata response has no datos URL.
	ErrMissingDatos = errors.New("metadata response has no datos field")

	// ErrEmptyForecast is wrapped when the data download decodes to no elaborations.
	ErrEmptyForecast = errors.New("empty forecast payload")
)

// FetchError describes why a fetch produced no forecast.
type FetchError struct {
	MunicipalityID string
	Class          ErrorClass
	Stage          int
	StatusCode     int
	Attempts       int
	Err            error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("aemet %s error (stage %d", e.Class, e.Stage)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ") for " + e.MunicipalityID
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrNoResult alongside the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNoResult}
	}
	return []error{ErrNoResult, e.Err}
}

// shouldRetry reports whether a metadata failure is retried after a backoff.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassRateLimit, ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// consumesAttempt reports whether a metadata failure moves on to the next
// attempt. Malformed responses do so without waiting.
func consumesAttempt(class ErrorClass) bool {
	return shouldRetry(class) || class == ErrorClassMalformed
}
