// Package services holds the use-cases that sit between the HTTP layer and
// the storage/queue packages. This file centralizes the service-level error
// values so handlers can map them to HTTP results consistently.
package services

import "errors"

// Ingestion errors.
var (
	// ErrUnauthorized indicates the webhook secret was missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPayloadTooLarge is returned when the request body exceeds the
	// configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrThrottled is returned when the tenant exceeded its message budget
	// for the current window.
	ErrThrottled = errors.New("rate limit exceeded")

	// ErrInvalidEvent is returned when an event lacks the fields needed to
	// gate it (event id, group id).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrEnqueueFailed is returned when the event passed the gate but could
	// not be persisted as a task. The dedup record has been rolled back.
	ErrEnqueueFailed = errors.New("enqueue failed")
)
