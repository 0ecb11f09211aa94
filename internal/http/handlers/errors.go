// Package handlers defines the HTTP-layer error codes returned by the gate
// and the operator endpoints.
//
// Codes are lowercase snake_case and stable; clients (the bridge, operator
// tooling) branch on them rather than on messages.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "too_many_requests",
//	  "message": "rate limit exceeded"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodePayloadTooLarge  = "payload_too_large"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeEnqueueFailed = "enqueue_failed"
	ErrCodeListFailed    = "list_failed"
)
