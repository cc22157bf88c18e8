package domain

import "errors"

var (
	// Rejected before any durable write.
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrStaleTimestamp      = errors.New("stale_timestamp")
	ErrSecretNotConfigured = errors.New("webhook_secret_not_configured")
	ErrInvalidEnvelope     = errors.New("invalid_envelope")

	// Recorded against the stored event.
	ErrMalformedPayload = errors.New("malformed_payload")
	ErrUnknownEventType = errors.New("unknown_event_type")
	ErrUnknownResource  = errors.New("unknown_resource")

	// Internal to the pipeline.
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrStaleEvent            = errors.New("stale_event")
	ErrRetryBudgetExceeded   = errors.New("retry_budget_exceeded")
	ErrConcurrentConflict    = errors.New("concurrent_write_conflict")

	ErrEventNotFound = errors.New("event_not_found")
)
