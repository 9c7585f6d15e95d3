// Package fragerr declares the error kinds Fragtale's core surfaces.
// Callers use errors.Is against these sentinels; layers wrap them with
// fmt.Errorf("...: %w", err) to add context.
package fragerr

import "errors"

var (
	// ErrClockOutOfTolerance is returned when the Time Service's publish
	// gate is closed because the wall clock has drifted past the NTP
	// tolerance. The caller may retry.
	ErrClockOutOfTolerance = errors.New("fragtale: clock out of tolerance")

	// ErrSchemaViolation is returned when a published document fails the
	// topic's attached JSON schema. Not retried.
	ErrSchemaViolation = errors.New("fragtale: schema violation")

	// ErrNoInstanceIDAvailable is fatal at startup: no instance_id could
	// be claimed within the configured retry budget.
	ErrNoInstanceIDAvailable = errors.New("fragtale: no instance id available")

	// ErrStorageUnavailable indicates a transient backend failure.
	// Recovered locally with bounded retry; surfaces after exhaustion.
	ErrStorageUnavailable = errors.New("fragtale: storage unavailable")

	// ErrBackendInconsistent indicates quorum could not be reached on an
	// identity or secret operation. Fatal.
	ErrBackendInconsistent = errors.New("fragtale: backend inconsistent")

	// ErrUnknownTopic is returned by query/ack operations against a topic
	// that has never been provisioned. Publish auto-provisions instead.
	ErrUnknownTopic = errors.New("fragtale: unknown topic")

	// ErrProofUnavailable is returned by VERIFY when the event's proof has
	// not yet completed an upper-level seal. Transient.
	ErrProofUnavailable = errors.New("fragtale: proof unavailable")

	// ErrConsumerCursorConflict indicates two processes are claiming the
	// same consumer_id concurrently. The last writer should retry.
	ErrConsumerCursorConflict = errors.New("fragtale: consumer cursor conflict")
)
