package types

import "errors"

// Error kinds surfaced by the core. Callers wrap these with %w and test
// with errors.Is; the concrete cause travels in the wrapping message.
var (
	// ErrConfiguration indicates missing or invalid configuration; fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrStorage is any state-store failure after retries.
	ErrStorage = errors.New("storage failure")

	// ErrBrokerUnavailable means publish/consume could not connect after
	// reconnect attempts; the process exits and relies on supervisor restart.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrResourceUnavailable means no GPU is free. Expected, not a fault:
	// the conductor parks the case in PENDING_RESOURCE.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrRemoteExecution is a non-zero exit or transport failure from remote exec.
	ErrRemoteExecution = errors.New("remote execution failed")

	// ErrDataIntegrity is a checksum mismatch after a file transfer.
	ErrDataIntegrity = errors.New("data integrity check failed")

	// ErrNetwork is a transient transport failure; retried by worker envelopes.
	ErrNetwork = errors.New("network error")

	// ErrMalformedMessage marks a structurally invalid bus message.
	ErrMalformedMessage = errors.New("malformed message")
)
