// Package types defines the shared domain model for the QA pipeline:
// cases, their audit history, GPU resources, scanner idempotence records,
// supervised process state, and the sentinel error kinds every component
// reports against.
//
// All timestamps are UTC. The state store persists these types; the bus
// carries projections of them as JSON payloads.
package types
