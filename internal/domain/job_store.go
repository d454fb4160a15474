package domain

import "context"

// JobStore defines the interface for persisting and retrieving pipeline jobs.
// It is the single source of truth read by both the coordinator and client
// status queries.
//
// Implementations must keep failure semantics distinct: an unreachable store
// surfaces as an ErrorKindStore error, never as ErrJobNotFound, so callers do
// not create duplicate jobs merely because an existence check errored.
type JobStore interface {
	// Get returns the job with the given id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Save upserts the job and refreshes its TTL. Every status transition
	// goes through Save before the next stage is attempted.
	Save(ctx context.Context, job *Job) error
	// ExistsActive reports whether a job with this id exists and is not
	// failed. Used by the deduplication path.
	ExistsActive(ctx context.Context, id string) (bool, error)
}
