package types

import "errors"

// Sentinel errors shared across the controller core. Packages wrap these
// with context via fmt.Errorf("...: %w", err); callers categorize with
// errors.Is.
var (
	// ErrNotFound indicates an unknown build or worker.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an action invalid for the current status,
	// e.g. downloading a result before completion.
	ErrConflict = errors.New("conflict with current status")

	// ErrWorkerBusy is returned when a worker at its concurrency budget
	// polls for more work. Transient: the queue retains the build.
	ErrWorkerBusy = errors.New("worker busy")

	// ErrWorkerOffline is returned when an offline worker polls without
	// re-registering first. Transient.
	ErrWorkerOffline = errors.New("worker offline")

	// ErrWorkerUnknown is returned when an assignment is requested for a
	// worker the store has never seen. Transient from the queue's point
	// of view: the build stays queued for other workers.
	ErrWorkerUnknown = errors.New("worker unknown")

	// ErrSizeExceeded indicates a stream overran its per-kind size cap.
	ErrSizeExceeded = errors.New("size limit exceeded")

	// ErrUnauthenticated indicates no credential was presented.
	ErrUnauthenticated = errors.New("missing credentials")

	// ErrForbidden indicates a credential was presented but is wrong for
	// the target resource.
	ErrForbidden = errors.New("wrong credentials")
)
