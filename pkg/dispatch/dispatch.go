package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Assigner performs the transactional build-to-worker binding. The claim,
// the build update, and the worker update all happen inside one store
// transaction, so two workers polling at the same instant can never walk
// away with the same build.
type Assigner struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewAssigner creates an Assigner.
func NewAssigner(store storage.Store, broker *events.Broker) *Assigner {
	return &Assigner{
		store:  store,
		broker: broker,
		logger: log.WithComponent("dispatch"),
	}
}

// Assign claims the oldest pending build matching the worker's declared
// platforms and binds it to the worker. Returns (nil, nil) when no work is
// available. Error categories:
//
//   - types.ErrWorkerUnknown, types.ErrWorkerOffline, types.ErrWorkerBusy:
//     transient; the queue keeps the build and another poll may succeed.
//   - *BuildError: the build row itself is the problem; the queue settles
//     that build as failed.
//   - anything else (deadline, busy database): infrastructure; the queue
//     keeps the build and a later poll retries.
func (a *Assigner) Assign(ctx context.Context, workerID string) (*types.Build, error) {
	w, err := a.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("worker %s: %w", workerID, types.ErrWorkerUnknown)
		}
		return nil, err
	}

	switch w.Status {
	case types.WorkerStatusOffline:
		return nil, fmt.Errorf("worker %s: %w", workerID, types.ErrWorkerOffline)
	case types.WorkerStatusBuilding:
		// Concurrency budget is one build per worker.
		return nil, fmt.Errorf("worker %s: %w", workerID, types.ErrWorkerBusy)
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	b, err := tx.NextPendingForUpdate(w.Capabilities.Platforms())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if b == nil {
		tx.Rollback()
		return nil, nil
	}

	now := time.Now().UTC()
	b.Status = types.BuildStatusAssigned
	b.WorkerID = w.ID
	// Seed the heartbeat clock at assignment so a worker that claims and
	// immediately dies is reaped one build_timeout later.
	b.LastHeartbeatAt = now
	b.UpdatedAt = now
	if err := tx.UpdateBuild(b); err != nil {
		tx.Rollback()
		if errors.Is(err, types.ErrNotFound) {
			// The selected row vanished mid-transaction. Name the build so
			// the queue settles the right one.
			return nil, &BuildError{BuildID: b.ID, Err: err}
		}
		return nil, err
	}

	w.Status = types.WorkerStatusBuilding
	w.LastSeenAt = now
	if err := tx.UpdateWorker(w); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("build_id", b.ID).
		Str("worker_id", w.ID).
		Str("platform", string(b.Platform)).
		Msg("build assigned")
	metrics.AssignmentsTotal.Inc()
	a.broker.Publish(&events.Event{
		Type:     events.EventBuildAssigned,
		BuildID:  b.ID,
		WorkerID: w.ID,
	})

	return b, nil
}

// IsTransient reports whether an assignment error is transient: the queue
// must retain the build and reply with the error, because a later poll (by
// this worker or another) may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, types.ErrWorkerBusy) ||
		errors.Is(err, types.ErrWorkerOffline) ||
		errors.Is(err, types.ErrWorkerUnknown)
}

// BuildError marks an assignment failure caused by the build row itself
// rather than by the worker or the database. Only these errors justify
// failing the build; everything else is retried on a later poll.
type BuildError struct {
	BuildID string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.BuildID, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
