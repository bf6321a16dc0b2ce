package storage

import (
	"context"
	"time"

	"github.com/cuemby/forge/pkg/types"
)

// ReleaseOutcome describes why a worker is being returned to idle.
type ReleaseOutcome int

const (
	// ReleaseNone returns the worker to idle without touching counters
	// (e.g. the build it was holding got cancelled).
	ReleaseNone ReleaseOutcome = iota
	// ReleaseCompleted increments builds_completed.
	ReleaseCompleted
	// ReleaseFailed increments builds_failed.
	ReleaseFailed
)

// Store defines durable persistence for builds, workers, and build logs.
// Implemented by the SQLite-backed store.
type Store interface {
	// Builds
	InsertBuild(ctx context.Context, b *types.Build) error
	GetBuild(ctx context.Context, id string) (*types.Build, error)
	UpdateBuild(ctx context.Context, b *types.Build) error
	// UpdateBuildIf writes b only while the stored status still equals
	// expected; a lost race returns types.ErrConflict. Status transitions
	// outside the claim transaction must go through this so a stale read
	// can never resurrect a terminal build.
	UpdateBuildIf(ctx context.Context, b *types.Build, expected types.BuildStatus) error
	ListBuildsByStatus(ctx context.Context, status types.BuildStatus) ([]*types.Build, error)

	// Workers
	InsertWorker(ctx context.Context, w *types.Worker) error
	UpdateWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	ReleaseWorker(ctx context.Context, workerID string, outcome ReleaseOutcome) error

	// Logs
	AppendLogs(ctx context.Context, buildID string, entries []*types.BuildLog) error
	ListLogs(ctx context.Context, buildID string, sinceSeq int64) ([]*types.BuildLog, error)

	// Sweeps (heartbeat monitor)
	MarkStuckBuildsFailed(ctx context.Context, timeout time.Duration) ([]*types.Build, error)
	MarkOfflineIfStale(ctx context.Context, timeout time.Duration) (int64, error)

	// Aggregates
	Stats(ctx context.Context) (*types.FarmStats, error)

	// Begin opens a write transaction for the assignment hot path.
	Begin(ctx context.Context) (Tx, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is an open write transaction. The assignment service performs the
// pending-row claim and both row updates inside a single Tx so that a build
// can never be observed by two workers.
type Tx interface {
	// NextPendingForUpdate selects the oldest pending build, restricted
	// to the given platforms (nil means any), locked for the duration of
	// the transaction. Returns (nil, nil) when no pending rows exist.
	NextPendingForUpdate(platforms []types.Platform) (*types.Build, error)
	UpdateBuild(b *types.Build) error
	UpdateWorker(w *types.Worker) error
	Commit() error
	Rollback() error
}
