package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/dispatch"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Assigner is the slice of the dispatch service the queue depends on.
type Assigner interface {
	Assign(ctx context.Context, workerID string) (*types.Build, error)
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager owns the in-memory FIFO of pending build IDs. It is a cache of
// the store's pending set: the store is authoritative, and Rebuild
// reconstructs the queue from it at startup.
//
// A build leaves the queue in exactly two ways: into assigned (the
// dispatcher confirmed the transition) or into failed (the dispatcher
// blamed the build row itself, recorded in the store first). Nothing is
// ever silently dropped.
type Manager struct {
	mu  sync.Mutex
	ids []string

	store    storage.Store
	assigner Assigner
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewManager creates a queue manager. Call Rebuild before serving traffic.
func NewManager(store storage.Store, assigner Assigner, broker *events.Broker) *Manager {
	return &Manager{
		store:    store,
		assigner: assigner,
		broker:   broker,
		logger:   log.WithComponent("queue"),
	}
}

// Rebuild replaces the in-memory queue with the store's pending builds in
// submission order. Called at startup; crash recovery is nothing more than
// this.
func (m *Manager) Rebuild(ctx context.Context) error {
	pending, err := m.store.ListBuildsByStatus(ctx, types.BuildStatusPending)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(pending))
	for _, b := range pending {
		ids = append(ids, b.ID)
	}

	m.mu.Lock()
	m.ids = ids
	n := len(ids)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	m.logger.Info().Int("pending", n).Msg("queue rebuilt from store")
	m.broker.Publish(&events.Event{Type: events.EventQueueUpdated})
	return nil
}

// Enqueue appends a newly submitted build.
func (m *Manager) Enqueue(buildID string) {
	m.mu.Lock()
	m.ids = append(m.ids, buildID)
	n := len(m.ids)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	m.broker.Publish(&events.Event{Type: events.EventQueueUpdated, BuildID: buildID})
}

// Remove drops a build from the queue, e.g. after a client cancel. The
// caller must have already settled the build's status in the store.
func (m *Manager) Remove(buildID string) {
	m.mu.Lock()
	m.removeLocked(buildID)
	n := len(m.ids)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	m.broker.Publish(&events.Event{Type: events.EventQueueUpdated, BuildID: buildID})
}

func (m *Manager) removeLocked(buildID string) {
	for i, id := range m.ids {
		if id == buildID {
			m.ids = append(m.ids[:i], m.ids[i+1:]...)
			return
		}
	}
}

// Stats returns the current queue snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.ids)
	m.mu.Unlock()
	return Stats{Pending: n, Timestamp: time.Now().UTC()}
}

// Pending returns a copy of the queued IDs in order.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

// DequeueForWorker hands the queue head to the dispatcher on behalf of the
// polling worker. The in-memory dequeue is committed only once the
// dispatcher confirms the store transition.
//
// On a transient dispatch error (worker busy, offline, unknown) the build
// stays at its queue position and the error is returned for the HTTP layer
// to surface. A build is settled as failed only when the dispatcher blames
// the build row itself; infrastructure errors (deadline, busy database)
// also retain the build so a healthy row never pays for a store hiccup.
func (m *Manager) DequeueForWorker(ctx context.Context, workerID string) (*types.Build, error) {
	m.mu.Lock()
	if len(m.ids) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	// The store I/O happens outside the queue mutex.
	b, err := m.assigner.Assign(ctx, workerID)
	if err != nil {
		var be *dispatch.BuildError
		if errors.As(err, &be) {
			m.failBuild(ctx, be.BuildID, err)
		}
		return nil, err
	}
	if b == nil {
		// The store has no pending rows; the cache was stale (e.g. a
		// cancel raced this poll). Reconcile rather than loop.
		if rerr := m.Rebuild(ctx); rerr != nil {
			m.logger.Error().Err(rerr).Msg("queue reconcile failed")
		}
		return nil, nil
	}

	m.mu.Lock()
	m.removeLocked(b.ID)
	n := len(m.ids)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	m.broker.Publish(&events.Event{Type: events.EventQueueUpdated, BuildID: b.ID})
	return b, nil
}

// failBuild settles the named build as failed in the store, then removes it.
// Removal without a store write would lose the build; a store write without
// removal would dispatch it again. Order matters: store first.
func (m *Manager) failBuild(ctx context.Context, buildID string, cause error) {
	b, err := m.store.GetBuild(ctx, buildID)
	if err == nil && !b.Status.Terminal() {
		prev := b.Status
		b.Status = types.BuildStatusFailed
		b.ErrorMessage = cause.Error()
		b.UpdatedAt = time.Now().UTC()
		if uerr := m.store.UpdateBuildIf(ctx, b, prev); uerr != nil {
			// Another writer settled the build, or the write failed; leave
			// the row alone and let a later poll reconcile.
			m.logger.Error().Err(uerr).Str("build_id", buildID).
				Msg("failed to settle build after permanent dispatch error")
			return
		}
		metrics.BuildsFailedTotal.WithLabelValues("dispatch").Inc()
		m.broker.Publish(&events.Event{
			Type:    events.EventBuildFailed,
			BuildID: buildID,
			Message: cause.Error(),
		})
	}

	m.logger.Warn().Err(cause).Str("build_id", buildID).
		Msg("removing build from queue after permanent dispatch error")
	m.Remove(buildID)
}
