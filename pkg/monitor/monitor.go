package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/storage"
)

// Config holds the monitor's sweep parameters.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// BuildTimeout fails any assigned or building build whose last
	// heartbeat is older than this.
	BuildTimeout time.Duration
	// WorkerOfflineTimeout marks workers offline when last_seen_at is
	// older than this.
	WorkerOfflineTimeout time.Duration
}

// Monitor is the periodic liveness sweep. It never crashes the process:
// each step runs under a recover guard, and a failed step is logged and
// retried on the next tick. Ticks never overlap; the loop runs sweeps
// strictly one at a time.
type Monitor struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(store storage.Store, broker *events.Broker, cfg Config) *Monitor {
	return &Monitor{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("monitor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep runs one monitor tick: fail stuck builds, settle their workers,
// mark stale workers offline.
func (m *Monitor) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("monitor sweep panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()

	failed := m.sweepStuckBuilds(ctx)
	offline := m.sweepStaleWorkers(ctx)

	if failed > 0 || offline > 0 {
		m.logger.Info().
			Int("builds_failed", failed).
			Int64("workers_offline", offline).
			Msg("monitor sweep")
	} else {
		m.logger.Debug().Msg("monitor sweep: nothing to do")
	}
}

func (m *Monitor) sweepStuckBuilds(ctx context.Context) int {
	stuck, err := m.store.MarkStuckBuildsFailed(ctx, m.cfg.BuildTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to sweep stuck builds")
		return 0
	}

	for _, b := range stuck {
		m.logger.Warn().
			Str("build_id", b.ID).
			Str("worker_id", b.WorkerID).
			Msg("build failed: heartbeat timeout")
		metrics.BuildsFailedTotal.WithLabelValues("heartbeat_timeout").Inc()

		if b.WorkerID != "" {
			if err := m.store.ReleaseWorker(ctx, b.WorkerID, storage.ReleaseFailed); err != nil {
				m.logger.Error().Err(err).Str("worker_id", b.WorkerID).
					Msg("failed to release worker after heartbeat timeout")
			}
		}

		m.broker.Publish(&events.Event{
			Type:     events.EventBuildFailed,
			BuildID:  b.ID,
			WorkerID: b.WorkerID,
			Message:  "heartbeat timeout",
		})
	}
	return len(stuck)
}

func (m *Monitor) sweepStaleWorkers(ctx context.Context) int64 {
	n, err := m.store.MarkOfflineIfStale(ctx, m.cfg.WorkerOfflineTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to sweep stale workers")
		return 0
	}
	if n > 0 {
		m.broker.Publish(&events.Event{Type: events.EventWorkerOffline})
	}
	return n
}
