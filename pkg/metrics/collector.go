package metrics

import (
	"context"
	"time"

	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Collector periodically refreshes the state gauges from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectWorkerMetrics(ctx)
	c.collectBuildMetrics(ctx)
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return
	}

	counts := map[types.WorkerStatus]int{
		types.WorkerStatusIdle:     0,
		types.WorkerStatusBuilding: 0,
		types.WorkerStatusOffline:  0,
	}
	for _, w := range workers {
		counts[w.Status]++
	}
	for status, n := range counts {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectBuildMetrics(ctx context.Context) {
	statuses := []types.BuildStatus{
		types.BuildStatusPending,
		types.BuildStatusAssigned,
		types.BuildStatusBuilding,
		types.BuildStatusCompleted,
		types.BuildStatusFailed,
		types.BuildStatusCancelled,
	}
	for _, status := range statuses {
		builds, err := c.store.ListBuildsByStatus(ctx, status)
		if err != nil {
			continue
		}
		BuildsTotal.WithLabelValues(string(status)).Set(float64(len(builds)))
	}
}
