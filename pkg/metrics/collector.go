package metrics

import (
	"time"

	"github.com/cuemby/durawasm/pkg/types"
)

// Stats is the slice of *executor.Executor this collector polls, kept
// narrow so pkg/metrics never imports pkg/executor (which already
// imports pkg/metrics to bump counters inline at their call sites).
type Stats interface {
	Stats() map[types.WorkerStatus]int
}

// Collector periodically refreshes the gauges that can't be updated
// inline at their call site -- current worker counts by state -- using
// a ticker/stopCh idiom generalized from cluster-wide node/service
// gauges to per-executor worker-state gauges.
type Collector struct {
	stats  Stats
	stopCh chan struct{}
}

func NewCollector(stats Stats) *Collector {
	return &Collector{stats: stats, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := c.stats.Stats()

	for _, status := range []types.WorkerStatus{
		types.StatusLoading,
		types.StatusReplaying,
		types.StatusLive,
		types.StatusSuspended,
		types.StatusInterrupted,
		types.StatusRetrying,
		types.StatusFailed,
		types.StatusUpdating,
		types.StatusExited,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
