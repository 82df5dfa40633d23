package metrics

import (
	"context"
	"time"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/store"
)

// Collector samples store-backed gauges: queue depths and per-repo
// package counts. Counters are incremented at the call sites; these are
// the values only the store knows.
type Collector struct {
	st     *store.Client
	queues []string
	repos  []string
	stopCh chan struct{}
}

// NewCollector creates a collector for the given queue and repo names.
func NewCollector(st *store.Client, queues, repos []string) *Collector {
	return &Collector{
		st:     st,
		queues: queues,
		repos:  repos,
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

	c.collectQueueDepths(ctx)
	c.collectRepoCounts(ctx)
}

func (c *Collector) collectQueueDepths(ctx context.Context) {
	for _, q := range c.queues {
		depth, err := c.st.LLen(ctx, store.Key("queue", q))
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(q).Set(float64(depth))
	}
}

func (c *Collector) collectRepoCounts(ctx context.Context) {
	for _, name := range c.repos {
		r := entity.RepoView(c.st, name)

		if n, err := r.PkgCountFS(ctx); err == nil {
			RepoPackages.WithLabelValues(name, "fs").Set(float64(n))
		}
		if n, err := r.PkgCountALPM(ctx); err == nil {
			RepoPackages.WithLabelValues(name, "alpm").Set(float64(n))
		}
	}
}
