package metrics

import (
	"time"

	"github.com/shelfhand/shelfhand/pkg/storage"
)

// Collector periodically snapshots store histograms into the gauges
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.Store) *Collector {
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
	if counts, err := c.store.CountBooksByStatus(); err == nil {
		ItemsTotal.Reset()
		for status, n := range counts {
			ItemsTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	if counts, err := c.store.CountTasksByStatus(); err == nil {
		TasksTotal.Reset()
		for status, n := range counts {
			TasksTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
