package metrics

import (
	"context"
	"time"
)

// Pinger is anything whose liveness can be probed, typically the backing
// store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector periodically probes the backing store and publishes the result
// as the "store" health component and the runway_store_up gauge
type Collector struct {
	store    Pinger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new store health collector
func NewCollector(store Pinger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		StoreUp.Set(0)
		UpdateComponent(ComponentStore, false, err.Error())
		return
	}
	StoreUp.Set(1)
	UpdateComponent(ComponentStore, true, "")
}
