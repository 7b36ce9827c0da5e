package metrics

import "time"

// Source is the narrow view a Collector needs into the store/state DB. It
// is satisfied by *statedb.DB; defining it here (rather than importing
// pkg/statedb) keeps pkg/metrics a leaf package.
type Source interface {
	ObjectCounts() (packages, files int)
}

// Collector periodically snapshots store-derived gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	packages, files := c.source.ObjectCounts()
	StoreObjectsTotal.WithLabelValues("package").Set(float64(packages))
	StoreObjectsTotal.WithLabelValues("file").Set(float64(files))
}
