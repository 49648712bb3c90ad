package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// EngineStats contains engine statistics for metrics
type EngineStats struct {
	LiveJobs int
	DueTasks int
}

// StatsProvider provides engine statistics for metrics
type StatsProvider interface {
	EngineStats(ctx context.Context) (*EngineStats, error)
}

var bucketMetrics = []byte("metrics")

// labelSep joins label values in persisted keys
const labelSep = "|"

// ShadowCounters maps metric name to label key to value
type ShadowCounters map[string]map[string]float64

// Collector persists counters across restarts and updates gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, stats StatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters restores persisted counter values into the registry
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		for name, values := range shadow {
			vec, ok := c.metrics.counterVecs[name]
			if !ok {
				continue
			}
			for key, v := range values {
				counter, err := vec.GetMetricWith(splitLabelKey(key))
				if err != nil {
					continue
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// snapshot reads current counter values from the registry
func (c *Collector) snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	shadow := make(ShadowCounters)
	for _, mf := range families {
		if _, ok := c.metrics.counterVecs[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		values := make(map[string]float64, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			values[labelKey(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		shadow[mf.GetName()] = values
	}
	return shadow, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	shadow, err := c.snapshot()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(shadow)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetrics).Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.collectSystemMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system and engine state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats != nil {
		if stats, err := c.stats.EngineStats(ctx); err == nil {
			c.metrics.LiveJobs.Set(float64(stats.LiveJobs))
			c.metrics.DueTasks.Set(float64(stats.DueTasks))
		}
	}
}

// labelKey encodes label pairs as name=value joined by labelSep
func labelKey(labels []*dto.LabelPair) string {
	pairs := make([]string, len(labels))
	for i, l := range labels {
		pairs[i] = l.GetName() + "=" + l.GetValue()
	}
	return strings.Join(pairs, labelSep)
}

func splitLabelKey(key string) prometheus.Labels {
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(key, labelSep) {
		if name, value, ok := strings.Cut(pair, "="); ok {
			labels[name] = value
		}
	}
	return labels
}
