package workers

import (
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/nyaruka/gocommon/aws/cwatch"
)

type countByWorker map[string]int

// converts per worker counts into cloudwatch metrics with the worker as a dimension
func (c countByWorker) metrics(name string) []types.MetricDatum {
	m := make([]types.MetricDatum, 0, len(c))
	for worker, count := range c {
		m = append(m, cwatch.Datum(name, float64(count), types.StandardUnitCount, cwatch.Dimension("Worker", worker)))
	}
	return m
}

type Stats struct {
	Handled countByWorker // messages handled and acknowledged
	Retried countByWorker // messages left for redelivery
	Dropped countByWorker // unparseable messages logged and dropped
}

func newStats() *Stats {
	return &Stats{
		Handled: make(countByWorker),
		Retried: make(countByWorker),
		Dropped: make(countByWorker),
	}
}

func (s *Stats) ToMetrics() []types.MetricDatum {
	metrics := make([]types.MetricDatum, 0, 12)
	metrics = append(metrics, s.Handled.metrics("MessagesHandled")...)
	metrics = append(metrics, s.Retried.metrics("MessagesRetried")...)
	metrics = append(metrics, s.Dropped.metrics("MessagesDropped")...)
	return metrics
}

// StatsCollector provides threadsafe stats collection
type StatsCollector struct {
	mutex sync.Mutex
	stats *Stats
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: newStats()}
}

func (c *StatsCollector) RecordHandled(worker string) {
	c.mutex.Lock()
	c.stats.Handled[worker]++
	c.mutex.Unlock()
}

func (c *StatsCollector) RecordRetried(worker string) {
	c.mutex.Lock()
	c.stats.Retried[worker]++
	c.mutex.Unlock()
}

func (c *StatsCollector) RecordDropped(worker string) {
	c.mutex.Lock()
	c.stats.Dropped[worker]++
	c.mutex.Unlock()
}

// Extract returns the stats accumulated since the last call
func (c *StatsCollector) Extract() *Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	s := c.stats
	c.stats = newStats()
	return s
}

// Snapshot returns a copy of the stats accumulated since the last extraction, without
// resetting them
func (c *StatsCollector) Snapshot() *Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := newStats()
	for k, v := range c.stats.Handled {
		s.Handled[k] = v
	}
	for k, v := range c.stats.Retried {
		s.Retried[k] = v
	}
	for k, v := range c.stats.Dropped {
		s.Dropped[k] = v
	}
	return s
}
