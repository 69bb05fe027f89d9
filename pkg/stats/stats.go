// Package stats tracks operation counts for the write-buffer manager,
// backed by Prometheus counters instead of bare atomics.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation identifies a countable manager operation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpDelete Operation = "delete"
	OpFlush  Operation = "flush"
	OpErase  Operation = "erase"
	OpGate   Operation = "gate_wait"
)

// Collector is the contract Manager and its collaborators track operations
// against. A nil Collector is valid everywhere it's accepted: every call
// site nil-checks before tracking.
type Collector interface {
	TrackOperation(op Operation)
	Snapshot() map[string]uint64
}

// PromCollector is the default Collector: a Prometheus counter vector keyed
// by operation name for scraping, mirrored into a local atomic tally so
// Snapshot() can report exact counts without talking to the registry.
type PromCollector struct {
	counter *prometheus.CounterVec

	mu      sync.Mutex
	tallies map[Operation]*atomic.Uint64
}

// NewPromCollector creates a Collector registered against reg. Pass
// prometheus.NewRegistry() for test isolation, or prometheus.DefaultRegisterer
// in production.
func NewPromCollector(reg prometheus.Registerer, namespace string) *PromCollector {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mem_manager",
		Name:      "operations_total",
		Help:      "Count of write-buffer manager operations by kind.",
	}, []string{"operation"})

	if reg != nil {
		reg.MustRegister(counter)
	}

	return &PromCollector{
		counter: counter,
		tallies: make(map[Operation]*atomic.Uint64),
	}
}

func (c *PromCollector) TrackOperation(op Operation) {
	c.counter.WithLabelValues(string(op)).Inc()

	c.mu.Lock()
	t, ok := c.tallies[op]
	if !ok {
		t = &atomic.Uint64{}
		c.tallies[op] = t
	}
	c.mu.Unlock()
	t.Add(1)
}

// Snapshot returns the current counts by operation name. It is used only
// for tests and observability endpoints, not by the manager itself.
func (c *PromCollector) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]uint64, len(c.tallies))
	for op, t := range c.tallies {
		result[string(op)] = t.Load()
	}
	return result
}
