// Package metrics keeps in-memory counters for ticks, rule outcomes, jobs and marketplace calls.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks process-wide metrics in memory
type Collector struct {
	totalTicks          atomic.Int64
	totalExternalCalls  atomic.Int64
	failedExternalCalls atomic.Int64
	tokenRefreshes      atomic.Int64
	failedRefreshes     atomic.Int64

	mu             sync.RWMutex
	outcomes       map[string]int64 // outcome -> count
	outcomesByKind map[string]map[string]int64
	jobTransitions map[string]int64 // target status -> count
	deferred       int64
	totalDuration  time.Duration
	operationCount int64
	lastTick       time.Time
	lastTickTook   time.Duration
	startTime      time.Time
	activeWorkers  int64
	totalWorkers   int64
}

// Metrics is a snapshot of the collector
type Metrics struct {
	TotalTicks          int64                       `json:"total_ticks"`
	LastTickAt          *time.Time                  `json:"last_tick_at,omitempty"`
	LastTickDuration    time.Duration               `json:"last_tick_duration"`
	Outcomes            map[string]int64            `json:"outcomes"`
	OutcomesByKind      map[string]map[string]int64 `json:"outcomes_by_kind"`
	Deferred            int64                       `json:"deferred"`
	JobTransitions      map[string]int64            `json:"job_transitions"`
	ExternalCalls       int64                       `json:"external_calls"`
	FailedExternalCalls int64                       `json:"failed_external_calls"`
	TokenRefreshes      int64                       `json:"token_refreshes"`
	FailedRefreshes     int64                       `json:"failed_token_refreshes"`
	AvgRuleDuration     time.Duration               `json:"avg_rule_duration"`
	WorkerUtilization   float64                     `json:"worker_utilization"`
	ErrorRate           float64                     `json:"error_rate"`
	Uptime              time.Duration               `json:"uptime"`
}

// Default returns the global collector
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		outcomes:       make(map[string]int64),
		outcomesByKind: make(map[string]map[string]int64),
		jobTransitions: make(map[string]int64),
		startTime:      time.Now(),
	}
}

// RecordTick records one finished sweep
func (c *Collector) RecordTick(startedAt time.Time, took time.Duration, deferred int) {
	c.totalTicks.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTick = startedAt
	c.lastTickTook = took
	c.deferred += int64(deferred)
}

// RecordOutcome records the outcome of one rule or job execution
func (c *Collector) RecordOutcome(kind, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
	byKind, ok := c.outcomesByKind[kind]
	if !ok {
		byKind = make(map[string]int64)
		c.outcomesByKind[kind] = byKind
	}
	byKind[outcome]++
	c.totalDuration += duration
	c.operationCount++
}

// RecordJobTransition counts a job reaching status
func (c *Collector) RecordJobTransition(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobTransitions[status]++
}

// RecordExternalCall counts one marketplace HTTP round trip
func (c *Collector) RecordExternalCall(failed bool) {
	c.totalExternalCalls.Add(1)
	if failed {
		c.failedExternalCalls.Add(1)
	}
}

// RecordTokenRefresh counts one refresh attempt
func (c *Collector) RecordTokenRefresh(ok bool) {
	c.tokenRefreshes.Add(1)
	if !ok {
		c.failedRefreshes.Add(1)
	}
}

// RecordWorkerActivity updates pool utilisation
func (c *Collector) RecordWorkerActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = active
	c.totalWorkers = total
}

// GetMetrics returns a snapshot
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}
	byKind := make(map[string]map[string]int64, len(c.outcomesByKind))
	for kind, m := range c.outcomesByKind {
		cp := make(map[string]int64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		byKind[kind] = cp
	}
	transitions := make(map[string]int64, len(c.jobTransitions))
	for k, v := range c.jobTransitions {
		transitions[k] = v
	}

	var avg time.Duration
	if c.operationCount > 0 {
		avg = c.totalDuration / time.Duration(c.operationCount)
	}

	var utilization float64
	if c.totalWorkers > 0 {
		utilization = float64(c.activeWorkers) / float64(c.totalWorkers) * 100
	}

	var errorRate float64
	if c.operationCount > 0 {
		errorRate = float64(c.outcomes["failed"]) / float64(c.operationCount) * 100
	}

	m := Metrics{
		TotalTicks:          c.totalTicks.Load(),
		LastTickDuration:    c.lastTickTook,
		Outcomes:            outcomes,
		OutcomesByKind:      byKind,
		Deferred:            c.deferred,
		JobTransitions:      transitions,
		ExternalCalls:       c.totalExternalCalls.Load(),
		FailedExternalCalls: c.failedExternalCalls.Load(),
		TokenRefreshes:      c.tokenRefreshes.Load(),
		FailedRefreshes:     c.failedRefreshes.Load(),
		AvgRuleDuration:     avg,
		WorkerUtilization:   utilization,
		ErrorRate:           errorRate,
		Uptime:              time.Since(c.startTime),
	}
	if !c.lastTick.IsZero() {
		at := c.lastTick
		m.LastTickAt = &at
	}
	return m
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.totalTicks.Store(0)
	c.totalExternalCalls.Store(0)
	c.failedExternalCalls.Store(0)
	c.tokenRefreshes.Store(0)
	c.failedRefreshes.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = make(map[string]int64)
	c.outcomesByKind = make(map[string]map[string]int64)
	c.jobTransitions = make(map[string]int64)
	c.deferred = 0
	c.totalDuration = 0
	c.operationCount = 0
	c.lastTick = time.Time{}
	c.lastTickTook = 0
	c.startTime = time.Now()
	c.activeWorkers = 0
	c.totalWorkers = 0
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}
