package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the metrics recorded by the forwarder.
const (
	EventsReceived   = "events_received"
	EventsIgnored    = "events_ignored"
	EventsBuffered   = "events_buffered"
	EventsDispatched = "events_dispatched"
	EventsRejected   = "events_rejected"
	Flushes          = "flushes"
	DispatchFailures = "dispatch_failures"
	RetriesScheduled = "retries_scheduled"
	RetriesExhausted = "retries_exhausted"
	BufferBytes      = "buffer_bytes"
	BufferEvents     = "buffer_events"
	PutEvents        = "put_events"
)

// TimerMetric summarises recorded durations.
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric summarises outcomes of an operation.
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timerStat struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type rateStat struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector. The zero value is not usable; call
// NewMetrics. A nil *Metrics silently discards everything.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timerStat
	errorRates map[string]*rateStat
	health     map[string]*int64
	startTime  time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timerStat),
		errorRates: make(map[string]*rateStat),
		health:     make(map[string]*int64),
		startTime:  time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(m.cell(m.counters, name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(m.cell(m.gauges, name), value)
}

// SetHealth marks a component healthy or unhealthy.
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(m.cell(m.health, component), v)
}

// cell returns the value slot for name in one of the int64 maps, creating
// it on first use.
func (m *Metrics) cell(values map[string]*int64, name string) *int64 {
	m.mu.RLock()
	c, ok := values[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = values[name]; !ok {
		c = new(int64)
		values[name] = c
	}
	return c
}

// RecordDuration records one timing measurement.
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	if m == nil {
		return
	}

	m.mu.RLock()
	t, ok := m.timers[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if t, ok = m.timers[name]; !ok {
			t = &timerStat{minTimeMs: math.MaxInt64}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	ms := d.Milliseconds()
	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)

	for {
		cur := atomic.LoadInt64(&t.minTimeMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minTimeMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxTimeMs, cur, ms) {
			break
		}
	}
}

// RecordResult records the outcome of an operation for error rate tracking.
func (m *Metrics) RecordResult(name string, err error) {
	if m == nil {
		return
	}

	m.mu.RLock()
	r, ok := m.errorRates[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if r, ok = m.errorRates[name]; !ok {
			r = &rateStat{}
			m.errorRates[name] = r
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&r.total, 1)
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// Gauge returns the current value of a gauge.
func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gauges[name]; ok {
		return atomic.LoadInt64(g)
	}
	return 0
}

func snapshot(values map[string]*int64) map[string]int64 {
	out := make(map[string]int64, len(values))
	for name, v := range values {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)

		var avg float64
		if count > 0 {
			avg = float64(total) / float64(count)
		}
		out[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: avg,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}
	return out
}

// GetErrorRates returns all error rates
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ErrorRateMetric, len(m.errorRates))
	for name, r := range m.errorRates {
		total := atomic.LoadInt64(&r.total)
		errs := atomic.LoadInt64(&r.errors)

		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}
		out[name] = ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
	}
	return out
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.health))
	for name, h := range m.health {
		out[name] = atomic.LoadInt64(h) > 0
	}
	return out
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	m.mu.RLock()
	counters := snapshot(m.counters)
	gauges := snapshot(m.gauges)
	m.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       counters,
		"gauges":         gauges,
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
