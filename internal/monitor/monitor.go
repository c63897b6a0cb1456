package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sampleInterval = time.Minute
	maxSamples     = 100
)

// MemoryUsage is one heap sample, percentages relative to the heap the
// runtime currently holds from the OS.
type MemoryUsage struct {
	HeapUsed        uint64  `json:"heapUsed"`
	HeapTotal       uint64  `json:"heapTotal"`
	HeapUsedPercent float64 `json:"heapUsedPercent"`
	Sys             uint64  `json:"sys"`
	NumGC           uint32  `json:"numGC"`
}

type WorkflowMetrics struct {
	TotalJobsProcessed int64 `json:"totalJobsProcessed"`
	TotalJobsFailed    int64 `json:"totalJobsFailed"`
	ActiveWorkers      int   `json:"activeWorkers"`
}

type PerformanceMetrics struct {
	AverageProcessingTime float64 `json:"averageProcessingTimeMs"`
	SuccessRate           float64 `json:"successRate"`
	Throughput            float64 `json:"throughputPerMinute"`
}

type Metrics struct {
	MemoryUsage        MemoryUsage        `json:"memoryUsage"`
	WorkflowMetrics    WorkflowMetrics    `json:"workflowMetrics"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics"`
	LastUpdated        time.Time          `json:"lastUpdated"`
}

// Config carries the governor thresholds: warning logs, critical refuses new
// work and triggers emergency cleanup.
type Config struct {
	WarningThreshold  float64
	CriticalThreshold float64
}

func DefaultConfig() Config {
	return Config{WarningThreshold: 80, CriticalThreshold: 95}
}

// Monitor samples process memory on a fixed interval and gates admission of
// new executions. It also aggregates per-job telemetry from the orchestrator.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	metrics Metrics
	samples map[string][]float64

	// readMem is swappable so tests can simulate memory pressure.
	readMem func() MemoryUsage

	// onCritical fires when heap usage crosses the critical threshold.
	onCritical func()

	registry        *prometheus.Registry
	heapUsedGauge   prometheus.Gauge
	heapPercent     prometheus.Gauge
	jobsProcessed   prometheus.Counter
	jobsFailed      prometheus.Counter
	workersGauge    prometheus.Gauge
	processingHisto prometheus.Histogram
}

func New(cfg Config, logger *slog.Logger) *Monitor {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	m := &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "monitor"),
		samples:  make(map[string][]float64),
		readMem:  readRuntimeMemory,
		registry: registry,
		heapUsedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_heap_used_bytes",
			Help: "Current heap allocation of the engine process.",
		}),
		heapPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_heap_used_percent",
			Help: "Heap usage as a percentage of heap obtained from the OS.",
		}),
		jobsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_processed_total",
			Help: "Workflow step jobs processed successfully.",
		}),
		jobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_failed_total",
			Help: "Workflow step jobs that failed.",
		}),
		workersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_active_workers",
			Help: "Number of live (workflow, step) workers.",
		}),
		processingHisto: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stepflow_job_processing_seconds",
			Help:    "Per-job processing time.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.updateMemoryMetrics()
	return m
}

// SetOnCritical registers the emergency cleanup hook.
func (m *Monitor) SetOnCritical(fn func()) {
	m.mu.Lock()
	m.onCritical = fn
	m.mu.Unlock()
}

// SetMemSampler swaps the memory probe; tests use it to simulate pressure.
func (m *Monitor) SetMemSampler(fn func() MemoryUsage) {
	m.mu.Lock()
	m.readMem = fn
	m.mu.Unlock()
	m.updateMemoryMetrics()
}

// Start runs the sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateMemoryMetrics()
			m.checkThresholds()
		}
	}
}

func (m *Monitor) updateMemoryMetrics() {
	m.mu.Lock()
	usage := m.readMem()
	m.metrics.MemoryUsage = usage
	m.metrics.LastUpdated = time.Now()
	m.mu.Unlock()

	m.heapUsedGauge.Set(float64(usage.HeapUsed))
	m.heapPercent.Set(usage.HeapUsedPercent)
}

func (m *Monitor) checkThresholds() {
	m.mu.RLock()
	percent := m.metrics.MemoryUsage.HeapUsedPercent
	onCritical := m.onCritical
	m.mu.RUnlock()

	switch {
	case percent > m.cfg.CriticalThreshold:
		m.logger.Error("critical memory usage", "heap_percent", fmt.Sprintf("%.2f", percent))
		runtime.GC()
		if onCritical != nil {
			onCritical()
		}
	case percent > m.cfg.WarningThreshold:
		m.logger.Warn("high memory usage", "heap_percent", fmt.Sprintf("%.2f", percent))
	}
}

// IsMemoryHealthy reports whether new executions may be admitted. The gate
// sits at the critical threshold; the warning threshold only logs.
func (m *Monitor) IsMemoryHealthy() bool {
	m.mu.Lock()
	m.metrics.MemoryUsage = m.readMem()
	healthy := m.metrics.MemoryUsage.HeapUsedPercent < m.cfg.CriticalThreshold
	m.mu.Unlock()
	return healthy
}

func (m *Monitor) RecordJobCompleted(workflowID string, processingTime time.Duration) {
	m.jobsProcessed.Inc()
	m.processingHisto.Observe(processingTime.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.WorkflowMetrics.TotalJobsProcessed++
	samples := append(m.samples[workflowID], float64(processingTime.Milliseconds()))
	if len(samples) > maxSamples {
		samples = samples[1:]
	}
	m.samples[workflowID] = samples
	m.recalculate()
}

func (m *Monitor) RecordJobFailed(string) {
	m.jobsFailed.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.WorkflowMetrics.TotalJobsFailed++
	m.recalculate()
}

func (m *Monitor) SetActiveWorkers(count int) {
	m.workersGauge.Set(float64(count))
	m.mu.Lock()
	m.metrics.WorkflowMetrics.ActiveWorkers = count
	m.mu.Unlock()
}

// recalculate refreshes the derived performance metrics; callers hold m.mu.
func (m *Monitor) recalculate() {
	var all []float64
	for _, s := range m.samples {
		all = append(all, s...)
	}
	if len(all) > 0 {
		var sum float64
		for _, v := range all {
			sum += v
		}
		avg := sum / float64(len(all))
		m.metrics.PerformanceMetrics.AverageProcessingTime = avg
		if avg > 0 {
			m.metrics.PerformanceMetrics.Throughput = 60000 / avg
		}
	}
	total := m.metrics.WorkflowMetrics.TotalJobsProcessed + m.metrics.WorkflowMetrics.TotalJobsFailed
	if total > 0 {
		m.metrics.PerformanceMetrics.SuccessRate =
			float64(m.metrics.WorkflowMetrics.TotalJobsProcessed) / float64(total) * 100
	}
}

func (m *Monitor) Metrics() Metrics {
	m.updateMemoryMetrics()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MemoryInfo is the human-readable memory summary exposed by the facade.
func (m *Monitor) MemoryInfo() map[string]string {
	m.mu.RLock()
	mem := m.metrics.MemoryUsage
	m.mu.RUnlock()
	return map[string]string{
		"heapUsed":         fmt.Sprintf("%.2f MB", float64(mem.HeapUsed)/1024/1024),
		"heapTotal":        fmt.Sprintf("%.2f MB", float64(mem.HeapTotal)/1024/1024),
		"heapUsagePercent": fmt.Sprintf("%.2f%%", mem.HeapUsedPercent),
		"sys":              fmt.Sprintf("%.2f MB", float64(mem.Sys)/1024/1024),
	}
}

// Registry exposes the monitor's prometheus registry for the /metrics
// endpoint.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func readRuntimeMemory() MemoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	percent := 0.0
	if ms.HeapSys > 0 {
		percent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	return MemoryUsage{
		HeapUsed:        ms.HeapAlloc,
		HeapTotal:       ms.HeapSys,
		HeapUsedPercent: percent,
		Sys:             ms.Sys,
		NumGC:           ms.NumGC,
	}
}
