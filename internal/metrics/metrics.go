package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "logwatch"

// Collector provides a central place for all application metrics. All
// recording helpers accept a nil receiver so components can run without
// metrics.
type Collector struct {
	// Tailer metrics
	FilesProcessed  *prometheus.CounterVec
	LinesClassified *prometheus.CounterVec
	Overflows       *prometheus.CounterVec
	MissingGlobs    prometheus.Gauge
	ConfigErrors    prometheus.Gauge
	RunDuration     prometheus.Histogram
	FileDuration    prometheus.Histogram

	// Consumer metrics
	Reclassified    *prometheus.CounterVec
	ForwardMessages *prometheus.CounterVec
	ForwardErrors   *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec
	SpoolBytes      prometheus.Gauge
	SpoolChunks     prometheus.Gauge
	SpoolEvicted    *prometheus.CounterVec

	// Worker pool metrics
	WorkerPoolSize    prometheus.Gauge
	WorkerPoolJobs    *prometheus.CounterVec
	WorkerJobDuration prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.initTailerMetrics()
	c.initForwardMetrics()
	c.initWorkerPoolMetrics()
	c.initCircuitBreakerMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	f := promauto.With(c.registry)

	c.FilesProcessed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "files_processed_total",
			Help:      "Total number of log files processed by state (ok, cannotopen)",
		},
		[]string{"attr"},
	)

	c.LinesClassified = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "lines_total",
			Help:      "Total number of emitted lines by level",
		},
		[]string{"level"},
	)

	c.Overflows = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "overflows_total",
			Help:      "Total number of per-file budget overflows by reason",
		},
		[]string{"reason"},
	)

	c.MissingGlobs = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "missing_globs",
		Help:      "Number of configured globs that matched no file in the last run",
	})

	c.ConfigErrors = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "config_errors",
		Help:      "Number of configuration errors found in the last run",
	})

	c.RunDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "run_duration_seconds",
		Help:      "Duration of a complete tailer run",
		Buckets:   prometheus.DefBuckets,
	})

	c.FileDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "file_duration_seconds",
		Help:      "Time spent processing a single log file",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
}

func (c *Collector) initForwardMetrics() {
	f := promauto.With(c.registry)

	c.Reclassified = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclassify",
			Name:      "lines_total",
			Help:      "Total number of reclassified lines by original and resulting level",
		},
		[]string{"from", "to"},
	)

	c.ForwardMessages = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "messages_total",
			Help:      "Total number of messages handled by the forwarder by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	c.ForwardErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "errors_total",
			Help:      "Total number of failed forwarding attempts",
		},
		[]string{"method"},
	)

	c.ForwardDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "duration_seconds",
			Help:      "Duration of a forwarding attempt",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	c.SpoolBytes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "spool",
		Name:      "bytes",
		Help:      "Bytes currently held in the spool directory",
	})

	c.SpoolChunks = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "spool",
		Name:      "chunks",
		Help:      "Number of spool chunks currently on disk",
	})

	c.SpoolEvicted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "evicted_messages_total",
			Help:      "Total number of spooled messages dropped by reason (age, size)",
		},
		[]string{"reason"},
	)
}

func (c *Collector) initWorkerPoolMetrics() {
	f := promauto.With(c.registry)

	c.WorkerPoolSize = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker_pool",
		Name:      "size",
		Help:      "Number of workers in the pool",
	})

	c.WorkerPoolJobs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "jobs_total",
			Help:      "Total number of jobs by status (success, failed, timeout)",
		},
		[]string{"status"},
	)

	c.WorkerJobDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker_pool",
		Name:      "job_duration_seconds",
		Help:      "Job execution duration",
		Buckets:   prometheus.DefBuckets,
	})
}

func (c *Collector) initCircuitBreakerMetrics() {
	f := promauto.With(c.registry)

	c.CircuitBreakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initSystemMetrics() {
	f := promauto.With(c.registry)

	c.SystemGoroutines = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})

	c.SystemMemAlloc = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_alloc_bytes",
		Help:      "Bytes of allocated heap objects",
	})
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// RecordFile records one processed log file
func (c *Collector) RecordFile(attr string, d time.Duration) {
	if c == nil {
		return
	}
	c.FilesProcessed.WithLabelValues(attr).Inc()
	c.FileDuration.Observe(d.Seconds())
}

// RecordLine records one emitted line
func (c *Collector) RecordLine(level string) {
	if c == nil {
		return
	}
	c.LinesClassified.WithLabelValues(level).Inc()
}

// RecordOverflow records a per-file budget overflow
func (c *Collector) RecordOverflow(reason string) {
	if c == nil {
		return
	}
	c.Overflows.WithLabelValues(reason).Inc()
}

// RecordRun records the outcome of a tailer run
func (c *Collector) RecordRun(d time.Duration, missing, configErrors int) {
	if c == nil {
		return
	}
	c.RunDuration.Observe(d.Seconds())
	c.MissingGlobs.Set(float64(missing))
	c.ConfigErrors.Set(float64(configErrors))
}

// RecordReclassified records a level change made by the reclassifier
func (c *Collector) RecordReclassified(from, to string) {
	if c == nil {
		return
	}
	c.Reclassified.WithLabelValues(from, to).Inc()
}

// RecordForward records the counts of one forwarding attempt
func (c *Collector) RecordForward(method string, forwarded, spooled, dropped int, failed bool, d time.Duration) {
	if c == nil {
		return
	}
	c.ForwardMessages.WithLabelValues(method, "forwarded").Add(float64(forwarded))
	c.ForwardMessages.WithLabelValues(method, "spooled").Add(float64(spooled))
	c.ForwardMessages.WithLabelValues(method, "dropped").Add(float64(dropped))
	if failed {
		c.ForwardErrors.WithLabelValues(method).Inc()
	}
	c.ForwardDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordSpool records the spool size after a forwarding cycle
func (c *Collector) RecordSpool(bytes int64, chunks int) {
	if c == nil {
		return
	}
	c.SpoolBytes.Set(float64(bytes))
	c.SpoolChunks.Set(float64(chunks))
}

// RecordSpoolEviction records spooled messages dropped by age or size
func (c *Collector) RecordSpoolEviction(reason string, messages int) {
	if c == nil || messages == 0 {
		return
	}
	c.SpoolEvicted.WithLabelValues(reason).Add(float64(messages))
}

// RecordJob records one worker pool job
func (c *Collector) RecordJob(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.WorkerPoolJobs.WithLabelValues(status).Inc()
	c.WorkerJobDuration.Observe(d.Seconds())
}

// SetWorkers records the worker pool size
func (c *Collector) SetWorkers(n int) {
	if c == nil {
		return
	}
	c.WorkerPoolSize.Set(float64(n))
}

// SetBreakerState records the state of a circuit breaker
func (c *Collector) SetBreakerState(name string, state int, consecutiveFailures uint32) {
	if c == nil {
		return
	}
	c.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	c.CircuitBreakerConsecutive.WithLabelValues(name).Set(float64(consecutiveFailures))
}

// SetHealth records the health of a component
func (c *Collector) SetHealth(component string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.HealthStatus.WithLabelValues(component).Set(v)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh

	c.collectSystemMetrics()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the system metrics loop
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
