// Package worker provides the generic worker pool behind slot dispatch and
// asynchronous completions.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/European-XFEL/Karabo-sub009/metric"
)

// Pool represents a generic worker pool that can process any work type T.
// A pool with a single worker processes items strictly in submission order.
type Pool[T any] struct {
	// Configuration
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onError   func(T, error)

	// Runtime state
	workChan chan T
	quit     chan struct{}
	quitOnce sync.Once
	metrics  *Metrics
	wg       *sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64
	panicked  int64

	// Metrics configuration
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	// registered is set once the collectors are exported; Stop removes them.
	registered bool
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry configures the pool to register metrics with the runtime registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithErrorHandler installs a callback for items whose processing failed or
// panicked. A panic is reported as a *PanicError.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// PanicError carries a value recovered from a panicking processor.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in worker: %v", e.Value)
}

// NewPool creates a new generic worker pool with optional configuration
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10 // Default worker count
	}
	if queueSize <= 0 {
		queueSize = 1000 // Default queue size
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		quit:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

const metricsService = "worker_pool"

// initializeMetrics creates and registers metrics with the runtime registry
func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix
	constLabels := prometheus.Labels{"pool": prefix}

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "queue_depth",
		Help: "Current worker pool queue depth", ConstLabels: constLabels,
	})
	utilization := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "utilization",
		Help: "Worker pool utilization (0-1)", ConstLabels: constLabels,
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "submitted_total",
		Help: "Total work items submitted", ConstLabels: constLabels,
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "processed_total",
		Help: "Total work items processed", ConstLabels: constLabels,
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "failed_total",
		Help: "Total work items that failed processing", ConstLabels: constLabels,
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "dropped_total",
		Help: "Total work items dropped due to full queue", ConstLabels: constLabels,
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metric.Namespace, Subsystem: "worker", Name: "processing_duration_seconds",
		Help:        "Time spent processing work items",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		ConstLabels: constLabels,
	}, []string{"status"})

	collectors := map[string]prometheus.Collector{
		"_queue_depth":                 queueDepth,
		"_utilization":                 utilization,
		"_submitted_total":             submitted,
		"_processed_total":             processed,
		"_failed_total":                failed,
		"_dropped_total":               dropped,
		"_processing_duration_seconds": processingTime,
	}
	// A prefix still held by another pool keeps that pool's series; this
	// one then counts without exporting.
	var done []string
	for suffix, c := range collectors {
		if err := p.metricsRegistry.Register(metricsService, prefix+suffix, c); err != nil {
			for _, name := range done {
				p.metricsRegistry.Unregister(metricsService, name)
			}
			done = nil
			break
		}
		done = append(done, prefix+suffix)
	}
	p.registered = len(done) == len(collectors)

	p.metrics = &Metrics{
		queueDepth:     queueDepth,
		utilization:    utilization,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
}

// Submit submits work to the pool. Returns ErrQueueFull if the queue is full.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait blocks until the work is queued, ctx ends or the pool stops.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) checkOpen() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
		return nil
	}
}

func (p *Pool[T]) accepted() {
	atomic.AddInt64(&p.submitted, 1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if p.metrics != nil {
		p.wg.Add(1)
		go p.metricsUpdater(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue, lets workers drain it and waits up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	// Release blocked SubmitWait callers before taking the write lock.
	p.quitOnce.Do(func() { close(p.quit) })

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true
	p.unregisterMetrics()

	done := make(chan struct{})
	go func() {
		if p.wg != nil {
			p.wg.Wait()
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Panicked:   atomic.LoadInt64(&p.panicked),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panicked   int64 `json:"panicked"`
}

// worker processes work items from the queue
func (p *Pool[T]) worker(ctx context.Context, _ int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.process(ctx, work)
			duration := time.Since(start)

			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
				if p.onError != nil {
					p.onError(work, err)
				}
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}

// process runs the processor, turning a panic into a *PanicError so that one
// faulty handler cannot take the worker down.
func (p *Pool[T]) process(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			err = &PanicError{Value: r}
		}
	}()
	return p.processor(ctx, work)
}

func (p *Pool[T]) unregisterMetrics() {
	if !p.registered {
		return
	}
	for _, suffix := range []string{
		"_queue_depth", "_utilization", "_submitted_total", "_processed_total",
		"_failed_total", "_dropped_total", "_processing_duration_seconds",
	} {
		p.metricsRegistry.Unregister(metricsService, p.metricsPrefix+suffix)
	}
	p.registered = false
}

// metricsUpdater periodically updates utilization and queue depth metrics
func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			queueDepth := float64(len(p.workChan))
			p.metrics.queueDepth.Set(queueDepth)
			p.metrics.utilization.Set(queueDepth / float64(p.queueSize))
		}
	}
}
