// Package dispatch admits render jobs into a bounded queue and hands them, one at a time,
// to a single rendering resource.
package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/logger"
)

// Renderer is the single rendering resource jobs are dispatched to
type Renderer interface {
	// Busy reports whether the renderer can not accept a job right now
	Busy() bool
	// RenderPage starts rendering job. It must return promptly and call job.Complete exactly once.
	RenderPage(job *Job)
	// JobFinished is called after the completed job's response was released
	JobFinished(job *Job)
}

// EngineListener receives renderer lifecycle notifications
type EngineListener interface {
	// EngineReady fires every time the renderer becomes able to take jobs
	EngineReady()
	// EngineTerminated fires once. err is nil for a requested shutdown.
	EngineTerminated(err error)
}

// Metrics receives dispatcher observations
type Metrics interface {
	SetQueueDepth(depth int)
	SetInFlight(inFlight bool)
	RecordRejection()
	RecordRender(statusCode int, timing Timing)
}

// Dispatcher owns the queue and the single in-flight slot.
// All state changes happen under mu; the renderer is always called outside it.
type Dispatcher struct {
	mu       sync.Mutex
	queue    *Queue
	inFlight *Job
	stopped  bool

	renderer Renderer
	metrics  Metrics
	logs     logger.Categories
	now      func() time.Time
}

func NewDispatcher(renderer Renderer, maxQueueSize int, logs logger.Categories, metrics Metrics) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		queue:    NewQueue(maxQueueSize),
		renderer: renderer,
		metrics:  metrics,
		logs:     logs,
		now:      time.Now,
	}
}

// Enqueue admits job at the tail of the queue and attempts a dispatch.
// Returns ErrQueueFull when the queue already holds its maximum; the job is then discarded.
func (d *Dispatcher) Enqueue(job *Job) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}

	if !d.queue.Push(job) {
		depth := d.queue.Len()
		d.mu.Unlock()

		d.metrics.RecordRejection()
		d.logs.Error.Warn("Queue full, rejecting request",
			zap.String("request_id", job.ID),
			zap.String("client", job.ClientIdentity),
			zap.String("url", job.TargetURL),
			zap.Int("queue_size", depth))
		return ErrQueueFull
	}

	job.EnqueuedAt = d.now()
	job.complete = d.complete
	depth := d.queue.Len()
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	d.logs.Server.Debug("Job queued",
		zap.String("request_id", job.ID),
		zap.String("client", job.ClientIdentity),
		zap.String("url", job.TargetURL),
		zap.Int("queue_size", depth))

	d.TryDispatch()
	return nil
}

// TryDispatch hands the head of the queue to the renderer when nothing is in flight
// and the renderer is idle. Safe to call at any time.
func (d *Dispatcher) TryDispatch() {
	d.mu.Lock()
	if d.stopped || d.inFlight != nil || d.queue.Len() == 0 || d.renderer.Busy() {
		d.mu.Unlock()
		return
	}

	job := d.queue.Pop()
	job.DispatchedAt = d.now()
	d.inFlight = job
	depth := d.queue.Len()
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	d.metrics.SetInFlight(true)
	d.logs.Server.Info("Dispatching job",
		zap.String("request_id", job.ID),
		zap.String("client", job.ClientIdentity),
		zap.String("url", job.TargetURL),
		zap.Int("queue_size", depth))

	d.renderer.RenderPage(job)
}

// complete runs once per dispatched job, from job.Complete
func (d *Dispatcher) complete(job *Job) {
	job.computeTiming(d.now())

	d.logs.Server.Info("Job completed",
		zap.String("request_id", job.ID),
		zap.String("client", job.ClientIdentity),
		zap.Int64("queue_ms", job.Timing.QueueMs),
		zap.Int64("render_ms", job.Timing.RenderMs),
		zap.Int64("total_ms", job.Timing.TotalMs),
		zap.Int("status", job.Page.StatusCode),
		zap.String("url", job.TargetURL))
	d.metrics.RecordRender(job.Page.StatusCode, job.Timing)

	close(job.done)

	d.renderer.JobFinished(job)

	d.mu.Lock()
	if d.inFlight == job {
		d.inFlight = nil
	}
	d.mu.Unlock()
	d.metrics.SetInFlight(false)

	d.TryDispatch()
}

// Stop refuses further jobs and drops every queued one. Waiters of dropped jobs are released
// with Dropped reporting true. The in-flight job, if any, still completes normally.
// Returns the number of dropped jobs.
func (d *Dispatcher) Stop() int {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return 0
	}
	d.stopped = true
	dropped := d.queue.Drain()
	d.mu.Unlock()

	for _, job := range dropped {
		job.drop()
	}
	d.metrics.SetQueueDepth(0)

	if len(dropped) > 0 {
		d.logs.Error.Warn("Dropped queued jobs", zap.Int("count", len(dropped)))
	}
	return len(dropped)
}

// QueueLength is the number of jobs waiting, excluding the one in flight
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *Dispatcher) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight != nil
}

// Capacity is the configured maximum queue size
func (d *Dispatcher) Capacity() int {
	return d.queue.Cap()
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(int)        {}
func (noopMetrics) SetInFlight(bool)         {}
func (noopMetrics) RecordRejection()         {}
func (noopMetrics) RecordRender(int, Timing) {}
