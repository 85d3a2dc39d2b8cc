package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgecomet/prerender/internal/common/logger"
)

// stubRenderer records dispatches. With syncPage set it completes inside RenderPage.
type stubRenderer struct {
	mu        sync.Mutex
	busy      bool
	syncPage  *Page
	rendering []*Job
	finished  []*Job
}

func (r *stubRenderer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *stubRenderer) setBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

func (r *stubRenderer) RenderPage(job *Job) {
	r.mu.Lock()
	r.rendering = append(r.rendering, job)
	page := r.syncPage
	r.mu.Unlock()

	if page != nil {
		job.Page = *page
		job.Complete()
	}
}

func (r *stubRenderer) JobFinished(job *Job) {
	r.mu.Lock()
	r.finished = append(r.finished, job)
	r.mu.Unlock()
}

func (r *stubRenderer) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rendering))
	for _, j := range r.rendering {
		ids = append(ids, j.ID)
	}
	return ids
}

type recordingMetrics struct {
	mu         sync.Mutex
	depth      int
	inFlight   bool
	rejections int
	renders    []Timing
	statuses   []int
}

func (m *recordingMetrics) SetQueueDepth(depth int) { m.mu.Lock(); m.depth = depth; m.mu.Unlock() }
func (m *recordingMetrics) SetInFlight(v bool)      { m.mu.Lock(); m.inFlight = v; m.mu.Unlock() }
func (m *recordingMetrics) RecordRejection()        { m.mu.Lock(); m.rejections++; m.mu.Unlock() }
func (m *recordingMetrics) RecordRender(status int, timing Timing) {
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.renders = append(m.renders, timing)
	m.mu.Unlock()
}

func newTestDispatcher(renderer Renderer, maxSize int) (*Dispatcher, *recordingMetrics, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	metrics := &recordingMetrics{}
	return NewDispatcher(renderer, maxSize, logger.ForProcess(zap.New(core), 0), metrics), metrics, logs
}

func job(id string) *Job {
	return NewJob(id, "10.0.0.1 Googlebot", "/"+id)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNewJob_Defaults(t *testing.T) {
	j := NewJob("id-1", "1.2.3.4 UA", "/path?x=1#!frag")

	assert.Equal(t, 500, j.Page.StatusCode)
	assert.Equal(t, "500 Internal Server Error", j.Page.HTML)
	assert.True(t, j.DispatchedAt.IsZero())
	assert.False(t, isClosed(j.Done()))
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	renderer := &stubRenderer{busy: true}
	d, metrics, logs := newTestDispatcher(renderer, 2)

	require.NoError(t, d.Enqueue(job("a")))
	require.NoError(t, d.Enqueue(job("b")))

	rejected := job("c")
	err := d.Enqueue(rejected)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, d.QueueLength())
	assert.Equal(t, 1, metrics.rejections)
	assert.Empty(t, renderer.dispatched())
	assert.False(t, isClosed(rejected.Done()))

	errLogs := logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == logger.CategoryError
	}).All()
	require.Len(t, errLogs, 1)
	assert.Equal(t, "/c", errLogs[0].ContextMap()["url"])
}

func TestEnqueue_InFlightJobNotCounted(t *testing.T) {
	renderer := &stubRenderer{}
	d, _, _ := newTestDispatcher(renderer, 2)

	require.NoError(t, d.Enqueue(job("d")))
	assert.True(t, d.InFlight())
	assert.Equal(t, 0, d.QueueLength())

	require.NoError(t, d.Enqueue(job("a")))
	require.NoError(t, d.Enqueue(job("b")))
	assert.ErrorIs(t, d.Enqueue(job("c")), ErrQueueFull)

	assert.Equal(t, []string{"d"}, renderer.dispatched())
	assert.Equal(t, 2, d.QueueLength())
}

func TestDispatch_FIFOAndSingleConcurrency(t *testing.T) {
	renderer := &stubRenderer{}
	d, metrics, _ := newTestDispatcher(renderer, 10)

	jobs := []*Job{job("a"), job("b"), job("c")}
	for _, j := range jobs {
		require.NoError(t, d.Enqueue(j))
	}

	assert.Equal(t, []string{"a"}, renderer.dispatched())
	assert.Equal(t, 2, d.QueueLength())
	assert.True(t, metrics.inFlight)

	jobs[0].Page = Page{StatusCode: 200, HTML: "<html>a</html>"}
	jobs[0].Complete()
	assert.True(t, isClosed(jobs[0].Done()))
	assert.Equal(t, []string{"a", "b"}, renderer.dispatched())

	jobs[1].Complete()
	assert.Equal(t, []string{"a", "b", "c"}, renderer.dispatched())

	jobs[2].Complete()
	assert.False(t, d.InFlight())
	assert.Equal(t, 0, d.QueueLength())
	assert.False(t, metrics.inFlight)
	assert.Equal(t, []int{200, 500, 500}, metrics.statuses)
	assert.Len(t, renderer.finished, 3)
}

func TestDispatch_WaitsForIdleRenderer(t *testing.T) {
	renderer := &stubRenderer{busy: true}
	d, _, _ := newTestDispatcher(renderer, 10)

	require.NoError(t, d.Enqueue(job("a")))
	d.TryDispatch()
	assert.Empty(t, renderer.dispatched())
	assert.False(t, d.InFlight())

	renderer.setBusy(false)
	d.TryDispatch()
	assert.Equal(t, []string{"a"}, renderer.dispatched())

	// already in flight, a second attempt is a no-op
	require.NoError(t, d.Enqueue(job("b")))
	d.TryDispatch()
	assert.Equal(t, []string{"a"}, renderer.dispatched())
}

func TestDispatch_EmptyQueueIsNoop(t *testing.T) {
	renderer := &stubRenderer{}
	d, _, _ := newTestDispatcher(renderer, 10)

	d.TryDispatch()
	assert.Empty(t, renderer.dispatched())
	assert.False(t, d.InFlight())
}

func TestDispatch_SynchronousRendererDrainsQueue(t *testing.T) {
	renderer := &stubRenderer{busy: true, syncPage: &Page{StatusCode: 200, HTML: "ok"}}
	d, _, _ := newTestDispatcher(renderer, 10)

	jobs := []*Job{job("a"), job("b"), job("c")}
	for _, j := range jobs {
		require.NoError(t, d.Enqueue(j))
	}

	renderer.setBusy(false)
	d.TryDispatch()

	assert.Equal(t, []string{"a", "b", "c"}, renderer.dispatched())
	for _, j := range jobs {
		assert.True(t, isClosed(j.Done()))
		assert.Equal(t, 200, j.Page.StatusCode)
	}
	assert.False(t, d.InFlight())
}

func TestComplete_ComputesTiming(t *testing.T) {
	renderer := &stubRenderer{busy: true}
	d, metrics, logs := newTestDispatcher(renderer, 10)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	j := job("a")
	require.NoError(t, d.Enqueue(j))

	now = base.Add(120*time.Millisecond + 700*time.Microsecond)
	renderer.setBusy(false)
	d.TryDispatch()

	now = base.Add(1350*time.Millisecond + 900*time.Microsecond)
	j.Page = Page{StatusCode: 404, HTML: "missing"}
	j.Complete()

	// total 1350.9ms -> 1350, render 1230.2ms -> 1230
	assert.Equal(t, Timing{QueueMs: 120, RenderMs: 1230, TotalMs: 1350}, j.Timing)
	assert.Equal(t, []Timing{j.Timing}, metrics.renders)

	completed := logs.FilterMessage("Job completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	assert.Equal(t, int64(404), fields["status"])
	assert.Equal(t, int64(1350), fields["total_ms"])
	assert.Equal(t, "10.0.0.1 Googlebot", fields["client"])
	assert.Equal(t, logger.CategoryServer, completed[0].LoggerName)
}

func TestComplete_Idempotent(t *testing.T) {
	renderer := &stubRenderer{}
	d, metrics, _ := newTestDispatcher(renderer, 10)

	j := job("a")
	require.NoError(t, d.Enqueue(j))

	j.Complete()
	j.Complete()

	assert.Len(t, renderer.finished, 1)
	assert.Len(t, metrics.renders, 1)
}

func TestComplete_UndispatchedJobReleasesWaiter(t *testing.T) {
	j := job("a")
	j.Complete()
	assert.True(t, isClosed(j.Done()))
	assert.False(t, j.Dropped())
}

func TestStop_DropsQueuedJobs(t *testing.T) {
	renderer := &stubRenderer{}
	d, metrics, _ := newTestDispatcher(renderer, 10)

	inFlight, queued1, queued2 := job("a"), job("b"), job("c")
	require.NoError(t, d.Enqueue(inFlight))
	require.NoError(t, d.Enqueue(queued1))
	require.NoError(t, d.Enqueue(queued2))

	assert.Equal(t, 2, d.Stop())
	assert.Equal(t, 0, d.Stop())

	for _, j := range []*Job{queued1, queued2} {
		assert.True(t, isClosed(j.Done()))
		assert.True(t, j.Dropped())
	}
	assert.Equal(t, 0, d.QueueLength())
	assert.Equal(t, 0, metrics.depth)
	assert.ErrorIs(t, d.Enqueue(job("d")), ErrStopped)

	// the in-flight job still completes, nothing further is dispatched
	inFlight.Complete()
	assert.True(t, isClosed(inFlight.Done()))
	assert.False(t, inFlight.Dropped())
	assert.False(t, d.InFlight())
	assert.Equal(t, []string{"a"}, renderer.dispatched())
}

func TestDispatcher_ConcurrentEnqueue(t *testing.T) {
	renderer := &stubRenderer{syncPage: &Page{StatusCode: 200, HTML: "ok"}}
	d, _, _ := newTestDispatcher(renderer, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := job("x")
			if err := d.Enqueue(j); err == nil {
				<-j.Done()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, renderer.dispatched(), 50)
	// JobFinished runs after the waiter is released
	assert.Eventually(t, func() bool {
		renderer.mu.Lock()
		finished := len(renderer.finished)
		renderer.mu.Unlock()
		return finished == 50 && !d.InFlight()
	}, time.Second, 5*time.Millisecond)
}
