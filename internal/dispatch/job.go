package dispatch

import (
	"sync"
	"time"
)

// Defaults a job carries until the renderer overwrites them
const (
	DefaultStatusCode = 500
	DefaultHTML       = "500 Internal Server Error"
)

// Page is the render result written back to the client
type Page struct {
	StatusCode int
	HTML       string
}

// Timing is computed once, at completion. Values are whole milliseconds, truncated.
type Timing struct {
	QueueMs  int64
	RenderMs int64
	TotalMs  int64
}

// Job is one render request from admission to completion.
//
// The handler goroutine that created the job owns the HTTP response. It waits on Done and
// then writes Page. The renderer writes Page between dispatch and Complete.
type Job struct {
	ID             string
	ClientIdentity string
	TargetURL      string

	Page Page

	EnqueuedAt   time.Time
	DispatchedAt time.Time
	Timing       Timing

	once     sync.Once
	done     chan struct{}
	dropped  bool
	complete func(*Job)
}

// NewJob creates a job with the 500 page defaults
func NewJob(id, clientIdentity, targetURL string) *Job {
	return &Job{
		ID:             id,
		ClientIdentity: clientIdentity,
		TargetURL:      targetURL,
		Page: Page{
			StatusCode: DefaultStatusCode,
			HTML:       DefaultHTML,
		},
		done: make(chan struct{}),
	}
}

// Complete signals that the renderer is done with the job. Only the first call has effect.
func (j *Job) Complete() {
	j.once.Do(func() {
		if j.complete != nil {
			j.complete(j)
			return
		}
		close(j.done)
	})
}

// Done is closed once the response may be written
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Dropped reports that the job was discarded from the queue without being rendered.
// Valid after Done is closed.
func (j *Job) Dropped() bool {
	return j.dropped
}

func (j *Job) drop() {
	j.once.Do(func() {
		j.dropped = true
		close(j.done)
	})
}

// computeTiming derives the three durations relative to now
func (j *Job) computeTiming(now time.Time) {
	total := now.Sub(j.EnqueuedAt).Milliseconds()
	render := now.Sub(j.DispatchedAt).Milliseconds()
	j.Timing = Timing{
		QueueMs:  total - render,
		RenderMs: render,
		TotalMs:  total,
	}
}
