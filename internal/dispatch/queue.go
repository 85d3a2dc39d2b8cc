package dispatch

// Queue is a bounded FIFO of pending jobs. It is not safe for concurrent use;
// the Dispatcher serializes every access under its lock.
type Queue struct {
	jobs    []*Job
	maxSize int
}

func NewQueue(maxSize int) *Queue {
	return &Queue{
		jobs:    make([]*Job, 0, maxSize),
		maxSize: maxSize,
	}
}

// Push appends job to the tail. Returns false without blocking when the queue is full.
func (q *Queue) Push(job *Job) bool {
	if len(q.jobs) >= q.maxSize {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

// Pop removes and returns the head, or nil when empty
func (q *Queue) Pop() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job
}

// Drain empties the queue and returns what it held, oldest first
func (q *Queue) Drain() []*Job {
	jobs := q.jobs
	q.jobs = make([]*Job, 0, q.maxSize)
	return jobs
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) Cap() int {
	return q.maxSize
}
