package dispatch

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the queue holds max_size jobs
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned by Enqueue after the dispatcher was stopped
	ErrStopped = errors.New("dispatcher is stopped")
)
