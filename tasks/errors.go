package tasks

import "errors"

var (
	// ErrTaskNotFound is returned when re-queueing a task the queue no
	// longer knows about.
	ErrTaskNotFound = errors.New("task not found")
)
