package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MEMORY QUEUE - in-process implementation of the runtime contract
// =============================================================================

type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*memoryTask

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: make(map[string]*memoryTask), Now: time.Now}
}

func (q *MemoryQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *MemoryQueue) Enqueue(_ context.Context, params map[string]string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	t := &memoryTask{
		queue:  q,
		id:     uuid.NewString(),
		params: cp,
		status: StatusPending,
		runAt:  q.now(),
	}
	q.tasks[t.id] = t
	return t, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, t Task, delay time.Duration) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.tasks[t.ID()]
	if !ok {
		return time.Time{}, ErrTaskNotFound
	}
	at := q.now().Add(delay)
	mt.runAt = at
	return at, nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Task
	for _, t := range q.tasks {
		if (t.status == StatusPending || t.status == StatusWaiting) && !t.runAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// Audit returns a task's audit log, for tests and inspection.
func (q *MemoryQueue) Audit(taskID string) []AuditEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]AuditEntry, len(t.audit))
	copy(out, t.audit)
	return out
}

// =============================================================================
// MEMORY TASK
// =============================================================================

type memoryTask struct {
	queue  *MemoryQueue
	id     string
	params map[string]string
	status Status
	note   string
	runAt  time.Time
	state  []byte
	audit  []AuditEntry
}

func (t *memoryTask) ID() string { return t.id }

func (t *memoryTask) Params(_ context.Context) (map[string]string, error) {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	cp := make(map[string]string, len(t.params))
	for k, v := range t.params {
		cp[k] = v
	}
	return cp, nil
}

func (t *memoryTask) Status(_ context.Context) (Status, error) {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	return t.status, nil
}

func (t *memoryTask) UpdateStatus(_ context.Context, status Status, note string) error {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	t.status = status
	t.note = note
	return nil
}

func (t *memoryTask) AppendAudit(_ context.Context, e AuditEntry) error {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	t.audit = append(t.audit, e)
	return nil
}

func (t *memoryTask) State(_ context.Context) ([]byte, error) {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	if t.state == nil {
		return nil, nil
	}
	cp := make([]byte, len(t.state))
	copy(cp, t.state)
	return cp, nil
}

func (t *memoryTask) SaveState(_ context.Context, blob []byte) error {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	t.state = cp
	return nil
}
