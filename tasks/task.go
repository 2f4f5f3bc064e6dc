/*
Package tasks defines the retryable task runtime contract the engine
consumes. The runtime itself (scheduling, backoff, worker processes) is
an external collaborator; this package only pins down what the issuance
code relies on:

  - persisted key/value parameters, read-only per execution
  - status transitions among PENDING/WAITING/SUCCESS/FAILED/CANCELLED
  - an append-only audit log, one entry per external request/response
  - one opaque state blob per task, readable across retries of the same
    task id, under a well-known parameter name
  - a helper that re-queues a task after a fixed delay

A memory-backed implementation lives in memory.go for the in-process
dispatcher and for tests; store/sqlite carries a persistent one.
*/
package tasks

import (
	"context"
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusWaiting   Status = "WAITING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AgentStateParam is the well-known parameter name under which a
// fulfillment agent's state blob is associated with its task.
const AgentStateParam = "agent_state"

// AuditEntry records one externally-observable request/response pair.
type AuditEntry struct {
	At       time.Time
	Label    string
	Request  string
	Response string
}

// Task is one unit of retryable work.
type Task interface {
	// ID is stable across retries of the same logical task.
	ID() string

	// Params returns the persisted key/value input. Read-only.
	Params(ctx context.Context) (map[string]string, error)

	// Status returns the current lifecycle state.
	Status(ctx context.Context) (Status, error)

	// UpdateStatus transitions the task, with an optional audit note.
	UpdateStatus(ctx context.Context, status Status, note string) error

	// AppendAudit appends to the task's audit log. Append-only.
	AppendAudit(ctx context.Context, e AuditEntry) error

	// State returns the opaque blob persisted for this task, or nil if
	// none has been written yet.
	State(ctx context.Context) ([]byte, error)

	// SaveState replaces the opaque blob. Must be durable before the
	// next externally-observable step runs.
	SaveState(ctx context.Context, blob []byte) error
}

// Queue creates tasks and schedules re-execution.
type Queue interface {
	// Enqueue creates a PENDING task due immediately.
	Enqueue(ctx context.Context, params map[string]string) (Task, error)

	// Requeue schedules the task to run again after the delay and
	// returns the scheduled time.
	Requeue(ctx context.Context, t Task, delay time.Duration) (time.Time, error)

	// Due returns tasks whose scheduled time has passed and which are
	// still in a runnable state (PENDING or WAITING).
	Due(ctx context.Context, now time.Time) ([]Task, error)
}
