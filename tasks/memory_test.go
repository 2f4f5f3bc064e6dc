package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueIsImmediatelyDue(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }
	ctx := context.Background()

	task, err := q.Enqueue(ctx, map[string]string{"campaign_id": "points"})
	require.NoError(t, err)

	status, err := task.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	due, err := q.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID(), due[0].ID())

	params, err := due[0].Params(ctx)
	require.NoError(t, err)
	assert.Equal(t, "points", params["campaign_id"])
}

func TestMemoryQueue_RequeueDelaysExecution(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }
	ctx := context.Background()

	task, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	at, err := q.Requeue(ctx, task, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), at)

	due, err := q.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.Due(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryQueue_TerminalStatusesAreNotDue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	for _, status := range []Status{StatusSuccess, StatusFailed, StatusCancelled} {
		task, err := q.Enqueue(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, task.UpdateStatus(ctx, status, "done"))
	}
	waiting, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, waiting.UpdateStatus(ctx, StatusWaiting, "retrying"))

	due, err := q.Due(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, waiting.ID(), due[0].ID())
}

func TestMemoryTask_StateRoundTripsAcrossHandles(t *testing.T) {
	// Agent state saved through one handle must be visible through any
	// later handle for the same task id.
	q := NewMemoryQueue()
	ctx := context.Background()

	task, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	blob, err := task.State(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob, "fresh task has no state")

	require.NoError(t, task.SaveState(ctx, []byte(`{"customer_card_ref":"abc"}`)))

	due, err := q.Due(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	blob, err = due[0].State(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"customer_card_ref":"abc"}`, string(blob))
}

func TestMemoryQueue_AuditIsAppendOnly(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	task, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, task.AppendAudit(ctx, AuditEntry{Label: "token", Request: "req1"}))
	require.NoError(t, task.AppendAudit(ctx, AuditEntry{Label: "register", Request: "req2"}))

	audit := q.Audit(task.ID())
	require.Len(t, audit, 2)
	assert.Equal(t, "token", audit[0].Label)
	assert.Equal(t, "register", audit[1].Label)
}

func TestMemoryQueue_RequeueUnknownTask(t *testing.T) {
	q := NewMemoryQueue()
	other := NewMemoryQueue()
	task, err := other.Enqueue(context.Background(), nil)
	require.NoError(t, err)

	_, err = q.Requeue(context.Background(), task, time.Hour)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
