/*
state.go - Durable agent state carried on the task

The blob is read at the start of every task execution attempt and
rewritten after each externally-observable step, so a crash or retry
resumes the protocol instead of duplicating it.
*/
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/loyalty-engine/tasks"
)

// AgentState is the per-task saga state.
type AgentState struct {
	// CustomerCardRef is the idempotency key presented to the partner.
	// Generated once per fresh attempt, before any network call.
	CustomerCardRef string `json:"customer_card_ref"`

	// MightNeedReversal is set when a prior registration's outcome is
	// ambiguous and a compensating reversal must run before any retry.
	MightNeedReversal bool `json:"might_need_reversal"`
}

// LoadState reads the agent state blob from the task. A task that has
// never run returns a zero state.
func LoadState(ctx context.Context, task tasks.Task) (AgentState, error) {
	var st AgentState
	blob, err := task.State(ctx)
	if err != nil {
		return st, fmt.Errorf("load agent state: %w", err)
	}
	if len(blob) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(blob, &st); err != nil {
		return st, fmt.Errorf("decode agent state: %w", err)
	}
	return st, nil
}

// SaveState persists the state blob. Must complete before the next
// externally-observable step.
func SaveState(ctx context.Context, task tasks.Task, st AgentState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode agent state: %w", err)
	}
	if err := task.SaveState(ctx, blob); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}
