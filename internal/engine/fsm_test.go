package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		want     bool
	}{
		{schema.StatusRunning, schema.StatusWaitingForInput, true},
		{schema.StatusRunning, schema.StatusCompleted, true},
		{schema.StatusRunning, schema.StatusFailed, true},
		{schema.StatusRunning, schema.StatusAborted, true},
		{schema.StatusWaitingForInput, schema.StatusRunning, true},
		{schema.StatusWaitingForInput, schema.StatusAborted, true},
		{schema.StatusWaitingForInput, schema.StatusFailed, true},
		{schema.StatusWaitingForInput, schema.StatusCompleted, false},
		{schema.StatusRunning, schema.StatusRunning, false},
		{schema.StatusCompleted, schema.StatusRunning, false},
		{schema.StatusFailed, schema.StatusWaitingForInput, false},
		{schema.StatusAborted, schema.StatusRunning, false},
		{"", schema.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestStatusFSM_Transition(t *testing.T) {
	fsm := NewStatusFSM()
	ec := &schema.ExecutionContext{ExecutionID: "e1", Status: schema.StatusRunning}

	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StatusWaitingForInput))
	assert.Equal(t, schema.StatusWaitingForInput, ec.Status)

	err := fsm.Transition(context.Background(), ec, schema.StatusCompleted)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.StatusWaitingForInput, ec.Status, "status unchanged on invalid transition")
}

func TestStatusFSM_Hooks(t *testing.T) {
	fsm := NewStatusFSM()
	var calls []string
	fsm.OnBefore(schema.StatusRunning, schema.StatusCompleted, func(_ context.Context, ec *schema.ExecutionContext, from, to schema.ExecutionStatus) error {
		calls = append(calls, "before:"+string(ec.Status))
		return nil
	})
	fsm.OnAfter(schema.StatusRunning, schema.StatusCompleted, func(_ context.Context, ec *schema.ExecutionContext, from, to schema.ExecutionStatus) error {
		calls = append(calls, "after:"+string(ec.Status))
		return nil
	})
	fsm.OnAfter(schema.StatusRunning, schema.StatusFailed, func(context.Context, *schema.ExecutionContext, schema.ExecutionStatus, schema.ExecutionStatus) error {
		calls = append(calls, "unrelated")
		return nil
	})

	ec := &schema.ExecutionContext{Status: schema.StatusRunning}
	require.NoError(t, fsm.Transition(context.Background(), ec, schema.StatusCompleted))
	assert.Equal(t, []string{"before:running", "after:completed"}, calls)
}

func TestStatusFSM_BeforeHookVetoes(t *testing.T) {
	fsm := NewStatusFSM()
	veto := errors.New("not yet")
	fsm.OnBefore(schema.StatusWaitingForInput, schema.StatusAborted, func(context.Context, *schema.ExecutionContext, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return veto
	})

	ec := &schema.ExecutionContext{Status: schema.StatusWaitingForInput}
	err := fsm.Transition(context.Background(), ec, schema.StatusAborted)
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, schema.StatusWaitingForInput, ec.Status)
}

func TestEngineFSM_FinishedHookSeesTerminalStatus(t *testing.T) {
	env := newTestEnv(t, Config{}, greetingFlow())
	var finished []schema.ExecutionStatus
	env.engine.FSM().OnAfter(schema.StatusWaitingForInput, schema.StatusAborted, func(_ context.Context, ec *schema.ExecutionContext, _, to schema.ExecutionStatus) error {
		finished = append(finished, ec.Status)
		return nil
	})

	ctx := context.Background()
	out, err := env.engine.Start(ctx, "greet", 1, "conv", nil)
	require.NoError(t, err)
	_, err = env.engine.Abort(ctx, out.Execution.ExecutionID, "bye")
	require.NoError(t, err)
	assert.Equal(t, []schema.ExecutionStatus{schema.StatusAborted}, finished)
}
