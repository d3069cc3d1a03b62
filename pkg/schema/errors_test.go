package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeNoMatchingBranch, "no edge for %q", "maybe").WithNode("route")
	assert.Equal(t, `[NO_MATCHING_BRANCH] node route: no edge for "maybe"`, err.Error())

	plain := NewError(ErrCodeStore, "disk full")
	assert.Equal(t, "[STORE_ERROR] disk full", plain.Error())
}

func TestFlowError_UnwrapAndIsCode(t *testing.T) {
	cause := context.DeadlineExceeded
	err := NewError(ErrCodeIntegrationTimeout, "crm timed out").WithCause(cause)
	wrapped := fmt.Errorf("drive: %w", err)

	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
	assert.True(t, IsCode(wrapped, ErrCodeIntegrationTimeout))
	assert.False(t, IsCode(wrapped, ErrCodeIntegrationCall))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeIntegrationTimeout))
}

func TestAsFlowError(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeNodeConfig))

	fe := AsFlowError(errors.New("boom"), ErrCodeNodeConfig)
	assert.Equal(t, ErrCodeNodeConfig, fe.Code)
	assert.Equal(t, "boom", fe.Message)

	orig := NewError(ErrCodeLoopGuardExceeded, "too many steps")
	assert.Same(t, orig, AsFlowError(fmt.Errorf("x: %w", orig), ErrCodeNodeConfig))
}

func TestNewExecutionError(t *testing.T) {
	assert.Nil(t, NewExecutionError(nil, ErrCodeNodeConfig))

	ee := NewExecutionError(NewError(ErrCodeNoMatchingBranch, "none").WithNode("c1"), ErrCodeNodeConfig)
	require.NotNil(t, ee)
	assert.Equal(t, ErrCodeNoMatchingBranch, ee.Code)
	assert.Equal(t, "c1", ee.NodeID)
}

func TestExecutionStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusWaitingForInput.Terminal())
	assert.True(t, StatusWaitingForInput.Active())
	assert.False(t, StatusFailed.Active())
}

func TestNodeType(t *testing.T) {
	assert.True(t, NodeJump.Known())
	assert.False(t, NodeType("loop").Known())
	assert.True(t, NodeCondition.Branching())
	assert.False(t, NodeMessage.Branching())
}
