package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[greet]", IssueUnreachable, "node greet is not reachable from start")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[greet]", r.Errors[0].Path)
	assert.Equal(t, IssueUnreachable, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.True(t, r.HasCode(IssueUnreachable))
	assert.False(t, r.HasCode(IssueStartNode))
}

func TestValidationResult_WarningsKeepResultValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[route]", IssueBranchCoverage, "no is-undefined or default edge")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", IssueStartNode, "no start node")
	r2 := &ValidationResult{}
	r2.AddErrorf("edges[e1]", IssueDanglingEdge, "edge %s targets unknown node %s", "e1", "x")
	r2.AddWarning("/", IssueBranchCoverage, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
	assert.Equal(t, "edge e1 targets unknown node x", r1.Errors[1].Message)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", IssueStartNode, "no start node")

	err := r.ToError()
	require.Error(t, err)

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, "no start node", fe.Message)

	r.AddError("/", IssueUnreachable, "second")
	fe = AsFlowError(r.ToError(), ErrCodeStore)
	assert.Equal(t, "definition invalid: 2 errors", fe.Message)
	assert.Equal(t, 2, fe.Details["error_count"])
}
