package engine

import (
	"context"

	"github.com/rendis/chatflow/internal/gateway"
	"github.com/rendis/chatflow/pkg/schema"
)

// dispatch performs the pending actions in order, removing each one once it
// is done. A message delivery failure stops dispatch and leaves the rest
// pending for Recover. An integration failure fails the execution.
func (e *Engine) dispatch(ctx context.Context, r *run) error {
	ec := r.ec
	if len(ec.PendingActions) == 0 {
		return nil
	}

	var steps []*schema.ExecutionStep
	var dispatchErr error
	done := 0
	for _, action := range ec.PendingActions {
		if action.Kind == schema.ActionIntegration {
			step, failed := e.callIntegration(ctx, r, action)
			steps = append(steps, step)
			done++
			r.dispatched = append(r.dispatched, action)
			if failed {
				// Nothing queued behind a failed integration may run.
				done = len(ec.PendingActions)
				break
			}
			continue
		}

		if err := e.gateway.DeliverMessage(ctx, action.ConversationRef, action.Text); err != nil {
			e.logger.WarnContext(ctx, "message delivery failed", "node_id", action.NodeID, "action_id", action.ID, "error", err)
			dispatchErr = schema.AsFlowError(err, schema.ErrCodeDelivery)
			break
		}
		done++
		r.dispatched = append(r.dispatched, action)
	}

	if done == 0 && len(steps) == 0 {
		return dispatchErr
	}
	ec.PendingActions = append([]schema.OutboundAction(nil), ec.PendingActions[done:]...)
	if len(ec.PendingActions) == 0 {
		ec.PendingActions = nil
	}
	ec.UpdatedAt = e.now()
	if err := e.commit(ctx, ec, steps...); err != nil {
		return err
	}
	return dispatchErr
}

// integrationRecord is the input of a dispatch step.
type integrationRecord struct {
	ActionID   string         `json:"action_id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params,omitempty"`
}

// callIntegration performs one integration call, binds its result and
// returns the dispatch step recording it. failed reports that the execution
// was moved to failed.
func (e *Engine) callIntegration(ctx context.Context, r *run, action schema.OutboundAction) (*schema.ExecutionStep, bool) {
	ec := r.ec
	started := e.now()
	step := &schema.ExecutionStep{
		ExecutionID: ec.ExecutionID,
		StepIndex:   ec.TraceLength,
		NodeID:      action.NodeID,
		NodeType:    schema.NodeIntegration,
		Phase:       schema.PhaseDispatch,
		Input:       encodeJSON(integrationRecord{ActionID: action.ID, Capability: action.Capability, Params: action.Params}),
		StartedAt:   started,
	}
	ec.TraceLength++
	if n, ok := r.graph.Node(action.NodeID); ok {
		step.NodeType = n.Type
	}

	result, err := e.gateway.CallIntegration(ctx, action.Capability, action.Params, e.cfg.IntegrationTimeout)
	var value any
	found := false
	if err == nil {
		value, found, err = gateway.Narrow(result, action.ResultPath)
		if err != nil {
			err = schema.NewErrorf(schema.ErrCodeIntegrationCall, "result_path %q: %s", action.ResultPath, err.Error()).WithCause(err)
		}
	}
	step.DurationMs = e.now().Sub(started).Milliseconds()

	if err != nil {
		fe := integrationError(err).WithNode(action.NodeID)
		step.Error = &schema.ExecutionError{Code: fe.Code, Message: fe.Message, NodeID: action.NodeID}
		step.Output = encodeJSON(map[string]any{"error": fe.Message, "details": fe.Details})
		ec.Error = step.Error
		if ec.Status.Active() {
			if terr := e.fsm.Transition(ctx, ec, schema.StatusFailed); terr != nil {
				e.logger.ErrorContext(ctx, "fail execution after integration error", "error", terr)
			}
		}
		e.logger.WarnContext(ctx, "integration call failed", "node_id", action.NodeID, "capability", action.Capability, "code", fe.Code)
		return step, true
	}

	output := map[string]any{"result": value}
	if action.ResultVariable != "" {
		if found {
			if ec.Variables == nil {
				ec.Variables = make(map[string]any)
			}
			ec.Variables[action.ResultVariable] = value
		} else {
			delete(ec.Variables, action.ResultVariable)
			output["path_missing"] = true
		}
		output["variable"] = action.ResultVariable
	}
	step.Output = encodeJSON(output)
	return step, false
}

// integrationError keeps timeouts as INTEGRATION_TIMEOUT and reports every
// other gateway failure as INTEGRATION_CALL_ERROR.
func integrationError(err error) *schema.FlowError {
	fe := schema.AsFlowError(err, schema.ErrCodeIntegrationCall)
	if fe.Code == schema.ErrCodeIntegrationTimeout || fe.Code == schema.ErrCodeIntegrationCall {
		return &schema.FlowError{Code: fe.Code, Message: fe.Message, Details: fe.Details, Cause: err}
	}
	details := map[string]any{"gateway_code": fe.Code}
	for k, v := range fe.Details {
		details[k] = v
	}
	return &schema.FlowError{Code: schema.ErrCodeIntegrationCall, Message: fe.Message, Details: details, Cause: err}
}
