package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// handleStart begins an execution and binds the conversation to the calling session.
func (s *ChatflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	convRef, err := req.RequireString("conversation_ref")
	if err != nil {
		return mcp.NewToolResultError("conversation_ref is required"), nil
	}
	version := req.GetInt("version", 0)
	vars := mcp.ParseStringMap(req, "variables", nil)

	s.captureSession(ctx, convRef)

	outcome, startErr := s.engine.Start(ctx, defID, version, convRef, vars)
	return s.outcomeResult("start", outcome, startErr)
}

// handleResume delivers an inbound event to a waiting execution.
func (s *ChatflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	event := &schema.InboundEvent{
		Type:       schema.EventType(req.GetString("type", string(schema.EventMessage))),
		Text:       req.GetString("text", ""),
		Payload:    mcp.ParseStringMap(req, "payload", nil),
		ReceivedAt: time.Now().UTC(),
	}

	if ec, statusErr := s.engine.Status(ctx, execID); statusErr == nil {
		s.captureSession(ctx, ec.ConversationRef)
	}

	outcome, resumeErr := s.engine.Resume(ctx, execID, event)
	return s.outcomeResult("resume", outcome, resumeErr)
}

// handleAbort stops an active execution.
func (s *ChatflowServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "aborted via mcp")

	ec, abortErr := s.engine.Abort(ctx, execID, reason)
	if abortErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", abortErr)), nil
	}
	return marshalResult(ec)
}

// handleStatus returns the execution context.
func (s *ChatflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ec, statusErr := s.engine.Status(ctx, execID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(ec)
}

// handleTrace returns the trace as JSON, or renders it over the definition graph.
func (s *ChatflowServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	format := req.GetString("format", "json")
	if format != "json" && format != "mermaid" && format != "ascii" {
		return mcp.NewToolResultError("format must be json, mermaid, or ascii"), nil
	}

	steps, traceErr := s.engine.GetTrace(ctx, execID)
	if traceErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace query failed: %v", traceErr)), nil
	}
	if format == "json" {
		return marshalResult(map[string]any{"execution_id": execID, "steps": steps})
	}

	ec, statusErr := s.engine.Status(ctx, execID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	if s.definitions == nil {
		return mcp.NewToolResultError("diagram rendering needs a definition store"), nil
	}
	def, defErr := s.definitions.GetDefinition(ctx, ec.DefinitionID, ec.DefinitionVersion)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", defErr)), nil
	}
	model, buildErr := diagram.Build(def, ec, steps)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}
	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
}

// handleValidate runs the static checks without publishing.
func (s *ChatflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	result := s.validator.Validate(def)
	return marshalResult(map[string]any{
		"ok":       result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleDefine validates and publishes a definition. A version of 0 is
// assigned the next free version by the store.
func (s *ChatflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if templateID := req.GetString("template_id", ""); templateID != "" {
		if def != nil {
			return mcp.NewToolResultError("definition and template_id are mutually exclusive"), nil
		}
		if s.templates == nil {
			return mcp.NewToolResultError("templates are not configured"), nil
		}
		params := mcp.ParseStringMap(req, "params", nil)
		rendered, renderErr := s.templates.Instantiate(ctx, templateID, req.GetInt("template_version", 0), params)
		if renderErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template instantiation failed: %v", renderErr)), nil
		}
		def = rendered
	}
	if def == nil {
		return mcp.NewToolResultError("one of definition or template_id is required"), nil
	}

	result := s.validator.Validate(def)
	if !result.Valid() {
		return marshalResult(map[string]any{
			"ok":       false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	if saveErr := s.definitions.SaveDefinition(ctx, def); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", saveErr)), nil
	}
	if s.onPublish != nil {
		s.onPublish(def.ID, def.Version)
	}
	s.logger.Info("definition published", "definition_id", def.ID, "version", def.Version)

	return marshalResult(map[string]any{
		"ok":       true,
		"id":       def.ID,
		"version":  def.Version,
		"warnings": result.Warnings,
	})
}

// outcomeResult renders a Start/Resume outcome. A delivery failure still
// carries the committed execution, so the client learns its ID and can retry.
func (s *ChatflowServer) outcomeResult(op string, outcome *engine.Outcome, err error) (*mcp.CallToolResult, error) {
	if err == nil {
		return marshalResult(outcome)
	}
	if schema.IsCode(err, schema.ErrCodeDelivery) && outcome != nil && outcome.Execution != nil {
		s.logger.Warn("outbound delivery failed", "op", op, "execution_id", outcome.Execution.ExecutionID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s committed but delivery failed (execution_id %s): %v",
			op, outcome.Execution.ExecutionID, err)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err)), nil
}

// definitionArg decodes the optional "definition" object argument.
func definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	if def.ID == "" {
		return nil, errors.New("definition id is required")
	}
	return &def, nil
}

// captureSession binds the conversation to the caller's MCP session for notifications.
func (s *ChatflowServer) captureSession(ctx context.Context, conversationRef string) {
	if s.notifier == nil || conversationRef == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.notifier.Sessions().Register(conversationRef, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
