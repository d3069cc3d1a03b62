// Package engine drives workflow executions: it walks a compiled graph node
// by node, records every evaluation in the execution trace, suspends on
// input, and dispatches outbound actions only after the step that decided
// them is durably committed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/internal/lock"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/metrics"
	"github.com/rendis/chatflow/internal/nodes"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

// GraphSource resolves compiled graphs. Satisfied by *repository.Cache.
type GraphSource interface {
	Graph(ctx context.Context, id string, version int) (*graph.Graph, error)
}

// Gateway performs outbound actions. Satisfied by *gateway.Gateway.
type Gateway interface {
	DeliverMessage(ctx context.Context, conversationRef, text string) error
	CallIntegration(ctx context.Context, capability string, params map[string]any, timeout time.Duration) (any, error)
}

// DefinitionValidator runs the static checks. Satisfied by
// *validation.Validator.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Deps are the engine's collaborators. Store, Definitions, Gateway and
// Evaluator are required.
type Deps struct {
	Store       store.ExecutionStore
	Definitions GraphSource
	Gateway     Gateway
	Evaluator   nodes.Evaluator
	// Locks defaults to an in-process lock.
	Locks lock.Provider
	// Validator, when set, checks each definition version once before its
	// first execution.
	Validator DefinitionValidator
	// Events, when set, receives a notification after every commit.
	Events    EventPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// EventPublisher receives live execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.Event) error
}

// Outcome is the result of an engine call: the execution after the call and
// the actions this call dispatched.
type Outcome struct {
	Execution *schema.ExecutionContext `json:"execution"`
	Actions   []schema.OutboundAction  `json:"actions,omitempty"`
}

// Engine runs executions. It holds no per-execution state between calls, so
// any number of executions progress concurrently and a resume is a plain
// load of the persisted context.
type Engine struct {
	store     store.ExecutionStore
	defs      GraphSource
	gateway   Gateway
	evaluator nodes.Evaluator
	locks     lock.Provider
	validator DefinitionValidator
	events    EventPublisher
	fsm       *StatusFSM
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	validated sync.Map // "id@version" -> checkedDefinition

	now   func() time.Time
	newID func() string
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: store is required")
	case deps.Definitions == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: definition source is required")
	case deps.Gateway == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: gateway is required")
	case deps.Evaluator == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: evaluator is required")
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewLocalProvider()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		store:     deps.Store,
		defs:      deps.Definitions,
		gateway:   deps.Gateway,
		evaluator: deps.Evaluator,
		locks:     deps.Locks,
		validator: deps.Validator,
		events:    deps.Events,
		fsm:       NewStatusFSM(),
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "engine"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	e.registerHooks()
	return e, nil
}

// FSM exposes the status machine so callers can add hooks.
func (e *Engine) FSM() *StatusFSM { return e.fsm }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) registerHooks() {
	finished := func(ctx context.Context, ec *schema.ExecutionContext, from, to schema.ExecutionStatus) error {
		e.metrics.ExecutionFinished(ec.DefinitionID, string(to))
		attrs := []any{"definition_id", ec.DefinitionID, "status", to, "steps", ec.StepCount}
		if ec.Error != nil {
			attrs = append(attrs, "error_code", ec.Error.Code)
		}
		e.logger.InfoContext(ctx, "execution finished", attrs...)
		return nil
	}
	for _, from := range []schema.ExecutionStatus{schema.StatusRunning, schema.StatusWaitingForInput} {
		for _, to := range []schema.ExecutionStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusAborted} {
			if IsValidTransition(from, to) {
				e.fsm.OnAfter(from, to, finished)
			}
		}
	}
}

// Start creates an execution of definitionID at its Start node and drives it
// until it suspends or ends. version <= 0 selects the latest version.
// On DELIVERY_ERROR the outcome is returned along with the error so the
// caller can Recover the execution.
func (e *Engine) Start(ctx context.Context, definitionID string, version int, conversationRef string, vars map[string]any) (*Outcome, error) {
	g, err := e.defs.Graph(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}
	def := g.Definition()
	if err := e.checkDefinition(def); err != nil {
		return nil, err
	}
	initial, err := expressions.NormalizeMap(vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "initial variables: %s", err.Error()).WithCause(err)
	}

	now := e.now()
	ec := &schema.ExecutionContext{
		ExecutionID:       e.newID(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		ConversationRef:   conversationRef,
		CurrentNodeID:     g.Start().ID,
		Status:            schema.StatusRunning,
		Variables:         initial,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	ctx = logging.WithExecution(ctx, ec.ExecutionID, conversationRef)
	e.metrics.ExecutionStarted(def.ID)
	e.logger.InfoContext(ctx, "execution started", "definition_id", def.ID, "version", def.Version)

	var out *Outcome
	err = e.locks.WithExecutionLock(ctx, ec.ExecutionID, func(ctx context.Context) error {
		var derr error
		out, derr = e.drive(ctx, ec, g, nil)
		return derr
	})
	return out, err
}

// Resume delivers event to an execution waiting for input and drives it.
// Executions in any other status fail with INVALID_TRANSITION. Concurrent
// resumes of one execution are serialized by the execution lock.
func (e *Engine) Resume(ctx context.Context, executionID string, event *schema.InboundEvent) (*Outcome, error) {
	if event == nil {
		event = &schema.InboundEvent{Type: schema.EventMessage}
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = e.now()
	}

	var out *Outcome
	err := e.locks.WithExecutionLock(ctx, executionID, func(ctx context.Context) error {
		ec, err := e.store.LoadContext(ctx, executionID)
		if err != nil {
			return err
		}
		ctx = logging.WithExecution(ctx, ec.ExecutionID, ec.ConversationRef)
		if ec.Status != schema.StatusWaitingForInput {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s is %s, not waiting for input", executionID, ec.Status).
				WithDetails(map[string]any{"execution_id": executionID, "status": string(ec.Status)})
		}
		g, err := e.defs.Graph(ctx, ec.DefinitionID, ec.DefinitionVersion)
		if err != nil {
			return err
		}
		if err := e.fsm.Transition(ctx, ec, schema.StatusRunning); err != nil {
			return err
		}
		e.logger.DebugContext(ctx, "execution resumed", "node_id", ec.CurrentNodeID, "event_type", event.Type)
		out, err = e.drive(ctx, ec, g, event)
		return err
	})
	return out, err
}

// Abort stops an active execution with reason. Terminal executions are
// returned unchanged.
func (e *Engine) Abort(ctx context.Context, executionID, reason string) (*schema.ExecutionContext, error) {
	var result *schema.ExecutionContext
	err := e.locks.WithExecutionLock(ctx, executionID, func(ctx context.Context) error {
		ec, err := e.store.LoadContext(ctx, executionID)
		if err != nil {
			return err
		}
		result = ec
		if ec.Status.Terminal() {
			return nil
		}
		ctx = logging.WithExecution(ctx, ec.ExecutionID, ec.ConversationRef)
		if reason == "" {
			reason = "aborted"
		}
		ec.Error = &schema.ExecutionError{Code: schema.ErrCodeAborted, Message: reason, NodeID: ec.CurrentNodeID}
		ec.PendingActions = nil
		if err := e.fsm.Transition(ctx, ec, schema.StatusAborted); err != nil {
			return err
		}
		ec.UpdatedAt = e.now()
		return e.commit(ctx, ec)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTrace returns the execution's steps in order.
func (e *Engine) GetTrace(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error) {
	return e.store.ListSteps(ctx, executionID)
}

// Status loads the execution's current context.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.ExecutionContext, error) {
	return e.store.LoadContext(ctx, executionID)
}

// HandleEvent routes a conversation event: it resumes the conversation's
// active execution of definitionID, or starts a new one with the event
// payload bound to the variable "trigger". Routing holds the conversation's
// lock, so concurrent first events create a single execution.
func (e *Engine) HandleEvent(ctx context.Context, definitionID string, version int, conversationRef string, event *schema.InboundEvent) (*Outcome, error) {
	var out *Outcome
	err := e.locks.WithExecutionLock(ctx, conversationLockKey(definitionID, conversationRef), func(ctx context.Context) error {
		active, err := e.store.FindActive(ctx, definitionID, conversationRef)
		switch {
		case err == nil:
			out, err = e.Resume(ctx, active.ExecutionID, event)
			return err
		case !schema.IsCode(err, schema.ErrCodeNotFound):
			return err
		}

		trigger := map[string]any{}
		if event != nil && event.Payload != nil {
			trigger = event.Payload
		}
		out, err = e.Start(ctx, definitionID, version, conversationRef, map[string]any{"trigger": trigger})
		return err
	})
	return out, err
}

// conversationLockKey names the routing lock of one conversation. It is
// always taken before an execution lock, never after.
func conversationLockKey(definitionID, conversationRef string) string {
	return "conversation:" + definitionID + "/" + conversationRef
}

// Recover finishes work an interrupted call left behind: it dispatches the
// pending actions and, if the execution is still running, continues the
// drive loop.
func (e *Engine) Recover(ctx context.Context, executionID string) (*Outcome, error) {
	var out *Outcome
	err := e.locks.WithExecutionLock(ctx, executionID, func(ctx context.Context) error {
		ec, err := e.store.LoadContext(ctx, executionID)
		if err != nil {
			return err
		}
		ctx = logging.WithExecution(ctx, ec.ExecutionID, ec.ConversationRef)
		if ec.Status.Terminal() && len(ec.PendingActions) == 0 {
			out = &Outcome{Execution: ec}
			return nil
		}
		g, err := e.defs.Graph(ctx, ec.DefinitionID, ec.DefinitionVersion)
		if err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "recovering execution", "status", ec.Status, "pending_actions", len(ec.PendingActions))

		r := &run{ec: ec, graph: g}
		out = &Outcome{Execution: ec}
		if err := e.dispatch(ctx, r); err != nil {
			out.Actions = r.dispatched
			return err
		}
		if ec.Status != schema.StatusRunning {
			out.Actions = r.dispatched
			return nil
		}
		out, err = e.driveRun(ctx, r)
		return err
	})
	return out, err
}

// checkedDefinition is the validation outcome for one loaded definition.
type checkedDefinition struct {
	def *schema.WorkflowDefinition
	err error
}

// checkDefinition validates each loaded definition once. A definition
// republished under the same version arrives as a new value from the cache
// and is validated again.
func (e *Engine) checkDefinition(def *schema.WorkflowDefinition) error {
	if e.validator == nil {
		return nil
	}
	key := fmt.Sprintf("%s@%d", def.ID, def.Version)
	if v, ok := e.validated.Load(key); ok {
		if checked := v.(checkedDefinition); checked.def == def {
			return checked.err
		}
	}
	err := e.validator.ValidateDefinition(def)
	e.validated.Store(key, checkedDefinition{def: def, err: err})
	return err
}
