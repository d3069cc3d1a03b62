// Package mcp exposes the chatflow engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// Engine is the set of engine operations the tools call. Satisfied by
// *engine.Engine.
type Engine interface {
	Start(ctx context.Context, definitionID string, version int, conversationRef string, vars map[string]any) (*engine.Outcome, error)
	Resume(ctx context.Context, executionID string, event *schema.InboundEvent) (*engine.Outcome, error)
	Abort(ctx context.Context, executionID, reason string) (*schema.ExecutionContext, error)
	GetTrace(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error)
	Status(ctx context.Context, executionID string) (*schema.ExecutionContext, error)
}

// DefinitionStore persists published definitions.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
}

// Validator runs the static definition checks. Satisfied by
// *validation.Validator.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Templates renders stored templates. Satisfied by *templates.Instantiator.
type Templates interface {
	Instantiate(ctx context.Context, id string, version int, params map[string]any) (*schema.WorkflowDefinition, error)
}

// ServerDeps holds the dependencies for creating a ChatflowServer.
type ServerDeps struct {
	Engine      Engine
	Definitions DefinitionStore
	Validator   Validator
	Templates   Templates
	// Notifier, when set, routes outbound messages of conversations started
	// through this server back to the calling client.
	Notifier *ConversationNotifier
	// OnPublish runs after chatflow.define stores a definition, typically to
	// invalidate the definition cache.
	OnPublish func(id string, version int)
	Logger    *slog.Logger
}

// ChatflowServer wraps an MCP server with the chatflow tool handlers.
type ChatflowServer struct {
	engine      Engine
	definitions DefinitionStore
	validator   Validator
	templates   Templates
	notifier    *ConversationNotifier
	onPublish   func(id string, version int)
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewChatflowServer creates a ChatflowServer with every tool registered.
func NewChatflowServer(deps ServerDeps) *ChatflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChatflowServer{
		engine:      deps.Engine,
		definitions: deps.Definitions,
		validator:   deps.Validator,
		templates:   deps.Templates,
		notifier:    deps.Notifier,
		onPublish:   deps.OnPublish,
		logger:      logger.With("component", "mcp"),
	}

	hooks := &server.Hooks{}
	if s.notifier != nil {
		hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
			s.notifier.Sessions().Remove(session.SessionID())
		})
	}

	mcpSrv := server.NewMCPServer(
		"chatflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Chatflow runs conversational workflows. Use chatflow.define to publish a definition, "+
			"chatflow.start to begin a conversation, chatflow.resume to deliver user input to a waiting execution, "+
			"chatflow.status and chatflow.trace to inspect it, and chatflow.abort to stop it."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.notifier != nil {
		s.notifier.attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChatflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler serves the tools over HTTP with server-sent events, mounted at
// basePath (for example "/mcp"). Outbound notifications reach SSE clients
// the same way they reach stdio ones.
func (s *ChatflowServer) SSEHandler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChatflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ChatflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("chatflow.start",
		mcp.WithDescription("Start an execution of a published definition for a conversation"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the definition to run")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithString("conversation_ref", mcp.Required(), mcp.Description("Opaque reference of the conversation")),
		mcp.WithObject("variables", mcp.Description("Initial variables; they win over Start node defaults")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("chatflow.resume",
		mcp.WithDescription("Deliver an inbound event to an execution waiting for input"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithString("type",
			mcp.Enum(string(schema.EventMessage), string(schema.EventTimer), string(schema.EventSystem)),
			mcp.Description("Event type (default: message)"),
		),
		mcp.WithString("text", mcp.Description("Message text")),
		mcp.WithObject("payload", mcp.Description("Structured event payload")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("chatflow.abort",
		mcp.WithDescription("Abort an active execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is aborted")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("chatflow.trace",
		mcp.WithDescription("Get the step trace of an execution, as JSON or as a diagram overlay"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("format",
			mcp.Enum("json", "mermaid", "ascii"),
			mcp.Description("Output format (default: json)"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chatflow.status",
		mcp.WithDescription("Get the current execution context"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("chatflow.validate",
		mcp.WithDescription("Run the static checks on a definition without publishing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("chatflow.define",
		mcp.WithDescription("Validate and publish a definition, given directly or rendered from a template"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("template_id", mcp.Description("Template to render instead of a definition")),
		mcp.WithNumber("template_version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("params", mcp.Description("Template parameters")),
	)
}
