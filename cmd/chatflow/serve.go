package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/scheduler"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/mcp"
	"github.com/rendis/chatflow/pkg/schema"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools, triggers and metrics",
		Long: "Serves the chatflow MCP tools over stdio, or over SSE when mcp.addr is set. " +
			"Also runs the configured triggers, watches the definitions dir and exposes Prometheus metrics and a live execution event stream (/events) on metrics.addr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}
			notifier := mcp.NewConversationNotifier(mcp.NewSessionRegistry(), configuredDeliverer(e.cfg.Gateway, e.logger))
			return runApp(cmd, e, appOptions{Deliverer: notifier}, func(ctx context.Context, a *app) error {
				return serve(ctx, e, a, notifier)
			})
		},
	}
}

// definitionPublisher saves to the store but reads through the cache, so
// file-authored definitions resolve too.
type definitionPublisher struct {
	store.DefinitionStore
	lookup store.DefinitionRepository
}

func (p definitionPublisher) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	return p.lookup.GetDefinition(ctx, id, version)
}

func serve(ctx context.Context, e *env, a *app, notifier *mcp.ConversationNotifier) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := e.logger

	srv := mcp.NewChatflowServer(mcp.ServerDeps{
		Engine:      a.engine,
		Definitions: definitionPublisher{DefinitionStore: a.store, lookup: a.cache},
		Validator:   a.validator,
		Templates:   a.templates,
		Notifier:    notifier,
		OnPublish:   func(id string, _ int) { a.cache.Invalidate(id) },
		Logger:      logger,
	})

	recoverPending(ctx, a, logger)

	if len(e.cfg.Triggers) > 0 {
		sched, err := scheduler.NewScheduler(a.engine, e.cfg.Triggers, scheduler.Options{
			Interval: e.cfg.Scheduler.Interval,
			Logger:   logger.With("component", "scheduler"),
		})
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if a.files != nil && e.cfg.Definitions.Watch {
		go func() {
			err := a.files.Watch(ctx, func(id string) { a.cache.Invalidate(id) })
			if err != nil {
				logger.Error("definitions watch stopped", "error", err)
			}
		}()
	}

	watchConfig(e, logger)

	var servers []*http.Server
	if addr := e.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.Handle("/events", streaming.Handler(a.events, logger))
		servers = append(servers, startHTTP(ctx, "metrics", addr, mux, logger, cancel))
	}
	defer func() {
		cancel()
		shutdownHTTP(servers, logger)
	}()

	if addr := e.cfg.MCP.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/mcp/", srv.SSEHandler("/mcp"))
		mux.Handle("/events", streaming.Handler(a.events, logger))
		servers = append(servers, startHTTP(ctx, "mcp", addr, mux, logger, cancel))
		logger.Info("chatflow serving", "mcp_sse", addr+"/mcp/sse")
		<-ctx.Done()
		return nil
	}

	logger.Info("chatflow serving", "mcp", "stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// recoverPending finishes executions an earlier process left mid-call.
func recoverPending(ctx context.Context, a *app, logger *slog.Logger) {
	running := schema.StatusRunning
	pending, err := a.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		logger.Warn("list interrupted executions", "error", err)
		return
	}
	for _, ec := range pending {
		if _, err := a.engine.Recover(ctx, ec.ExecutionID); err != nil {
			logger.Warn("recover execution", "execution_id", ec.ExecutionID, "error", err)
			continue
		}
		logger.Info("recovered execution", "execution_id", ec.ExecutionID)
	}
}

// watchConfig applies log level changes live and reports changes that need a
// restart.
func watchConfig(e *env, logger *slog.Logger) {
	if e.viper.ConfigFileUsed() == "" {
		return
	}
	current := e.cfg
	e.viper.OnConfigChange(func(ev fsnotify.Event) {
		next, err := decodeConfig(e.viper)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", ev.Name, "error", err)
			return
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			e.levelVar.Set(logging.ParseLevel(next.Log.Level))
			logger.Info("log level changed", "level", next.Log.Level)
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("config changed; restart to apply", "sections", diff.RestartNeeded)
		}
		current = next
	})
	e.viper.WatchConfig()
}

func startHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger, onFail context.CancelFunc) *http.Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("http listening", "server", name, "addr", addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "server", name, "error", err)
			onFail()
		}
	}()
	return s
}

func shutdownHTTP(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", "addr", s.Addr, "error", err)
		}
	}
}
