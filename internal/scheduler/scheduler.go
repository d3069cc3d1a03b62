// Package scheduler injects timer and system events into conversations on
// cron schedules. It sits outside the engine and talks to it only through
// HandleEvent, so a trigger either resumes the conversation's waiting
// execution or starts a new one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// DefaultInterval is how often due triggers are checked.
const DefaultInterval = time.Second

// EventSink receives trigger events. Satisfied by *engine.Engine.
type EventSink interface {
	HandleEvent(ctx context.Context, definitionID string, version int, conversationRef string, event *schema.InboundEvent) (*engine.Outcome, error)
}

// Trigger fires an event into one conversation on a cron schedule.
type Trigger struct {
	Name            string           `mapstructure:"name" validate:"required"`
	Schedule        string           `mapstructure:"schedule" validate:"required"`
	DefinitionID    string           `mapstructure:"definition" validate:"required"`
	Version         int              `mapstructure:"version" validate:"gte=0"`
	ConversationRef string           `mapstructure:"conversation_ref" validate:"required"`
	Event           schema.EventType `mapstructure:"event" validate:"omitempty,oneof=timer system"`
	Text            string           `mapstructure:"text"`
	Payload         map[string]any   `mapstructure:"payload"`
}

type job struct {
	trigger  Trigger
	schedule cron.Schedule
	next     time.Time
	lastErr  error
}

// Options tune a Scheduler.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler checks its triggers on a ticker and fires the due ones.
type Scheduler struct {
	sink     EventSink
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	jobsMu sync.Mutex
	jobs   []*job

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger names currently firing
}

// NewScheduler parses every trigger schedule and computes first run times.
func NewScheduler(sink EventSink, triggers []Trigger, opts Options) (*Scheduler, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		sink:     sink,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}

	seen := make(map[string]bool, len(triggers))
	now := s.now()
	for _, t := range triggers {
		if seen[t.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate trigger %q", t.Name)
		}
		seen[t.Name] = true
		sched, err := s.parser.Parse(t.Schedule)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger %q: parse schedule %q: %s", t.Name, t.Schedule, err.Error()).WithCause(err)
		}
		if t.Event == "" {
			t.Event = schema.EventTimer
		}
		s.jobs = append(s.jobs, &job{trigger: t, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "triggers", len(s.jobs), "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every trigger whose next run is due. A trigger that missed
// several runs fires once.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now()

	s.jobsMu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()

	fired := 0
	for _, j := range due {
		if !s.tryAcquire(j.trigger.Name) {
			continue
		}
		err := s.fire(ctx, j.trigger, now)
		s.jobsMu.Lock()
		j.lastErr = err
		j.next = j.schedule.Next(now)
		s.jobsMu.Unlock()
		s.release(j.trigger.Name)
		fired++
	}
	return fired
}

// Fire sends trigger name's event immediately, outside its schedule.
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	var found *job
	for _, j := range s.jobs {
		if j.trigger.Name == name {
			found = j
			break
		}
	}
	s.jobsMu.Unlock()
	if found == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", name)
	}
	if !s.tryAcquire(name) {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q is already firing", name)
	}
	defer s.release(name)
	return s.fire(ctx, found.trigger, s.now())
}

func (s *Scheduler) fire(ctx context.Context, t Trigger, now time.Time) error {
	payload := make(map[string]any, len(t.Payload)+2)
	maps.Copy(payload, t.Payload)
	payload["trigger_name"] = t.Name
	payload["fired_at"] = now.Format(time.RFC3339)

	event := &schema.InboundEvent{Type: t.Event, Text: t.Text, Payload: payload, ReceivedAt: now}
	out, err := s.sink.HandleEvent(ctx, t.DefinitionID, t.Version, t.ConversationRef, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "trigger failed",
			slog.String("trigger", t.Name),
			slog.String("definition_id", t.DefinitionID),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.InfoContext(ctx, "trigger fired",
		slog.String("trigger", t.Name),
		slog.String("execution_id", out.Execution.ExecutionID),
		slog.String("status", string(out.Execution.Status)),
	)
	return nil
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun reports when trigger name fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, j := range s.jobs {
		if j.trigger.Name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

// LastError reports the error of trigger name's most recent scheduled run.
func (s *Scheduler) LastError(name string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, j := range s.jobs {
		if j.trigger.Name == name {
			return j.lastErr
		}
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
