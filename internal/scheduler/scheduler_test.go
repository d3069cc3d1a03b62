package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

type call struct {
	definitionID    string
	version         int
	conversationRef string
	event           *schema.InboundEvent
}

// recordingSink records HandleEvent calls and can be told to fail or block.
type recordingSink struct {
	mu    sync.Mutex
	calls []call
	err   error
	gate  chan struct{}
}

func (r *recordingSink) HandleEvent(_ context.Context, definitionID string, version int, conversationRef string, event *schema.InboundEvent) (*engine.Outcome, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{definitionID, version, conversationRef, event})
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Outcome{Execution: &schema.ExecutionContext{ExecutionID: "exec-1", Status: schema.StatusWaitingForInput}}, nil
}

func (r *recordingSink) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

var base = time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)

func newTestScheduler(t *testing.T, sink EventSink, triggers ...Trigger) *Scheduler {
	t.Helper()
	s, err := NewScheduler(sink, triggers, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	return s
}

// at pins the scheduler clock and resets every trigger's next run from it.
func at(s *Scheduler, now time.Time) {
	s.now = func() time.Time { return now }
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}
}

func reminder() Trigger {
	return Trigger{
		Name:            "daily-reminder",
		Schedule:        "0 10 * * *",
		DefinitionID:    "reminder",
		ConversationRef: "conv-42",
		Payload:         map[string]any{"kind": "nudge"},
	}
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(t, &recordingSink{})

	next, err := s.CalculateNextRun("*/15 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@hourly", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", base)
	assert.Error(t, err)
}

func TestNewScheduler_Errors(t *testing.T) {
	bad := reminder()
	bad.Schedule = "61 * * * *"
	_, err := NewScheduler(&recordingSink{}, []Trigger{bad}, Options{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewScheduler(&recordingSink{}, []Trigger{reminder(), reminder()}, Options{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestTick_FiresDueTriggers(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink, reminder())
	at(s, base)

	assert.Equal(t, 0, s.tick(context.Background()), "not due before 10:00")
	assert.Empty(t, sink.Calls())

	fireAt := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	s.now = func() time.Time { return fireAt }
	assert.Equal(t, 1, s.tick(context.Background()))

	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "reminder", calls[0].definitionID)
	assert.Equal(t, "conv-42", calls[0].conversationRef)
	assert.Equal(t, schema.EventTimer, calls[0].event.Type)
	assert.Equal(t, "nudge", calls[0].event.Payload["kind"])
	assert.Equal(t, "daily-reminder", calls[0].event.Payload["trigger_name"])
	assert.Equal(t, fireAt, calls[0].event.ReceivedAt)

	next, ok := s.NextRun("daily-reminder")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), next)

	assert.Equal(t, 0, s.tick(context.Background()), "already fired")
}

func TestTick_MissedRunsFireOnce(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink, reminder())
	at(s, base)

	s.now = func() time.Time { return base.Add(72 * time.Hour) }
	assert.Equal(t, 1, s.tick(context.Background()))
	assert.Len(t, sink.Calls(), 1)
}

func TestTick_ErrorRecorded(t *testing.T) {
	sink := &recordingSink{err: schema.NewError(schema.ErrCodeStore, "db down")}
	s := newTestScheduler(t, sink, reminder())
	at(s, base)

	s.now = func() time.Time { return base.Add(time.Hour) }
	assert.Equal(t, 1, s.tick(context.Background()))
	assert.True(t, schema.IsCode(s.LastError("daily-reminder"), schema.ErrCodeStore))

	next, _ := s.NextRun("daily-reminder")
	assert.True(t, next.After(base.Add(time.Hour)), "schedule advances after a failure")
}

func TestTick_SystemEventAndMultipleTriggers(t *testing.T) {
	sink := &recordingSink{}
	system := Trigger{
		Name: "sync", Schedule: "*/5 * * * *", DefinitionID: "crm-sync", Version: 2,
		ConversationRef: "ops", Event: schema.EventSystem, Text: "sync",
	}
	s := newTestScheduler(t, sink, reminder(), system)
	at(s, base)

	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	assert.Equal(t, 1, s.tick(context.Background()))
	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "crm-sync", calls[0].definitionID)
	assert.Equal(t, 2, calls[0].version)
	assert.Equal(t, schema.EventSystem, calls[0].event.Type)
	assert.Equal(t, "sync", calls[0].event.Text)
}

func TestFire(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, sink, reminder())

	require.NoError(t, s.Fire(context.Background(), "daily-reminder"))
	assert.Len(t, sink.Calls(), 1)

	err := s.Fire(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	sink.err = errors.New("boom")
	assert.Error(t, s.Fire(context.Background(), "daily-reminder"))
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	s := newTestScheduler(t, sink, reminder())

	errs := make(chan error, 1)
	go func() { errs <- s.Fire(context.Background(), "daily-reminder") }()

	require.Eventually(t, func() bool {
		s.inflightMu.Lock()
		defer s.inflightMu.Unlock()
		_, busy := s.inflight["daily-reminder"]
		return busy
	}, time.Second, 5*time.Millisecond)

	err := s.Fire(context.Background(), "daily-reminder")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	close(sink.gate)
	require.NoError(t, <-errs)
	assert.Len(t, sink.Calls(), 1)
}

func TestStartStop(t *testing.T) {
	sink := &recordingSink{}
	every := Trigger{Name: "tick", Schedule: "@every 1s", DefinitionID: "d", ConversationRef: "c"}
	s := newTestScheduler(t, sink, every)
	s.jobs[0].next = time.Now().UTC().Add(-time.Second)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return len(sink.Calls()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
