package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{Type: EventStep, ExecutionID: "ex-1", NodeID: "greet"}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
}

func TestFilterByExecutionAndConversation(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byExec, cancelExec, err := hub.Subscribe(ctx, Filter{ExecutionID: "ex-1"})
	require.NoError(t, err)
	defer cancelExec()
	byConv, cancelConv, err := hub.Subscribe(ctx, Filter{ConversationRef: "conv-2"})
	require.NoError(t, err)
	defer cancelConv()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventStatus, ExecutionID: "ex-1", ConversationRef: "conv-1"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventStatus, ExecutionID: "ex-2", ConversationRef: "conv-2"}))

	assert.Equal(t, "ex-1", receive(t, byExec).ExecutionID)
	assertQuiet(t, byExec)
	assert.Equal(t, "ex-2", receive(t, byConv).ExecutionID)
	assertQuiet(t, byConv)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{EventStatus}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventStep, ExecutionID: "ex-1"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: EventStatus, ExecutionID: "ex-1"}))

	assert.Equal(t, EventStatus, receive(t, ch).Type)
	assertQuiet(t, ch)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, Event{Type: EventStep}))
	_, open := <-ch
	assert.False(t, open, "channel is closed after cancel")
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, Event{Type: EventStep}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, Event{Type: EventStep, ExecutionID: "ex-concurrent"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, Event{Type: EventStep}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommitEvents(t *testing.T) {
	ec := &schema.ExecutionContext{
		ExecutionID:     "ex-1",
		DefinitionID:    "greeting",
		ConversationRef: "conv-1",
		CurrentNodeID:   "ask",
		Status:          schema.StatusWaitingForInput,
	}
	steps := []*schema.ExecutionStep{
		{ExecutionID: "ex-1", StepIndex: 0, NodeID: "start"},
		{ExecutionID: "ex-1", StepIndex: 1, NodeID: "greet"},
	}

	events := CommitEvents(ec, steps...)
	require.Len(t, events, 3)
	assert.Equal(t, EventStep, events[0].Type)
	assert.Equal(t, "start", events[0].NodeID)
	assert.Same(t, steps[1], events[1].Step)
	assert.Equal(t, EventStatus, events[2].Type)
	assert.Equal(t, "ask", events[2].NodeID)
	assert.Equal(t, schema.StatusWaitingForInput, events[2].Status)
	assert.Nil(t, events[2].Step)
}

func TestHandler_StreamsFilteredEvents(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?execution_id=ex-1&type=execution.status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	pub := context.Background()
	require.NoError(t, hub.Publish(pub, Event{Type: EventStep, ExecutionID: "ex-1"}))
	require.NoError(t, hub.Publish(pub, Event{Type: EventStatus, ExecutionID: "ex-2"}))
	require.NoError(t, hub.Publish(pub, Event{Type: EventStatus, ExecutionID: "ex-1", Status: schema.StatusCompleted}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: execution.status\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var got Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
	assert.Equal(t, "ex-1", got.ExecutionID)
	assert.Equal(t, schema.StatusCompleted, got.Status)
}
