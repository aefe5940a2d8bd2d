package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		Run:       "run-1",
		ID:        "Stage_events",
		Kind:      "stage_load",
		Attempt:   1,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "Stage_events" || received.RunID() != "run-1" {
			t.Errorf("unexpected ids: run %q task %q", received.RunID(), received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "Load_user_dim_table", Attempts: 1, Duration: time.Second})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "Load_user_dim_table" {
				t.Errorf("subscriber %d: got task %q", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskStartedEvent{ID: fmt.Sprintf("task-%d", i), Attempt: 1})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received.TaskID() != "task-0" {
			t.Errorf("buffer holds %q, want the first event", received.TaskID())
		}
	default:
		t.Error("expected at least one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("event received after close")
	}
	for range all {
		t.Error("event received after close")
	}

	// Subscribing to a closed bus yields a closed channel.
	if _, ok := <-bus.Subscribe(TopicRun, 1); ok {
		t.Error("subscription on closed bus is open")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Emit(TaskStartedEvent{ID: "task-1"})
}

// TestEmitRoutesByTopic verifies topic isolation when events pick their own topic.
func TestEmitRoutesByTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	runCh := bus.Subscribe(TopicRun, 10)
	whCh := bus.Subscribe(TopicWarehouse, 10)
	allCh := bus.SubscribeAll(10)

	bus.Emit(TaskRetriedEvent{Run: "r", ID: "Stage_songs", Attempt: 1})
	bus.Emit(RunProgressEvent{Run: "r", Total: 10, Succeeded: 5})
	bus.Emit(BreakerStateEvent{Name: "redshift", From: "closed", To: "open"})

	expect := func(name string, ch <-chan Event, want string) {
		t.Helper()
		select {
		case e := <-ch:
			if e.EventType() != want {
				t.Errorf("%s: got %s, want %s", name, e.EventType(), want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timeout waiting for event", name)
		}
		select {
		case e := <-ch:
			t.Errorf("%s: unexpected extra event %s", name, e.EventType())
		default:
		}
	}
	expect("task", taskCh, EventTypeTaskRetried)
	expect("run", runCh, EventTypeRunProgress)
	expect("warehouse", whCh, EventTypeBreakerState)

	if n := len(allCh); n != 3 {
		t.Errorf("SubscribeAll buffered %d events, want 3", n)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	bus := NewEventBus()
	ch := bus.SubscribeAll(16)

	boom := errors.New("connection reset by peer")
	bus.Emit(RunStartedEvent{Run: "r1", Pipeline: "udac_example_dag"})
	bus.Emit(TaskRetriedEvent{Run: "r1", ID: "Stage_events", Attempt: 1, Err: boom, Delay: 5 * time.Minute})
	bus.Emit(TaskFailedEvent{Run: "r1", ID: "Stage_events", Attempts: 4, Err: boom})
	bus.Emit(TaskUpstreamFailedEvent{Run: "r1", ID: "Load_songplays_fact_table", Upstream: "Stage_events"})
	bus.Emit(RunFinishedEvent{Run: "r1", Status: "failed", FailedTask: "Stage_events", Err: boom})
	bus.Close()

	sink.Run(context.Background(), ch)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d log lines, want 5:\n%s", len(lines), buf.String())
	}

	wantLevels := []string{"info", "warn", "error", "warn", "error"}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d not JSON: %v", i, err)
		}
		if entry["level"] != wantLevels[i] {
			t.Errorf("line %d level = %v, want %s", i, entry["level"], wantLevels[i])
		}
		if entry["run_id"] != "r1" {
			t.Errorf("line %d missing run_id: %v", i, entry)
		}
	}
	if !strings.Contains(lines[1], `"attempt":1`) || !strings.Contains(lines[1], "connection reset") {
		t.Errorf("retry line lacks attempt or error: %s", lines[1])
	}
}

func TestLogSinkStopsOnContext(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, make(chan Event))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop on cancellation")
	}
}
