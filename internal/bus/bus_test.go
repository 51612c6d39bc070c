package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBus_EmitAndReceive(t *testing.T) {
	b := New(testLogger())

	var received int32
	b.On(EventMessageInbound, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	b.Emit(Event{Type: EventMessageInbound})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestBus_WildcardHandler(t *testing.T) {
	b := New(testLogger())

	var count int32
	b.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Emit(Event{Type: EventStatusChanged})
	b.Emit(Event{Type: EventMessageOutbound})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestBus_Off(t *testing.T) {
	b := New(testLogger())

	var count int32
	id := b.On(EventStatusChanged, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Emit(Event{Type: EventStatusChanged})
	b.Off(EventStatusChanged, id)
	b.Emit(Event{Type: EventStatusChanged})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New(testLogger())

	b.On(EventStatusChanged, func(e Event) {
		panic("boom")
	})
	var after int32
	b.On(EventStatusChanged, func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	b.Emit(Event{Type: EventStatusChanged})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after panicking one was not called")
	}
}

func TestBus_Replay(t *testing.T) {
	b := New(testLogger())

	b.Emit(Event{Type: EventStatusChanged})
	b.Emit(Event{Type: EventMessageInbound})
	b.Emit(Event{Type: EventStatusChanged})

	if got := len(b.Replay(EventStatusChanged, time.Time{})); got != 2 {
		t.Errorf("expected 2 status events, got %d", got)
	}
	if got := len(b.Replay("*", time.Time{})); got != 3 {
		t.Errorf("expected 3 total events, got %d", got)
	}

	threshold := time.Now().Add(time.Minute)
	if got := len(b.Replay("*", threshold)); got != 0 {
		t.Errorf("expected 0 events after future threshold, got %d", got)
	}
}
