package adapter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeSender struct {
	mu     sync.Mutex
	lastTo string
	err    error
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTo = to
	if f.err != nil {
		return "", f.err
	}
	return "sent-1", nil
}

// memStore is an in-memory domain.MessageStore for adapter tests.
type memStore struct {
	mu       sync.Mutex
	messages map[string]domain.Message
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]domain.Message)}
}

func (s *memStore) RecordIfAbsent(ctx context.Context, msg domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return false, errors.New("disk full")
	}
	if _, ok := s.messages[msg.ID]; ok {
		return false, nil
	}
	s.messages[msg.ID] = msg
	return true, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errors.New("message " + id + " not found")
	}
	if m.Status.CanAdvance(status) {
		m.Status = status
		s.messages[id] = m
	}
	return nil
}

func (s *memStore) History(ctx context.Context, phone string, limit int) ([]domain.Message, error) {
	return nil, nil
}

func (s *memStore) List(ctx context.Context, f domain.MessageFilter) ([]domain.Message, int, error) {
	return nil, 0, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

func TestFallbackURL(t *testing.T) {
	got := FallbackURL("+1 (555) 123-4567", "Hearing moved to 3pm")
	want := "https://wa.me/15551234567?text=Hearing+moved+to+3pm"
	if got != want {
		t.Errorf("FallbackURL = %q, want %q", got, want)
	}
}

func TestSendMessage_Success(t *testing.T) {
	sender := &fakeSender{}
	st := newMemStore()
	a := New(sender, st, bus.New(testLogger()), testLogger())

	res := a.SendMessage(context.Background(), "(555) 123-4567", "hello", "client-1", "case-1")
	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.MessageID != "sent-1" {
		t.Errorf("messageId = %q", res.MessageID)
	}
	if res.FallbackURL != "" {
		t.Error("fallback url set on success")
	}
	if sender.lastTo != "15551234567@c.us" {
		t.Errorf("send target = %q", sender.lastTo)
	}

	m, ok := st.get("sent-1")
	if !ok {
		t.Fatal("outbound message not recorded")
	}
	if m.Direction != domain.DirectionOutbound || m.Status != domain.StatusSent {
		t.Errorf("recorded as %s/%s", m.Direction, m.Status)
	}
	if m.ClientID != "client-1" || m.CaseID != "case-1" {
		t.Error("client/case association lost")
	}
}

func TestSendMessage_FailureCarriesFallback(t *testing.T) {
	sender := &fakeSender{err: domain.ErrNotReady}
	a := New(sender, newMemStore(), bus.New(testLogger()), testLogger())

	res := a.SendMessage(context.Background(), "5551234567", "hello there", "", "")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("failure without error text")
	}
	if !strings.HasPrefix(res.FallbackURL, "https://wa.me/15551234567?text=") {
		t.Errorf("fallback url = %q", res.FallbackURL)
	}
}

func TestSendMessage_StoreFailureStillSuccess(t *testing.T) {
	sender := &fakeSender{}
	st := newMemStore()
	st.failNext = true
	a := New(sender, st, bus.New(testLogger()), testLogger())

	res := a.SendMessage(context.Background(), "5551234567", "hello", "", "")
	if !res.Success {
		t.Fatal("send reported failed although the channel accepted it")
	}
}

func TestSendMessage_NoDigits(t *testing.T) {
	a := New(&fakeSender{}, newMemStore(), bus.New(testLogger()), testLogger())

	res := a.SendMessage(context.Background(), "not a number", "hello", "", "")
	if res.Success {
		t.Fatal("expected failure for digit-less number")
	}
	if res.FallbackURL == "" {
		t.Error("fallback url missing")
	}
}

func TestHandleInbound_RecordAndDedup(t *testing.T) {
	st := newMemStore()
	b := bus.New(testLogger())
	a := New(&fakeSender{}, st, b, testLogger())

	var announced int
	var mu sync.Mutex
	b.On(bus.EventMessageInbound, func(e bus.Event) {
		mu.Lock()
		announced++
		mu.Unlock()
	})

	raw := domain.RawMessage{
		ID:        "in-1",
		From:      "15551234567@c.us",
		To:        "me",
		Body:      "Can we reschedule?",
		Timestamp: time.Now(),
	}
	a.HandleTransportEvent(domain.MessageReceived{Raw: raw})
	a.HandleTransportEvent(domain.MessageReceived{Raw: raw}) // redelivery

	m, ok := st.get("in-1")
	if !ok {
		t.Fatal("inbound message not recorded")
	}
	if m.Direction != domain.DirectionInbound || m.Status != domain.StatusRead {
		t.Errorf("recorded as %s/%s", m.Direction, m.Status)
	}
	if m.MessageType != domain.TypeText {
		t.Errorf("type = %s", m.MessageType)
	}

	mu.Lock()
	defer mu.Unlock()
	if announced != 1 {
		t.Errorf("announced %d times, want 1", announced)
	}
}

func TestHandleInbound_MediaTypeInference(t *testing.T) {
	cases := []struct {
		mediaType string
		want      domain.MessageType
	}{
		{"image/jpeg", domain.TypeImage},
		{"audio/ogg", domain.TypeAudio},
		{"video/mp4", domain.TypeVideo},
		{"application/pdf", domain.TypeDocument},
	}

	for i, tc := range cases {
		st := newMemStore()
		a := New(&fakeSender{}, st, bus.New(testLogger()), testLogger())
		a.HandleTransportEvent(domain.MessageReceived{Raw: domain.RawMessage{
			ID:        "m",
			From:      "15551234567@c.us",
			MediaPath: "/tmp/attachment",
			MediaType: tc.mediaType,
		}})
		m, _ := st.get("m")
		if m.MessageType != tc.want {
			t.Errorf("case %d: type = %s, want %s", i, m.MessageType, tc.want)
		}
	}
}

func TestHandleAck_AdvancesStatus(t *testing.T) {
	st := newMemStore()
	a := New(&fakeSender{}, st, bus.New(testLogger()), testLogger())

	st.messages["out-1"] = domain.Message{ID: "out-1", Status: domain.StatusSent}

	a.HandleTransportEvent(domain.MessageAck{ID: "out-1", Status: domain.StatusDelivered})
	m, _ := st.get("out-1")
	if m.Status != domain.StatusDelivered {
		t.Errorf("status = %s", m.Status)
	}

	// Unknown ack is ignored, not fatal.
	a.HandleTransportEvent(domain.MessageAck{ID: "ghost", Status: domain.StatusRead})
}
