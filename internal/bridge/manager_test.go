package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeTransport scripts a channel session for tests.
type fakeTransport struct {
	events  chan domain.TransportEvent
	initErr error
	pingErr error

	mu        sync.Mutex
	closed    bool
	pingCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan domain.TransportEvent, 16)}
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeTransport) SendText(ctx context.Context, to, body string) (string, error) {
	return "fake-id", nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pingCalls++
	f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Events() <-chan domain.TransportEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func newTestManager(t *testing.T, ft *fakeTransport) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		Factory:      func() (domain.Transport, error) { return ft, nil },
		Bus:          bus.New(testLogger()),
		Logger:       testLogger(),
		CheckTimeout: 100 * time.Millisecond,
	})
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestManager_LifecycleToReady(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	st := m.GetStatus()
	if !st.IsConnecting || st.IsReady {
		t.Fatalf("after init: connecting=%v ready=%v", st.IsConnecting, st.IsReady)
	}

	ft.events <- domain.PairingRequired{Code: "qr-payload"}
	waitFor(t, func() bool { return m.GetStatus().PairingCode == "qr-payload" })

	st = m.GetStatus()
	if st.IsReady {
		t.Fatal("ready while pairing")
	}

	ft.events <- domain.Authenticated{}
	ft.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	st = m.GetStatus()
	if st.IsConnecting {
		t.Error("isReady and isConnecting both true")
	}
	if st.PairingCode != "" {
		t.Error("pairing code survived readiness")
	}
	if st.Session == nil || st.Session.ID != "wid-1" {
		t.Error("session info missing")
	}
	if st.LastConnectedAt == nil {
		t.Error("lastConnectedAt not set")
	}
}

func TestManager_InitializeTwiceRefused(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	err := m.Initialize(ctx)
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if m.GetStatus().Error == "" {
		t.Error("refused init left no error on status")
	}
}

func TestManager_InitFailureSurfacedOnStatus(t *testing.T) {
	ft := newFakeTransport()
	ft.initErr = errors.New("browser did not start")
	m := newTestManager(t, ft)

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	st := m.GetStatus()
	if st.IsConnecting || st.IsReady {
		t.Error("failed init left connecting/ready set")
	}
	if st.Error == "" {
		t.Error("failed init left no error on status")
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	ctx := context.Background()

	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect without session: %v", err)
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	ft.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	if err := m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	st := m.GetStatus()
	if st.IsReady || st.IsConnecting || st.Error != "" || st.PairingCode != "" {
		t.Errorf("status not clean after disconnect: %+v", st)
	}

	// Second disconnect is a no-op.
	if err := m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestManager_DisconnectedEventSetsError(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	ft.events <- domain.Disconnected{Reason: "phone offline"}
	waitFor(t, func() bool { return !m.GetStatus().IsReady })

	st := m.GetStatus()
	if st.Error != "phone offline" {
		t.Errorf("error = %q, want reason from channel", st.Error)
	}
}

func TestManager_AuthFailure(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.events <- domain.PairingRequired{Code: "qr"}
	waitFor(t, func() bool { return m.GetStatus().PairingCode != "" })

	ft.events <- domain.AuthFailure{Reason: "pairing rejected"}
	waitFor(t, func() bool { return m.GetStatus().Error != "" })

	st := m.GetStatus()
	if st.Error != "authentication failed" {
		t.Errorf("error = %q", st.Error)
	}
	if st.PairingCode != "" || st.IsConnecting || st.IsReady {
		t.Errorf("auth failure left stale state: %+v", st)
	}
}

func TestManager_SendTextNotReady(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	if _, err := m.SendText(context.Background(), "1@c.us", "hi"); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Connecting but not ready yet.
	if _, err := m.SendText(context.Background(), "1@c.us", "hi"); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady while connecting, got %v", err)
	}

	ft.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	id, err := m.SendText(context.Background(), "1@c.us", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if id != "fake-id" {
		t.Errorf("id = %q", id)
	}
}

func TestManager_CheckConnectionRetriesOnce(t *testing.T) {
	ft := newFakeTransport()
	ft.pingErr = context.DeadlineExceeded
	m := newTestManager(t, ft)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	st, err := m.CheckConnection(context.Background())
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("expected ErrCheckFailed, got %v", err)
	}

	ft.mu.Lock()
	calls := ft.pingCalls
	ft.mu.Unlock()
	if calls != 2 {
		t.Errorf("ping calls = %d, want 2 (one retry)", calls)
	}

	// An ambiguous check must not rewrite the stored status.
	if !st.IsReady || st.Error != "" {
		t.Errorf("ambiguous check mutated status: %+v", st)
	}
}

func TestManager_CheckConnectionNoSession(t *testing.T) {
	m := newTestManager(t, newFakeTransport())
	st, err := m.CheckConnection(context.Background())
	if err != nil {
		t.Fatalf("no-session check should be definite, got %v", err)
	}
	if st.IsReady {
		t.Error("ready without session")
	}
}

func TestManager_RestartFromReady(t *testing.T) {
	ft1 := newFakeTransport()
	current := ft1
	var mu sync.Mutex

	m := NewManager(ManagerConfig{
		Factory: func() (domain.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			return current, nil
		},
		Bus:          bus.New(testLogger()),
		Logger:       testLogger(),
		CheckTimeout: 100 * time.Millisecond,
	})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft1.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-1"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })

	ft2 := newFakeTransport()
	mu.Lock()
	current = ft2
	mu.Unlock()

	if err := m.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft1.mu.Lock()
	oldClosed := ft1.closed
	ft1.mu.Unlock()
	if !oldClosed {
		t.Error("old session not closed on restart")
	}

	st := m.GetStatus()
	if !st.IsConnecting || st.IsReady {
		t.Errorf("after restart: connecting=%v ready=%v", st.IsConnecting, st.IsReady)
	}

	ft2.events <- domain.Ready{Session: domain.SessionInfo{ID: "wid-2"}}
	waitFor(t, func() bool { return m.GetStatus().IsReady })
}

func TestInitializeWithRetry_AbortsOnSessionExists(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := InitializeWithRetry(context.Background(), m, 3, testLogger())
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists without retries, got %v", err)
	}
}
