// Package bridge owns the lifecycle of the single external-channel session:
// initialize, pair, ready, disconnect, restart. It applies transport events
// in arrival order to a process-wide status snapshot and broadcasts every
// transition on the bus. One session per process; there is no concurrent
// handling of the same session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/domain"
	"github.com/numberforty/legal-case-pro/internal/metrics"
)

// ErrSessionExists is returned by Initialize when a session is already live.
var ErrSessionExists = errors.New("session already exists, disconnect first")

// ErrCheckFailed marks an ambiguous connection probe: the check itself
// failed, which is not proof of disconnection.
var ErrCheckFailed = errors.New("connection check failed")

const authFailedError = "authentication failed"

// TransportFactory builds a fresh transport session. Initialize calls it
// once per connection attempt so credentials and event streams start clean.
type TransportFactory func() (domain.Transport, error)

type ManagerConfig struct {
	Factory      TransportFactory
	Bus          *bus.Bus
	Logger       *slog.Logger
	CheckTimeout time.Duration
}

// Manager drives the connection state machine.
type Manager struct {
	factory      TransportFactory
	bus          *bus.Bus
	logger       *slog.Logger
	checkTimeout time.Duration

	// opMu serializes Initialize/Disconnect/Restart; mu guards the
	// snapshot and transport pointer so GetStatus never blocks on I/O.
	opMu sync.Mutex
	mu   sync.Mutex

	transport domain.Transport
	status    domain.ConnectionStatus
	pumpDone  chan struct{}
	onRaw     func(domain.TransportEvent)
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 3 * time.Second
	}
	return &Manager{
		factory:      cfg.Factory,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		checkTimeout: cfg.CheckTimeout,
	}
}

// SetRawHandler registers the consumer of traffic events (inbound messages
// and delivery acks). Lifecycle events never reach the handler.
func (m *Manager) SetRawHandler(h func(domain.TransportEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRaw = h
}

// GetStatus returns the current status snapshot. Never blocks on I/O.
func (m *Manager) GetStatus() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyStatus(m.status)
}

// Initialize creates a fresh session. It fails fast when a session object
// already exists; callers must disconnect first. The caller is expected to
// poll or subscribe for readiness rather than wait on this call.
func (m *Manager) Initialize(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.transport != nil {
		m.status.Error = ErrSessionExists.Error()
		st := copyStatus(m.status)
		m.mu.Unlock()
		m.logger.Error("initialize refused", "err", ErrSessionExists)
		m.publish(st)
		return ErrSessionExists
	}
	m.mu.Unlock()

	m.update(func(st *domain.ConnectionStatus) {
		st.IsReady = false
		st.IsConnecting = true
		st.PairingCode = ""
		st.Error = ""
	})

	t, err := m.factory()
	if err != nil {
		m.failInit(fmt.Errorf("create session: %w", err))
		return fmt.Errorf("create session: %w", err)
	}

	if err := t.Initialize(ctx); err != nil {
		_ = t.Close()
		m.failInit(fmt.Errorf("initialize session: %w", err))
		return fmt.Errorf("initialize session: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.transport = t
	m.pumpDone = done
	m.mu.Unlock()

	go m.pump(t, done)

	m.logger.Info("channel session initialization started")
	return nil
}

// failInit surfaces a setup error on the status; setup errors are not
// retried here, retry policy belongs to the caller.
func (m *Manager) failInit(err error) {
	m.logger.Error("channel initialization failed", "err", err)
	m.update(func(st *domain.ConnectionStatus) {
		st.IsReady = false
		st.IsConnecting = false
		st.PairingCode = ""
		st.Error = "initialization failed: " + err.Error()
	})
}

// Disconnect tears down the session if present and resets the status to a
// clean disconnected state. Idempotent when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.teardown(ctx)
}

func (m *Manager) teardown(ctx context.Context) error {
	m.mu.Lock()
	t := m.transport
	done := m.pumpDone
	m.transport = nil
	m.pumpDone = nil
	m.mu.Unlock()

	var closeErr error
	if t != nil {
		closeErr = t.Close()
		if closeErr != nil {
			m.logger.Error("session teardown error", "err", closeErr)
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				m.logger.Warn("event pump did not drain in time")
			case <-ctx.Done():
			}
		}
	}

	m.update(func(st *domain.ConnectionStatus) {
		*st = domain.ConnectionStatus{}
	})
	metrics.ConnectionReady.Set(0)
	m.logger.Info("channel session disconnected")
	return closeErr
}

// Restart tears down any existing session and re-initializes. A teardown
// failure is recorded but does not stop the re-initialization attempt.
func (m *Manager) Restart(ctx context.Context) error {
	m.opMu.Lock()
	if err := m.teardown(ctx); err != nil {
		m.logger.Error("restart teardown failed, continuing with init", "err", err)
		m.update(func(st *domain.ConnectionStatus) {
			st.Error = "restart teardown: " + err.Error()
		})
	}
	m.opMu.Unlock()

	metrics.Restarts.Inc()
	return m.Initialize(ctx)
}

// SendText submits one outbound text through the live session.
func (m *Manager) SendText(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	t := m.transport
	ready := m.status.IsReady
	m.mu.Unlock()

	if t == nil || !ready {
		return "", domain.ErrNotReady
	}

	start := time.Now()
	id, err := t.SendText(ctx, to, body)
	if err != nil {
		return "", err
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return id, nil
}

// CheckConnection probes the live session with a bounded timeout. A failed
// probe is ambiguous: it is retried once, and a second failure is surfaced
// as ErrCheckFailed without touching the stored status error. The returned
// snapshot is always the last known status.
func (m *Manager) CheckConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()

	if t == nil {
		// No session: disconnected is definite, not ambiguous.
		return m.GetStatus(), nil
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := t.Ping(pctx)
		cancel()
		if err == nil {
			return m.GetStatus(), nil
		}
		lastErr = err
		m.logger.Warn("connection check attempt failed", "attempt", attempt+1, "err", err)
	}
	return m.GetStatus(), fmt.Errorf("%w: %v", ErrCheckFailed, lastErr)
}

// pump consumes the transport's event stream until it closes. Lifecycle
// events mutate the status snapshot in arrival order (last write wins);
// traffic events are handed to the registered raw handler.
func (m *Manager) pump(t domain.Transport, done chan struct{}) {
	defer close(done)
	for ev := range t.Events() {
		switch e := ev.(type) {
		case domain.PairingRequired:
			m.logger.Info("pairing code received")
			m.update(func(st *domain.ConnectionStatus) {
				st.IsReady = false
				st.IsConnecting = true
				st.PairingCode = e.Code
				st.Error = ""
			})
		case domain.Authenticated:
			m.logger.Info("channel authenticated")
			m.update(func(st *domain.ConnectionStatus) {
				st.IsConnecting = true
				st.PairingCode = ""
				st.Error = ""
			})
		case domain.Ready:
			m.logger.Info("channel ready", "session", e.Session.ID)
			now := time.Now()
			session := e.Session
			m.update(func(st *domain.ConnectionStatus) {
				st.IsReady = true
				st.IsConnecting = false
				st.PairingCode = ""
				st.Error = ""
				st.LastConnectedAt = &now
				st.Session = &session
			})
			metrics.ConnectionReady.Set(1)
		case domain.AuthFailure:
			m.logger.Error("channel authentication failed", "reason", e.Reason)
			m.update(func(st *domain.ConnectionStatus) {
				st.IsReady = false
				st.IsConnecting = false
				st.PairingCode = ""
				st.Error = authFailedError
			})
			metrics.AuthFailures.Inc()
			metrics.ConnectionReady.Set(0)
		case domain.Disconnected:
			m.logger.Warn("channel disconnected", "reason", e.Reason)
			reason := e.Reason
			if reason == "" {
				reason = "disconnected"
			}
			m.update(func(st *domain.ConnectionStatus) {
				st.IsReady = false
				st.IsConnecting = false
				st.PairingCode = ""
				st.Error = reason
			})
			metrics.Disconnects.Inc()
			metrics.ConnectionReady.Set(0)
		case domain.MessageReceived, domain.MessageAck:
			m.mu.Lock()
			h := m.onRaw
			m.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

// update mutates the snapshot under lock and broadcasts the new value.
func (m *Manager) update(fn func(*domain.ConnectionStatus)) {
	m.mu.Lock()
	fn(&m.status)
	st := copyStatus(m.status)
	m.mu.Unlock()
	m.publish(st)
}

func (m *Manager) publish(st domain.ConnectionStatus) {
	if m.bus != nil {
		m.bus.Emit(bus.Event{Type: bus.EventStatusChanged, Status: &st})
	}
}

func copyStatus(st domain.ConnectionStatus) domain.ConnectionStatus {
	out := st
	if st.LastConnectedAt != nil {
		t := *st.LastConnectedAt
		out.LastConnectedAt = &t
	}
	if st.Session != nil {
		s := *st.Session
		out.Session = &s
	}
	return out
}
