// Package transport implements the channel session against WhatsApp Web,
// driving a headless Chrome instance through chromedp. Credentials live in a
// persistent browser profile keyed by client id, so a paired session
// survives process restarts without re-scanning.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"

	"github.com/numberforty/legal-case-pro/internal/domain"
)

const (
	webURL       = "https://web.whatsapp.com"
	pollInterval = 2 * time.Second

	// Selectors for the WhatsApp Web UI. These track the deployed frontend
	// and are the part of this package most likely to need maintenance.
	selQR         = `div[data-ref]`
	selChatList   = `#side`
	selComposeBox = `div[contenteditable="true"][data-tab]`
)

// Config for one WhatsApp Web session.
type Config struct {
	ClientID    string
	AuthDir     string
	Headless    bool
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// WebTransport is one browser-backed session. It implements domain.Transport.
type WebTransport struct {
	cfg    Config
	logger *slog.Logger

	events chan domain.TransportEvent

	mu          sync.Mutex
	taskCtx     context.Context
	cancelAll   context.CancelFunc
	initialized bool

	closeOnce sync.Once
	stop      chan struct{}
	watchDone chan struct{}
	watching  bool

	seen map[string]struct{}
}

// New builds an unstarted session. Initialize must be called before use.
func New(cfg Config) *WebTransport {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 90 * time.Second
	}
	return &WebTransport{
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    make(chan domain.TransportEvent, 64),
		stop:      make(chan struct{}),
		watchDone: make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
}

// Factory returns a constructor producing a fresh session per connection
// attempt, all sharing the same profile directory.
func Factory(cfg Config) func() (domain.Transport, error) {
	return func() (domain.Transport, error) {
		return New(cfg), nil
	}
}

func (t *WebTransport) profileDir() string {
	return filepath.Join(t.cfg.AuthDir, t.cfg.ClientID)
}

// Initialize launches the browser, loads WhatsApp Web and starts the watcher
// that turns page state into transport events. It returns once the page has
// loaded; pairing and readiness arrive later on the event stream.
func (t *WebTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.initialized {
		t.mu.Unlock()
		return fmt.Errorf("session already initialized")
	}
	t.initialized = true
	t.mu.Unlock()

	dir := t.profileDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir %s: %w", dir, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if t.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	// The session must outlive the caller's request context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	t.mu.Lock()
	t.taskCtx = taskCtx
	t.cancelAll = func() {
		taskCancel()
		allocCancel()
	}
	t.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(taskCtx, t.cfg.InitTimeout)
	defer cancel()

	if err := chromedp.Run(loadCtx,
		chromedp.Navigate(webURL),
		chromedp.WaitReady("body"),
	); err != nil {
		t.Close()
		return fmt.Errorf("load %s: %w", webURL, err)
	}

	t.logger.Info("whatsapp web loaded", "profile", dir)

	t.mu.Lock()
	t.watching = true
	t.mu.Unlock()
	go func() {
		defer close(t.watchDone)
		t.watch(taskCtx)
	}()
	return nil
}

// Events returns the session's event stream.
func (t *WebTransport) Events() <-chan domain.TransportEvent {
	return t.events
}

// SendText opens the compose view for the destination and submits the body.
// to is the channel address ("<digits>@c.us").
func (t *WebTransport) SendText(ctx context.Context, to, body string) (string, error) {
	t.mu.Lock()
	taskCtx := t.taskCtx
	t.mu.Unlock()
	if taskCtx == nil {
		return "", domain.ErrNotReady
	}

	digits := strings.TrimSuffix(to, "@c.us")
	sendURL := webURL + "/send?phone=" + digits + "&text=" + url.QueryEscape(body)

	timeout := 60 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	runCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(sendURL),
		chromedp.WaitVisible(selComposeBox, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(selComposeBox, chromedp.ByQuery),
		chromedp.KeyEvent(kb.Enter),
		chromedp.Sleep(1*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", digits, err)
	}

	// Read the channel-assigned id off the just-sent bubble. When the scrape
	// misses, fall back to a locally generated id so the record still has a
	// stable key.
	var id string
	_ = chromedp.Run(runCtx, chromedp.Evaluate(`(function(){
		var nodes = document.querySelectorAll('div.message-out[data-id]');
		if (nodes.length === 0) return '';
		return nodes[nodes.length - 1].getAttribute('data-id') || '';
	})()`, &id))
	if id == "" {
		id = "local-" + uuid.NewString()
	}

	t.markSeen(id)
	return id, nil
}

// Ping verifies the page is responsive and the session is still signed in.
func (t *WebTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	taskCtx := t.taskCtx
	t.mu.Unlock()
	if taskCtx == nil {
		return domain.ErrNotReady
	}

	runCtx, cancel := mergeDeadline(taskCtx, ctx)
	defer cancel()

	var signedIn bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(
		`document.querySelector('`+selChatList+`') !== null`, &signedIn,
	)); err != nil {
		return fmt.Errorf("probe page: %w", err)
	}
	if !signedIn {
		return fmt.Errorf("session not signed in")
	}
	return nil
}

// Close tears the browser down, waits for the watcher to stop emitting, and
// closes the event stream. Idempotent.
func (t *WebTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		cancel := t.cancelAll
		watching := t.watching
		t.taskCtx = nil
		t.cancelAll = nil
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if watching {
			select {
			case <-t.watchDone:
			case <-time.After(10 * time.Second):
				t.logger.Warn("watcher did not stop in time")
			}
		}
		close(t.events)
	})
	return nil
}

// watch polls the page and emits lifecycle and traffic events in the order
// the page reports them. Runs until the session is closed.
func (t *WebTransport) watch(taskCtx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastQR string
	ready := false

	for {
		select {
		case <-t.stop:
			return
		case <-taskCtx.Done():
			t.emit(domain.Disconnected{Reason: "browser session ended"})
			return
		case <-ticker.C:
		}

		runCtx, cancel := context.WithTimeout(taskCtx, pollInterval)

		var signedIn bool
		if err := chromedp.Run(runCtx, chromedp.Evaluate(
			`document.querySelector('`+selChatList+`') !== null`, &signedIn,
		)); err != nil {
			cancel()
			continue
		}

		if !signedIn {
			if ready {
				// Session dropped after being ready.
				ready = false
				t.emit(domain.Disconnected{Reason: "signed out"})
				cancel()
				continue
			}
			var qr string
			_ = chromedp.Run(runCtx, chromedp.Evaluate(`(function(){
				var el = document.querySelector('`+selQR+`');
				return el ? el.getAttribute('data-ref') : '';
			})()`, &qr))
			if qr != "" && qr != lastQR {
				lastQR = qr
				t.emit(domain.PairingRequired{Code: qr})
			}
			cancel()
			continue
		}

		if !ready {
			ready = true
			lastQR = ""
			t.emit(domain.Authenticated{})
			t.emit(domain.Ready{Session: t.sessionInfo(runCtx)})
		}

		t.pollInbound(runCtx)
		t.pollAcks(runCtx)
		cancel()
	}
}

// sessionInfo scrapes the signed-in account identity. Best effort; missing
// fields stay empty.
func (t *WebTransport) sessionInfo(ctx context.Context) domain.SessionInfo {
	var wid string
	_ = chromedp.Run(ctx, chromedp.Evaluate(`(function(){
		try {
			var v = window.localStorage.getItem('last-wid-md') || window.localStorage.getItem('last-wid') || '';
			return v.replace(/"/g, '');
		} catch (e) { return ''; }
	})()`, &wid))
	return domain.SessionInfo{ID: wid, PushName: t.cfg.ClientID}
}

type scrapedMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// pollInbound reads recent incoming bubbles from the open chat. The page
// only exposes the visible conversation; the store drops any re-scrapes.
func (t *WebTransport) pollInbound(ctx context.Context) {
	var raw string
	err := chromedp.Run(ctx, chromedp.Evaluate(`(function(){
		var out = [];
		var nodes = document.querySelectorAll('div.message-in[data-id]');
		for (var i = Math.max(0, nodes.length - 20); i < nodes.length; i++) {
			var n = nodes[i];
			var textEl = n.querySelector('span.selectable-text');
			out.push({
				id: n.getAttribute('data-id') || '',
				text: textEl ? textEl.innerText : ''
			});
		}
		return JSON.stringify(out);
	})()`, &raw))
	if err != nil || raw == "" {
		return
	}

	var msgs []scrapedMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		t.logger.Debug("inbound scrape unmarshal failed", "err", err)
		return
	}

	for _, m := range msgs {
		if m.ID == "" || t.alreadySeen(m.ID) {
			continue
		}
		t.markSeen(m.ID)
		t.emit(domain.MessageReceived{Raw: domain.RawMessage{
			ID:        m.ID,
			From:      remoteJID(m.ID),
			To:        "me",
			Body:      m.Text,
			Timestamp: time.Now().UTC(),
		}})
	}
}

type scrapedAck struct {
	ID   string `json:"id"`
	Icon string `json:"icon"`
}

// pollAcks reads delivery ticks off outgoing bubbles and maps them to
// delivery states.
func (t *WebTransport) pollAcks(ctx context.Context) {
	var raw string
	err := chromedp.Run(ctx, chromedp.Evaluate(`(function(){
		var out = [];
		var nodes = document.querySelectorAll('div.message-out[data-id]');
		for (var i = Math.max(0, nodes.length - 20); i < nodes.length; i++) {
			var n = nodes[i];
			var icon = n.querySelector('span[data-icon]');
			out.push({
				id: n.getAttribute('data-id') || '',
				icon: icon ? icon.getAttribute('data-icon') : ''
			});
		}
		return JSON.stringify(out);
	})()`, &raw))
	if err != nil || raw == "" {
		return
	}

	var acks []scrapedAck
	if err := json.Unmarshal([]byte(raw), &acks); err != nil {
		return
	}

	for _, a := range acks {
		if a.ID == "" {
			continue
		}
		status, ok := ackStatus(a.Icon)
		if !ok {
			continue
		}
		key := a.ID + "/" + string(status)
		if t.alreadySeen(key) {
			continue
		}
		t.markSeen(key)
		t.emit(domain.MessageAck{ID: a.ID, Status: status})
	}
}

// ackStatus maps the bubble's tick icon to a delivery state.
func ackStatus(icon string) (domain.MessageStatus, bool) {
	switch icon {
	case "msg-check":
		return domain.StatusSent, true
	case "msg-dblcheck":
		return domain.StatusDelivered, true
	case "msg-dblcheck-ack":
		return domain.StatusRead, true
	}
	return "", false
}

// remoteJID extracts the counterparty address from a bubble's data-id,
// formatted "<fromMe>_<jid>_<hash>".
func remoteJID(dataID string) string {
	parts := strings.Split(dataID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func (t *WebTransport) emit(ev domain.TransportEvent) {
	select {
	case <-t.stop:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}

func (t *WebTransport) alreadySeen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[key]
	return ok
}

func (t *WebTransport) markSeen(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.seen) > 4096 {
		t.seen = make(map[string]struct{})
	}
	t.seen[key] = struct{}{}
}

// mergeDeadline bounds taskCtx by the caller context's deadline when one is
// set, falling back to a short default.
func mergeDeadline(taskCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := callerCtx.Deadline(); ok {
		return context.WithDeadline(taskCtx, deadline)
	}
	return context.WithTimeout(taskCtx, 10*time.Second)
}
