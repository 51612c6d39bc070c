// Package adapter translates between the external channel's wire shapes and
// the canonical message model: outbound sends with a manual fallback link,
// inbound canonicalization with media-type inference, and delivery acks.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/domain"
	"github.com/numberforty/legal-case-pro/internal/metrics"
)

// channelSuffix is the address suffix the channel expects on send targets.
const channelSuffix = "@c.us"

// Sender is the slice of the connection manager the adapter needs.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// SendResult is the outcome of one outbound send attempt. FallbackURL is
// populated on every failure so the operator can deliver the text manually.
type SendResult struct {
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId,omitempty"`
	Error       string `json:"error,omitempty"`
	FallbackURL string `json:"fallbackUrl,omitempty"`
}

// Adapter wires the channel traffic to the store and the event bus.
type Adapter struct {
	sender Sender
	store  domain.MessageStore
	bus    *bus.Bus
	logger *slog.Logger
}

func New(sender Sender, store domain.MessageStore, b *bus.Bus, logger *slog.Logger) *Adapter {
	return &Adapter{sender: sender, store: store, bus: b, logger: logger}
}

// FallbackURL builds a manual-send link for the given number and body. The
// number is normalized to digits; the body is query-escaped.
func FallbackURL(phoneNumber, body string) string {
	return "https://wa.me/" + domain.NormalizePhone(phoneNumber) + "?text=" + url.QueryEscape(body)
}

// SendMessage normalizes the destination, submits the text through the live
// session and records the outbound message. Any failure, including a
// not-ready session, yields a failed result carrying a fallback link; the
// error is in the result, not returned.
func (a *Adapter) SendMessage(ctx context.Context, phoneNumber, body, clientID, caseID string) SendResult {
	normalized := domain.NormalizePhone(phoneNumber)
	if normalized == "" {
		return SendResult{
			Success:     false,
			Error:       fmt.Sprintf("phone number %q has no digits", phoneNumber),
			FallbackURL: FallbackURL(phoneNumber, body),
		}
	}

	id, err := a.sender.SendText(ctx, normalized+channelSuffix, body)
	if err != nil {
		metrics.SendFailures.Inc()
		a.logger.Error("outbound send failed", "to", normalized, "err", err)
		return SendResult{
			Success:     false,
			Error:       err.Error(),
			FallbackURL: FallbackURL(phoneNumber, body),
		}
	}

	msg := domain.Message{
		ID:          id,
		From:        "me",
		To:          normalized + channelSuffix,
		Body:        body,
		Direction:   domain.DirectionOutbound,
		Status:      domain.StatusSent,
		MessageType: domain.TypeText,
		Timestamp:   time.Now().UTC(),
		ClientID:    clientID,
		CaseID:      caseID,
	}

	inserted, err := a.store.RecordIfAbsent(ctx, msg)
	if err != nil {
		// The message left the channel; a store failure must not turn the
		// send into a reported failure.
		a.logger.Error("outbound message not recorded", "id", id, "err", err)
	} else if inserted {
		metrics.MessagesOutbound.Inc()
		a.bus.Emit(bus.Event{Type: bus.EventMessageOutbound, Message: &msg})
	}

	return SendResult{Success: true, MessageID: id}
}

// HandleTransportEvent routes traffic events from the channel session.
// Intended as the manager's raw handler.
func (a *Adapter) HandleTransportEvent(ev domain.TransportEvent) {
	switch e := ev.(type) {
	case domain.MessageReceived:
		a.handleInbound(e.Raw)
	case domain.MessageAck:
		a.handleAck(e)
	}
}

// handleInbound canonicalizes one received message and records it. Channel
// redeliveries are dropped by the store and never re-announced on the bus.
func (a *Adapter) handleInbound(raw domain.RawMessage) {
	if raw.ID == "" {
		a.logger.Warn("inbound message without id dropped", "from", raw.From)
		return
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	msg := domain.Message{
		ID:          raw.ID,
		From:        raw.From,
		To:          raw.To,
		Body:        raw.Body,
		Direction:   domain.DirectionInbound,
		Status:      domain.StatusRead,
		MessageType: inferType(raw.MediaPath, raw.MediaType),
		MediaPath:   raw.MediaPath,
		MediaType:   raw.MediaType,
		Timestamp:   ts.UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inserted, err := a.store.RecordIfAbsent(ctx, msg)
	if err != nil {
		a.logger.Error("inbound message not recorded", "id", msg.ID, "err", err)
		return
	}
	if !inserted {
		metrics.DuplicateDeliveries.Inc()
		a.logger.Debug("duplicate inbound delivery dropped", "id", msg.ID)
		return
	}

	metrics.MessagesInbound.Inc()
	a.logger.Info("inbound message recorded", "id", msg.ID, "from", msg.From)
	a.bus.Emit(bus.Event{Type: bus.EventMessageInbound, Message: &msg})
}

// handleAck applies a delivery receipt. Regressions are dropped inside the
// store; an ack for an unknown message is logged and ignored.
func (a *Adapter) handleAck(ack domain.MessageAck) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.UpdateStatus(ctx, ack.ID, ack.Status); err != nil {
		a.logger.Warn("delivery ack not applied", "id", ack.ID, "status", ack.Status, "err", err)
	}
}

// inferType maps an attachment's MIME type to the canonical message type.
// Text when there is no attachment; unrecognized MIME types are documents.
func inferType(mediaPath, mediaType string) domain.MessageType {
	if mediaPath == "" && mediaType == "" {
		return domain.TypeText
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return domain.TypeImage
	case strings.HasPrefix(mediaType, "audio/"):
		return domain.TypeAudio
	case strings.HasPrefix(mediaType, "video/"):
		return domain.TypeVideo
	default:
		return domain.TypeDocument
	}
}
