package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady is returned by a send attempted before the session is ready.
// It is an expected, handled condition, not a channel fault.
var ErrNotReady = errors.New("channel session not ready")

// TransportEvent is the closed set of events a transport may emit.
// Lifecycle events drive the connection state machine; RawMessage and RawAck
// carry traffic. Events for one session arrive on a single logical stream in
// the order the channel emits them.
type TransportEvent interface {
	transportEvent()
}

// PairingRequired carries the opaque pairing payload (rendered as a scannable
// code by the UI) that links this session to a user's channel account.
type PairingRequired struct {
	Code string
}

// Authenticated means pairing succeeded; full readiness is still pending.
type Authenticated struct{}

// Ready means the session can send and receive.
type Ready struct {
	Session SessionInfo
}

// AuthFailure ends the current pairing attempt; a fresh initialize is needed.
type AuthFailure struct {
	Reason string
}

// Disconnected reports loss of the session, with the channel's reason.
type Disconnected struct {
	Reason string
}

// RawMessage is an inbound message as delivered by the channel, before
// canonicalization by the adapter.
type RawMessage struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time
	MediaPath string
	MediaType string
}

// MessageReceived wraps an inbound RawMessage.
type MessageReceived struct {
	Raw RawMessage
}

// MessageAck is a delivery-status update for a previously sent message.
type MessageAck struct {
	ID     string
	Status MessageStatus
}

func (PairingRequired) transportEvent() {}
func (Authenticated) transportEvent()   {}
func (Ready) transportEvent()           {}
func (AuthFailure) transportEvent()     {}
func (Disconnected) transportEvent()    {}
func (MessageReceived) transportEvent() {}
func (MessageAck) transportEvent()      {}

// Transport is one session with the external channel. Implementations own the
// credential cache tied to their client identifier; the connection manager
// owns the transport. Initialize starts the session and returns once the
// event stream is live; readiness arrives later as a Ready event. The Events
// channel is closed when the session ends.
type Transport interface {
	Initialize(ctx context.Context) error
	SendText(ctx context.Context, to, body string) (messageID string, err error)
	Ping(ctx context.Context) error
	Events() <-chan TransportEvent
	Close() error
}
