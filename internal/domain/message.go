package domain

import (
	"strings"
	"time"
)

// Direction says which way a message crossed the bridge.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// MessageStatus is the delivery state reported by the channel.
// It only ever advances: SENT -> DELIVERED -> READ, or FAILED from any
// non-terminal state.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// Valid reports whether s is one of the known delivery states.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// rank orders the forward-only progression.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	}
	return 0
}

// CanAdvance reports whether a stored status may move to next.
// READ and FAILED are terminal; FAILED is reachable from any other state.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	if s == StatusRead || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeDocument MessageType = "DOCUMENT"
	TypeAudio    MessageType = "AUDIO"
	TypeVideo    MessageType = "VIDEO"
)

// Message is the canonical record of one chat message, independent of the
// channel's wire format. ID is the channel-assigned identifier and the
// deduplication key on redelivery.
type Message struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Body        string        `json:"body"`
	Direction   Direction     `json:"direction"`
	Status      MessageStatus `json:"status"`
	MessageType MessageType   `json:"messageType"`
	MediaPath   string        `json:"mediaPath,omitempty"`
	MediaType   string        `json:"mediaType,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	ClientID    string        `json:"clientId,omitempty"`
	CaseID      string        `json:"caseId,omitempty"`
}

// Contact returns the counterparty endpoint: the sender for inbound traffic,
// the recipient for outbound.
func (m Message) Contact() string {
	if m.Direction == DirectionInbound {
		return m.From
	}
	return m.To
}

// NormalizePhone reduces a raw phone number to the channel's canonical
// address form: digits only, one leading zero dropped, and the country code
// "1" prepended when the cleaned number is exactly ten digits and lacks it.
// This normalized form is the lookup key for contact matching, thread
// grouping, and history queries.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if strings.HasPrefix(cleaned, "0") {
		cleaned = cleaned[1:]
	}
	if !strings.HasPrefix(cleaned, "1") && len(cleaned) == 10 {
		cleaned = "1" + cleaned
	}
	return cleaned
}
