package domain

import (
	"context"
	"time"
)

// MessageFilter narrows store reads. Zero values mean "no constraint";
// Start/End bound the channel-reported timestamp inclusively.
type MessageFilter struct {
	PhoneNumber string
	ClientID    string
	CaseID      string
	Start       *time.Time
	End         *time.Time
	Limit       int
	Offset      int
}

// MessageStore is the persistence collaborator for the message log.
// This subsystem is its only writer; analytics reads through it.
type MessageStore interface {
	// RecordIfAbsent inserts the message unless a record with the same ID
	// already exists. It reports whether a row was written, making channel
	// redelivery a no-op.
	RecordIfAbsent(ctx context.Context, msg Message) (bool, error)

	// UpdateStatus advances a message's delivery status in place.
	// Regressions and updates past a terminal state are ignored.
	UpdateStatus(ctx context.Context, messageID string, status MessageStatus) error

	// History returns at most limit messages whose endpoints contain the
	// normalized phone number, most recent first cut, re-ordered oldest
	// first for display.
	History(ctx context.Context, phoneNumber string, limit int) ([]Message, error)

	// List returns messages matching the filter in ascending timestamp
	// order, plus the total match count before Limit/Offset.
	List(ctx context.Context, f MessageFilter) ([]Message, int, error)

	Close() error
}
