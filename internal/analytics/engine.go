// Package analytics derives conversation statistics from the message log:
// volume by direction and day, and response behavior computed by pairing
// each outbound reply with the oldest unanswered inbound message of the
// same contact.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/numberforty/legal-case-pro/internal/domain"
)

// Report is the computed summary for one query window.
type Report struct {
	TotalMessages              int        `json:"totalMessages"`
	InboundMessages            int        `json:"inboundMessages"`
	OutboundMessages           int        `json:"outboundMessages"`
	AverageResponseTimeSeconds float64    `json:"averageResponseTimeSeconds"`
	ResponseRate               float64    `json:"responseRate"`
	MessagesByDay              []DayCount `json:"messagesByDay"`
}

// DayCount is the message volume for one calendar day (UTC).
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Engine computes reports over the message store.
type Engine struct {
	store domain.MessageStore
	// pairingWindow caps how long an inbound message stays eligible for
	// pairing with a later reply. Zero means unlimited.
	pairingWindow time.Duration
	logger        *slog.Logger
}

func NewEngine(store domain.MessageStore, pairingWindow time.Duration, logger *slog.Logger) *Engine {
	return &Engine{store: store, pairingWindow: pairingWindow, logger: logger}
}

// Compute loads all messages matching the filter and summarizes them.
// Limit/Offset on the filter are ignored: a report always covers the full
// matching window.
func (e *Engine) Compute(ctx context.Context, f domain.MessageFilter) (*Report, error) {
	f.Limit = 0
	f.Offset = 0
	msgs, total, err := e.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	report := &Report{TotalMessages: total}

	// Per-contact FIFO queue of inbound messages awaiting a reply.
	pending := make(map[string][]time.Time)
	byDay := make(map[string]int)

	var responseSum time.Duration
	var responses int

	for _, m := range msgs {
		byDay[m.Timestamp.UTC().Format("2006-01-02")]++

		contact := domain.NormalizePhone(m.Contact())
		switch m.Direction {
		case domain.DirectionInbound:
			report.InboundMessages++
			pending[contact] = append(pending[contact], m.Timestamp)
		case domain.DirectionOutbound:
			report.OutboundMessages++
			queue := pending[contact]
			// Expire inbound messages outside the pairing window; they no
			// longer count as answered by this reply.
			for len(queue) > 0 && e.pairingWindow > 0 && m.Timestamp.Sub(queue[0]) > e.pairingWindow {
				queue = queue[1:]
			}
			if len(queue) > 0 {
				responseSum += m.Timestamp.Sub(queue[0])
				responses++
				queue = queue[1:]
			}
			pending[contact] = queue
		}
	}

	if responses > 0 {
		report.AverageResponseTimeSeconds = responseSum.Seconds() / float64(responses)
	}
	if report.InboundMessages > 0 {
		report.ResponseRate = float64(responses) / float64(report.InboundMessages)
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	report.MessagesByDay = make([]DayCount, 0, len(days))
	for _, d := range days {
		report.MessagesByDay = append(report.MessagesByDay, DayCount{Day: d, Count: byDay[d]})
	}

	e.logger.Debug("analytics report computed",
		"total", report.TotalMessages,
		"responses", responses,
		"responseRate", report.ResponseRate)
	return report, nil
}
