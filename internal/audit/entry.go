// Package audit records every riskgate decision: an in-memory capped trail
// for dashboard queries plus durable sinks (SQLite, Postgres).
package audit

import (
	"encoding/json"
	"time"

	"github.com/oktsec/riskgate/internal/decision"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Component     string         `json:"component"`
	Actor         string         `json:"actor"`             // user or source service
	Subject       string         `json:"subject,omitempty"` // vault, pipeline, target service
	Action        string         `json:"action,omitempty"`
	Outcome       string         `json:"outcome"`
	Allowed       bool           `json:"allowed"`
	Reason        string         `json:"reason,omitempty"`
	RiskScore     float64        `json:"risk_score"`
	RiskLevel     string         `json:"risk_level"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// FromDecision builds an entry for d. The decision ID doubles as the
// correlation id.
func FromDecision(d decision.Decision, actor, subject, action string) Entry {
	return Entry{
		ID:            decision.NewID(),
		Timestamp:     d.Timestamp,
		Component:     d.Component,
		Actor:         actor,
		Subject:       subject,
		Action:        action,
		Outcome:       string(d.Outcome),
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		RiskScore:     d.RiskScore,
		RiskLevel:     string(d.RiskLevel),
		CorrelationID: d.ID,
	}
}

// EntryJSON serializes an entry for streaming.
func EntryJSON(e Entry) []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives audit entries. Implementations must not block the caller
// for long; durable sinks buffer and write asynchronously.
type Sink interface {
	Log(Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry)

// Log calls f(e).
func (f SinkFunc) Log(e Entry) { f(e) }

// Discard drops every entry.
var Discard Sink = SinkFunc(func(Entry) {})

// Fanout returns a sink that forwards to each non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Discard
	case 1:
		return live[0]
	}
	return SinkFunc(func(e Entry) {
		for _, s := range live {
			s.Log(e)
		}
	})
}
