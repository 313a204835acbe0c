package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/ring"
	"github.com/oktsec/riskgate/internal/risk"
)

// Filter selects trail entries. Zero fields match everything.
type Filter struct {
	Component string
	Actor     string
	Subject   string
	Outcome   string
	RiskLevel string // minimum level, inclusive
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) match(e Entry) bool {
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Outcome != "" && !strings.EqualFold(e.Outcome, f.Outcome) {
		return false
	}
	if f.RiskLevel != "" {
		floor, ok := risk.ParseLevel(f.RiskLevel)
		if ok && risk.Level(e.RiskLevel).Rank() < floor.Rank() {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Trail is an append-only, capped, in-memory audit log. Past capacity the
// oldest entries are evicted.
type Trail struct {
	mu      sync.RWMutex
	buf     *ring.Buffer[Entry]
	evicted int
}

// NewTrail creates a trail holding at most capacity entries.
func NewTrail(capacity int) *Trail {
	return &Trail{buf: ring.New[Entry](capacity)}
}

// Log appends e.
func (t *Trail) Log(e Entry) {
	t.mu.Lock()
	if t.buf.Push(e) {
		t.evicted++
	}
	t.mu.Unlock()
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buf.Len()
}

// Evicted returns how many entries were dropped for capacity.
func (t *Trail) Evicted() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evicted
}

// Search returns matching entries, newest first.
func (t *Trail) Search(f Filter) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for i := t.buf.Len() - 1; i >= 0; i-- {
		e := t.buf.At(i)
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Each calls fn for every entry oldest first until fn returns false.
func (t *Trail) Each(fn func(Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.buf.Each(fn)
}
