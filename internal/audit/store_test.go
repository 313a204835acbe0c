package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLogAndQuery(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	store.Log(Entry{
		ID:        "d-1",
		Timestamp: base,
		Component: "rbac",
		Actor:     "alice",
		Subject:   "customer_data_vault",
		Action:    "READ",
		Outcome:   "ALLOW",
		Allowed:   true,
		RiskScore: 0.1,
		RiskLevel: "LOW",
		Details:   map[string]any{"session_id": "s-1"},
	})
	store.Log(Entry{
		ID:        "d-2",
		Timestamp: base.Add(time.Minute),
		Component: "isolation",
		Actor:     "checkout",
		Subject:   "database-primary",
		Outcome:   "DENY",
		Reason:    "not in allowed services",
		RiskScore: 0.7,
		RiskLevel: "HIGH",
	})

	// Wait for async writes
	store.Flush()

	entries, err := store.Query(QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "d-2" {
		t.Errorf("newest first: got %q", entries[0].ID)
	}

	denied, err := store.Query(QueryOpts{Denied: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 1 || denied[0].Reason != "not in allowed services" {
		t.Errorf("denied = %+v", denied)
	}

	byActor, err := store.Query(QueryOpts{Actor: "customer_data_vault"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byActor) != 1 || byActor[0].Details["session_id"] != "s-1" {
		t.Errorf("by subject = %+v", byActor)
	}

	byComponent, err := store.Query(QueryOpts{Component: "isolation", Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byComponent) != 1 {
		t.Errorf("got %d isolation entries, want 1", len(byComponent))
	}
	if !byComponent[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamp round trip = %v", byComponent[0].Timestamp)
	}
}

func TestQueryByID(t *testing.T) {
	store := newTestStore(t)

	store.Log(Entry{ID: "byid-1", Timestamp: time.Now(), Component: "dlp", Actor: "bob", Outcome: "ALLOW", Allowed: true, RiskLevel: "LOW"})
	store.Flush()

	e, err := store.QueryByID("byid-1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Actor != "bob" || !e.Allowed {
		t.Errorf("QueryByID = %+v", e)
	}

	// Miss returns nil, nil
	e, err = store.QueryByID("nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("expected nil for nonexistent")
	}
}

func TestQueryStats(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	for i, c := range []string{"rbac", "rbac", "dlp", "pipeline"} {
		store.Log(Entry{
			ID:        "s-" + string(rune('a'+i)),
			Timestamp: now,
			Component: c,
			Actor:     "u",
			Outcome:   "ALLOW",
			Allowed:   i%2 == 0,
			RiskLevel: "LOW",
		})
	}
	store.Flush()

	st, err := store.QueryStats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 4 || st.Allowed != 2 || st.Denied != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByComponent["rbac"] != 2 {
		t.Errorf("rbac = %d, want 2", st.ByComponent["rbac"])
	}
}

func TestPurgeOldEntries(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)

	for _, e := range []Entry{
		{ID: "recent-1", Timestamp: now, Component: "rbac", Actor: "a", Outcome: "ALLOW", RiskLevel: "LOW"},
		{ID: "recent-2", Timestamp: now.Add(-time.Hour), Component: "rbac", Actor: "a", Outcome: "ALLOW", RiskLevel: "LOW"},
		{ID: "old-1", Timestamp: old, Component: "rbac", Actor: "a", Outcome: "ALLOW", RiskLevel: "LOW"},
		{ID: "old-2", Timestamp: old.Add(-time.Hour), Component: "rbac", Actor: "a", Outcome: "DENY", RiskLevel: "HIGH"},
	} {
		store.Log(e)
	}
	store.Flush()

	n, err := store.PurgeOldEntries(30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}

	stats, err := store.QueryStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("remaining = %d, want 2", stats.Total)
	}

	n, err = store.PurgeOldEntries(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("purged %d with 0 days, want 0", n)
	}
}

func TestHubBroadcast(t *testing.T) {
	store := newTestStore(t)
	ch := store.Hub.Subscribe()
	defer store.Hub.Unsubscribe(ch)

	store.Log(Entry{ID: "hub1", Timestamp: time.Now(), Component: "threatintel", Actor: "svc", Outcome: "MONITOR", RiskLevel: "MEDIUM"})
	store.Flush()

	select {
	case e := <-ch:
		if e.ID != "hub1" {
			t.Errorf("broadcast entry ID = %q, want hub1", e.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestLogAfterCloseIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	store.Log(Entry{ID: "late"})
	store.Flush()
	if err := store.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestEntryJSON(t *testing.T) {
	b := EntryJSON(Entry{ID: "j1", Outcome: "DENY"})
	if !strings.Contains(string(b), `"id":"j1"`) {
		t.Errorf("JSON missing id: %s", b)
	}
}
