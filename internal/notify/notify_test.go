package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/oktsec/riskgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
	ctype  string
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(b))
		r.ctype = req.Header.Get("Content-Type")
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func TestRenderTemplate(t *testing.T) {
	ev := Event{
		Event:     EventIncident,
		ID:        "inc-1",
		Source:    "ledger-service",
		Severity:  "CRITICAL",
		Summary:   "ryuk-variant matched",
		Timestamp: "2026-03-03T10:00:00Z",
	}
	out := RenderTemplate("{{EVENT}} {{ID}} {{SOURCE}} {{SEVERITY}} {{SUMMARY}} {{TIMESTAMP}}", ev)

	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	want := "incident inc-1 ledger-service CRITICAL ryuk-variant matched 2026-03-03T10:00:00Z"
	if payload["text"] != want {
		t.Errorf("text = %q, want %q", payload["text"], want)
	}
}

func TestNotify_JSONAndTemplate(t *testing.T) {
	var plain, slack recorder
	plainSrv := plain.server(t)
	slackSrv := slack.server(t)

	n := newNotifier([]config.Webhook{
		{URL: plainSrv.URL, Events: []string{EventIncident}},
		{URL: slackSrv.URL, Template: "Alert {{ID}}"},
	}, plainSrv.Client(), testLogger())

	n.Notify(Event{Event: EventIncident, ID: "inc-7", RiskScore: 0.95})
	n.Wait()

	got := plain.received()
	if len(got) != 1 {
		t.Fatalf("plain webhook got %d deliveries, want 1", len(got))
	}
	var ev Event
	if err := json.Unmarshal([]byte(got[0]), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if ev.ID != "inc-7" || ev.Timestamp == "" {
		t.Errorf("unexpected event %+v", ev)
	}
	if plain.ctype != "application/json" {
		t.Errorf("content-type = %q", plain.ctype)
	}

	sg := slack.received()
	if len(sg) != 1 || sg[0] != `{"text":"Alert inc-7"}` {
		t.Errorf("slack webhook got %v", sg)
	}
}

func TestNotify_EventFilter(t *testing.T) {
	var rec recorder
	srv := rec.server(t)
	n := newNotifier([]config.Webhook{{URL: srv.URL, Events: []string{EventIncident}}}, srv.Client(), testLogger())

	n.Notify(Event{Event: EventPipelineFailure, ID: "p-1"})
	n.Wait()
	if got := rec.received(); len(got) != 0 {
		t.Errorf("expected no delivery, got %v", got)
	}
}

func TestNotify_RateLimited(t *testing.T) {
	var rec recorder
	srv := rec.server(t)
	n := newNotifier([]config.Webhook{{URL: srv.URL}}, srv.Client(), testLogger())

	for range deliveryBurst + 3 {
		n.Notify(Event{Event: EventIncident, ID: "x"})
	}
	n.Wait()
	if got := len(rec.received()); got != deliveryBurst {
		t.Errorf("delivered %d, want %d", got, deliveryBurst)
	}
	if n.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", n.Dropped())
	}
}

func TestNew_SkipsInvalidURLs(t *testing.T) {
	n := New([]config.Webhook{
		{URL: "https://hooks.example.com/a"},
		{URL: "https://127.0.0.1/bad"},
		{URL: "gopher://example.com"},
		{URL: "https://alerts.example.org/b"},
	}, testLogger())
	if n.Len() != 2 {
		t.Errorf("expected 2 valid webhooks, got %d", n.Len())
	}
}

func TestMatchesEvent(t *testing.T) {
	if !matchesEvent(nil, EventIncident) {
		t.Error("empty filter should match everything")
	}
	if matchesEvent([]string{EventIncident}, EventPipelineFailure) {
		t.Error("filter should exclude other events")
	}
}
