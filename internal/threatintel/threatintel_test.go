package threatintel

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday, business hours.
var t0 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg config.ThreatIntelConfig, opts ...Option) *Service {
	t.Helper()
	if cfg.Holidays == nil {
		cfg.Holidays = config.Defaults().ThreatIntel.Holidays
	}
	feed, err := NewFeed(cfg, quietLogger())
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return New(cfg, feed, nil, quietLogger(), opts...)
}

func threatIDs(a Analysis) []string {
	var ids []string
	for _, th := range a.Threats {
		ids = append(ids, th.ID)
	}
	return ids
}

func TestAnalyze_RyukVariant(t *testing.T) {
	var hooked []Incident
	s := newTestService(t, config.ThreatIntelConfig{}, WithIncidentHook(func(inc Incident) {
		hooked = append(hooked, inc)
	}))

	a := s.Analyze(ActivityEvent{
		Type:          "file_activity",
		SourceService: "ledger-service",
		UserID:        "svc-ledger",
		Content:       "Detected RANSOMWARE encryption of ledger files",
		Timestamp:     t0,
	})

	require.Equal(t, []string{"ryuk-variant"}, threatIDs(a))
	ryuk := a.Threats[0]
	assert.Equal(t, risk.Critical, ryuk.Severity)
	assert.Equal(t, []string{"ransomware", "encryption"}, ryuk.Matched)
	assert.Greater(t, a.RiskScore, 0.5)
	assert.InDelta(t, 0.95, a.RiskScore, 1e-9)
	assert.Equal(t, ActionImmediateResponse, a.Action)
	assert.Contains(t, a.Recommendations, "isolate affected hosts and verify offline backups")

	require.NotEmpty(t, a.IncidentID)
	require.Len(t, hooked, 1)
	assert.Equal(t, "ledger-service", hooked[0].SourceService)
	assert.Equal(t, a.IncidentID, hooked[0].ID)
}

func TestAnalyze_MinMatches(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{})
	a := s.Analyze(ActivityEvent{Type: "config_change", Content: "encryption at rest enabled", Timestamp: t0})
	assert.Empty(t, a.Threats)
	assert.NotNil(t, a.Threats)
	assert.Equal(t, 0.0, a.RiskScore)
	assert.Equal(t, ActionAllow, a.Action)
	assert.Empty(t, a.IncidentID)
}

func TestAnalyze_LiteralKeywordMatch(t *testing.T) {
	path := writeFeed(t, t.TempDir(), `indicators:
  - id: rd-exfil
    name: R&D archive exfiltration
    type: exfiltration
    severity: HIGH
    confidence: 0.9
    keywords: ["r&d-dump.zip", "<payload>"]
  - id: field-names
    name: Matches only wrapper keys
    type: noise
    severity: LOW
    confidence: 0.5
    keywords: [content, attributes, service]
`)
	s := newTestService(t, config.ThreatIntelConfig{FeedFile: path})

	a := s.Analyze(ActivityEvent{
		Type:       "upload",
		Content:    `uploading R&D-dump.zip now with "<payload>"`,
		Attributes: map[string]string{"path": `c:\exports`},
		Timestamp:  t0,
	})
	require.Contains(t, threatIDs(a), "rd-exfil")
	assert.NotContains(t, threatIDs(a), "field-names")
	for _, th := range a.Threats {
		if th.ID == "rd-exfil" {
			assert.Equal(t, []string{"r&d-dump.zip", "<payload>"}, th.Matched)
		}
	}
}

func TestActivityEventText(t *testing.T) {
	ev := ActivityEvent{
		Type:          "Login",
		SourceService: "Auth",
		Content:       "a & b\nquoted \"x\"",
		Attributes:    map[string]string{"zone": "EU", "host": "H1"},
		RequestCount:  5000,
	}
	assert.Equal(t, "login\n\nauth\n\na & b\nquoted \"x\"\nhost=h1\nzone=eu", ev.text())
}

func TestAnalyze_ConfidenceWeightedRisk(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{})
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	a := s.Analyze(ActivityEvent{Type: "email", Content: "emotet payload attached", Timestamp: saturday})

	assert.ElementsMatch(t, []string{"emotet", "heuristic-timing"}, threatIDs(a))
	want := (0.85*(0.75*0.85) + 0.6*(0.5*0.6)) / (0.85 + 0.6)
	assert.InDelta(t, want, a.RiskScore, 1e-9)
	assert.Equal(t, ActionMonitor, a.Action)
}

func TestHeuristics(t *testing.T) {
	tests := []struct {
		name    string
		ev      ActivityEvent
		id      string
		matched []string
		sev     risk.Level
		action  Action
	}{
		{
			name:    "off hours",
			ev:      ActivityEvent{Timestamp: time.Date(2026, 3, 3, 23, 0, 0, 0, time.UTC)},
			id:      "heuristic-timing",
			matched: []string{"off_hours"},
			sev:     risk.Medium,
		},
		{
			name:    "holiday",
			ev:      ActivityEvent{Timestamp: time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC)},
			id:      "heuristic-timing",
			matched: []string{"holiday"},
			sev:     risk.Medium,
		},
		{
			name:    "weekend night",
			ev:      ActivityEvent{Timestamp: time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)},
			id:      "heuristic-timing",
			matched: []string{"off_hours", "weekend"},
			sev:     risk.Medium,
		},
		{
			name:    "volume",
			ev:      ActivityEvent{Timestamp: t0, RequestCount: 5000, PayloadSize: 200 << 20},
			id:      "heuristic-volume",
			matched: []string{"payload_size", "request_count"},
			sev:     risk.High,
			action:  ActionInvestigate,
		},
		{
			name:    "connections",
			ev:      ActivityEvent{Timestamp: t0, ConnectionCount: 101},
			id:      "heuristic-volume",
			matched: []string{"connection_count"},
			sev:     risk.High,
			action:  ActionInvestigate,
		},
		{
			name:    "hops and scan",
			ev:      ActivityEvent{Timestamp: t0, ServiceHops: 5, NetworkScan: true},
			id:      "heuristic-lateral-movement",
			matched: []string{"service_hops", "network_scan"},
			sev:     risk.High,
			action:  ActionInvestigate,
		},
		{
			name:    "privilege escalation",
			ev:      ActivityEvent{Timestamp: t0, PrivilegeEscalation: true},
			id:      "heuristic-lateral-movement",
			matched: []string{"privilege_escalation"},
			sev:     risk.Critical,
			action:  ActionHighPriority,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t, config.ThreatIntelConfig{})
			a := s.Analyze(tt.ev)
			require.Len(t, a.Threats, 1)
			th := a.Threats[0]
			assert.Equal(t, tt.id, th.ID)
			assert.True(t, th.Heuristic)
			assert.Equal(t, tt.matched, th.Matched)
			assert.Equal(t, tt.sev, th.Severity)
			if tt.action != "" {
				assert.Equal(t, tt.action, a.Action)
			}
		})
	}
}

func TestAnalyze_HopsAtLimitIgnored(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{})
	a := s.Analyze(ActivityEvent{Timestamp: t0, ServiceHops: 3, RequestCount: 1000, ConnectionCount: 100})
	assert.Empty(t, a.Threats)
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Action
	}{
		{0, ActionAllow},
		{0.29, ActionAllow},
		{0.3, ActionMonitor},
		{0.5, ActionInvestigate},
		{0.69, ActionInvestigate},
		{0.7, ActionHighPriority},
		{0.9, ActionImmediateResponse},
		{1, ActionImmediateResponse},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ActionFor(tt.score), "score %v", tt.score)
	}
}

func TestIncidents_CappedAndResolvable(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{IncidentHistory: 3})
	var ids []string
	for range 5 {
		a := s.Analyze(ActivityEvent{Type: "x", Content: "ryuk ransomware", Timestamp: t0})
		require.NotEmpty(t, a.IncidentID)
		ids = append(ids, a.IncidentID)
	}

	all := s.Incidents(false)
	require.Len(t, all, 3)
	assert.Equal(t, ids[4], all[0].ID, "newest first")

	assert.ErrorIs(t, s.ResolveIncident(ids[0], "evicted"), ErrIncidentNotFound)
	require.NoError(t, s.ResolveIncident(ids[3], "host reimaged"))
	assert.ErrorIs(t, s.ResolveIncident(ids[3], "again"), ErrIncidentResolved)

	inc, ok := s.Incident(ids[3])
	require.True(t, ok)
	assert.True(t, inc.Resolved)
	assert.Equal(t, "host reimaged", inc.Resolution)
	require.NotNil(t, inc.ResolvedAt)

	assert.Len(t, s.Incidents(true), 2)
}

func TestSummary(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{})
	s.Analyze(ActivityEvent{Content: "ryuk ransomware", Timestamp: t0})
	s.Analyze(ActivityEvent{Content: "ryuk encryption", Timestamp: t0})
	s.Analyze(ActivityEvent{Content: "emotet dropper", Timestamp: t0})
	s.Analyze(ActivityEvent{Content: "nothing to see", Timestamp: t0})

	sum := s.Summary()
	assert.Equal(t, len(BuiltinIndicators()), sum.Indicators)
	assert.Equal(t, 1, sum.FeedVersion)
	assert.Equal(t, 4, sum.Analyses)
	assert.Equal(t, 2, sum.Incidents)
	assert.Equal(t, 2, sum.OpenIncidents)
	require.NotEmpty(t, sum.TopThreats)
	assert.Equal(t, ThreatCount{ID: "ryuk-variant", Count: 2}, sum.TopThreats[0])
	assert.Equal(t, 2, sum.ActionBreakdown[ActionImmediateResponse])
	assert.Equal(t, 1, sum.ActionBreakdown[ActionAllow])
}

func TestAnalyze_AuditSink(t *testing.T) {
	var mu sync.Mutex
	var entries []audit.Entry
	cfg := config.ThreatIntelConfig{Holidays: []string{}}
	feed, err := NewFeed(cfg, quietLogger())
	require.NoError(t, err)
	s := New(cfg, feed, audit.SinkFunc(func(e audit.Entry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	}), quietLogger(), WithClock(func() time.Time { return t0 }))

	a := s.Analyze(ActivityEvent{Type: "upload", UserID: "mallory", SourceService: "files", Content: "rclone to mega.nz", Timestamp: t0})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, Component, e.Component)
	assert.Equal(t, "mallory", e.Actor)
	assert.Equal(t, "files", e.Subject)
	assert.Equal(t, string(a.Action), e.Outcome)
	assert.Equal(t, a.ID, e.CorrelationID)
	assert.True(t, e.Allowed)
}

func TestConcurrentAnalyze(t *testing.T) {
	s := newTestService(t, config.ThreatIntelConfig{})
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Analyze(ActivityEvent{Content: "ryuk ransomware", Timestamp: t0})
		}()
	}
	wg.Wait()
	sum := s.Summary()
	assert.Equal(t, 100, sum.Analyses)
	assert.Equal(t, 100, sum.Incidents)
}
