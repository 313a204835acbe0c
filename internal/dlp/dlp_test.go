package dlp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/engine"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 10:00 UTC
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T, cfg config.DLPConfig, opts ...Option) *Analyzer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, logger, opts...)
	require.NoError(t, err)
	return a
}

func send(a *Analyzer, user, dest, content string, at time.Time) Analysis {
	return a.AnalyzeTransmission(context.Background(), TransmissionEvent{
		UserID: user, Destination: dest, Content: content, Timestamp: at,
	})
}

func TestAnalyze_CleanTransmissionAllowed(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	an := send(a, "alice", "reports.corp.internal", "meeting notes for tuesday", monday)

	assert.Equal(t, decision.OutcomeAllow, an.Action)
	assert.Empty(t, an.Violations)
	assert.Equal(t, 0.0, an.RiskScore)
	assert.True(t, an.Recorded)
	// unseen destination only
	assert.InDelta(t, 0.24, an.Behavior.Score, 1e-9)
}

func TestAnalyze_CreditCardIsCritical(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	for _, content := range []string{
		"card 4111111111111111 exp 09/29",
		"card 4111 1111 1111 1111",
		"card 4111-1111-1111-1111",
	} {
		an := send(a, "bob", "reports.corp.internal", content, monday)
		require.True(t, an.HasViolation(DataClassification), content)
		assert.Equal(t, risk.Critical, an.Violations[0].Severity)
		assert.Equal(t, 0.9, an.Violations[0].Score)
		assert.Equal(t, decision.OutcomeBlock, an.Action)
	}
}

func TestAnalyze_Classification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		level   risk.Level
		score   float64
	}{
		{"ssn", "ssn 123-45-6789 on file", risk.Critical, 0.9},
		{"email", "reach me at jane.doe@example.com", risk.Medium, 0.6},
		{"phone", "call (555) 123-4567 tomorrow", risk.Medium, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer(t, config.DLPConfig{})
			an := send(a, "u", "reports.corp.internal", tt.content, monday)
			require.Len(t, an.Violations, 1)
			assert.Equal(t, DataClassification, an.Violations[0].Type)
			assert.Equal(t, tt.level, an.Violations[0].Severity)
			assert.InDelta(t, tt.score, an.RiskScore, 1e-9)
		})
	}
}

func TestAnalyze_ClassificationCountsOncePerType(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	an := send(a, "u", "reports.corp.internal", "a@example.com b@example.com c@example.com", monday)
	require.Len(t, an.Violations, 1)
	assert.InDelta(t, 0.6, an.RiskScore, 1e-9)
}

func TestAnalyze_KeywordsAccumulate(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	an := send(a, "carol", "reports.corp.internal", "Attached the WIRE TRANSFER form and the swift code", monday)

	assert.InDelta(t, 0.4, an.RiskScore, 1e-9)
	assert.Equal(t, decision.OutcomeReview, an.Action)
	for _, v := range an.Violations {
		assert.Equal(t, KeywordMatch, v.Type)
		assert.Equal(t, risk.High, v.Severity)
	}
	assert.Len(t, an.Violations, 2)
}

func TestAnalyze_RestrictedDestination(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	tests := []struct{ dest, category string }{
		{"someone@gmail.com", "personal_email"},
		{"https://www.dropbox.com/upload", "cloud_storage"},
		{"https://pastebin.com/new", "external_service"},
	}
	for _, tt := range tests {
		an := send(a, "dave", tt.dest, "status update", monday)
		require.True(t, an.HasViolation(DestinationRestriction), tt.dest)
		assert.Contains(t, an.Violations[0].Description, tt.category)
		assert.InDelta(t, 0.7, an.RiskScore, 1e-9)
		assert.Equal(t, decision.OutcomeQuarantine, an.Action)
	}
}

func TestAnalyze_VolumeAnomaly(t *testing.T) {
	t.Run("absolute threshold", func(t *testing.T) {
		a := newTestAnalyzer(t, config.DLPConfig{VolumeThresholdBytes: 1000})
		an := a.AnalyzeTransmission(context.Background(), TransmissionEvent{
			UserID: "u", Destination: "reports.corp.internal", Content: "x", Size: 5000, Timestamp: monday,
		})
		assert.True(t, an.HasViolation(VolumeAnomaly))
	})

	t.Run("relative to history", func(t *testing.T) {
		a := newTestAnalyzer(t, config.DLPConfig{})
		for i := range 5 {
			send(a, "u", "reports.corp.internal", strings.Repeat("a", 100), monday.Add(time.Duration(i)*time.Minute))
		}
		an := send(a, "u", "reports.corp.internal", strings.Repeat("a", 600), monday.Add(time.Hour))
		assert.True(t, an.HasViolation(VolumeAnomaly))

		below := send(a, "u", "reports.corp.internal", strings.Repeat("a", 400), monday.Add(2*time.Hour))
		assert.False(t, below.HasViolation(VolumeAnomaly))
	})

	t.Run("needs five samples", func(t *testing.T) {
		a := newTestAnalyzer(t, config.DLPConfig{})
		for i := range 4 {
			send(a, "u", "reports.corp.internal", strings.Repeat("a", 100), monday.Add(time.Duration(i)*time.Minute))
		}
		an := send(a, "u", "reports.corp.internal", strings.Repeat("a", 600), monday.Add(time.Hour))
		assert.False(t, an.HasViolation(VolumeAnomaly))
	})
}

func TestAnalyze_TimingAnomaly(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	late := send(a, "u", "reports.corp.internal", "notes", time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	require.True(t, late.HasViolation(TimingAnomaly))
	assert.Equal(t, risk.Low, late.Violations[0].Severity)
	assert.InDelta(t, 0.2, late.RiskScore, 1e-9)

	weekend := send(a, "u", "reports.corp.internal", "notes", time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC))
	assert.True(t, weekend.HasViolation(TimingAnomaly))
}

func TestAnalyze_BehavioralAnomaly(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	// one send a day through the previous week
	for day := range 5 {
		send(a, "erin", "reports.corp.internal", "short note", monday.AddDate(0, 0, day-7))
	}

	// new destination 0.24 + length 0.3 + size 0.2; one send today matches the
	// daily mean and 45 bytes stays under the 5x volume rule
	an := send(a, "erin", "ledger-sync.partner.net", strings.Repeat("z", 45), monday)
	assert.False(t, an.HasViolation(VolumeAnomaly))
	require.True(t, an.HasViolation(BehavioralAnomaly))
	assert.InDelta(t, 0.74, an.Behavior.Score, 1e-9)
	assert.InDelta(t, 0.4*0.74, an.RiskScore, 1e-9)
}

type fakeScanner struct {
	result *engine.Result
	err    error
}

func (f fakeScanner) ScanContent(context.Context, string) (*engine.Result, error) {
	return f.result, f.err
}

func TestAnalyze_ContentScanner(t *testing.T) {
	scanner := fakeScanner{result: &engine.Result{
		Outcome: decision.OutcomeBlock,
		Findings: []engine.Finding{
			{RuleID: "FIN-001", Name: "Payment instruction change", Severity: risk.Critical, Score: 0.9},
			{RuleID: "X-1", Name: "informational", Severity: risk.Low},
		},
	}}
	a := newTestAnalyzer(t, config.DLPConfig{}, WithScanner(scanner))
	an := send(a, "u", "reports.corp.internal", "please change the beneficiary account", monday)
	require.Len(t, an.Violations, 1)
	assert.Equal(t, ContentScan, an.Violations[0].Type)
	assert.Contains(t, an.Violations[0].Description, "FIN-001")
	assert.Equal(t, decision.OutcomeBlock, an.Action)

	failing := newTestAnalyzer(t, config.DLPConfig{}, WithScanner(fakeScanner{err: errors.New("boom")}))
	an = send(failing, "u", "reports.corp.internal", "notes", monday)
	assert.Empty(t, an.Violations)
}

func TestBaselinePolicy(t *testing.T) {
	t.Run("record all", func(t *testing.T) {
		a := newTestAnalyzer(t, config.DLPConfig{})
		an := send(a, "u", "x@gmail.com", "ssn 123-45-6789", monday)
		require.Equal(t, decision.OutcomeBlock, an.Action)
		assert.True(t, an.Recorded)
		p, _ := a.Profile("u")
		assert.Equal(t, []string{"x@gmail.com"}, p.Destinations)
	})

	t.Run("exclude anomalous", func(t *testing.T) {
		a := newTestAnalyzer(t, config.DLPConfig{BaselinePolicy: config.BaselineExcludeAnomalous})
		an := send(a, "u", "x@gmail.com", "ssn 123-45-6789", monday)
		assert.False(t, an.Recorded)
		p, ok := a.Profile("u")
		require.True(t, ok)
		assert.Equal(t, 0, p.Transmissions)

		ok2 := send(a, "u", "reports.corp.internal", "notes", monday)
		assert.True(t, ok2.Recorded)
	})
}

func TestSetBaselinePolicy_ConcurrentWithAnalysis(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			send(a, "u", "reports.corp.internal", "notes", monday)
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				a.SetBaselinePolicy(ExcludeAnomalous)
			} else {
				a.SetBaselinePolicy(nil)
			}
		}()
	}
	wg.Wait()

	a.SetBaselinePolicy(func(Analysis) bool { return false })
	an := send(a, "late", "reports.corp.internal", "notes", monday)
	assert.False(t, an.Recorded)
}

func TestProfile(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{HistorySize: 3})
	_, ok := a.Profile("nobody")
	assert.False(t, ok)

	for i, dest := range []string{"a.corp", "b.corp", "c.corp", "d.corp"} {
		send(a, "u", dest, "1234567890", monday.AddDate(0, 0, i*20))
	}
	p, ok := a.Profile("u")
	require.True(t, ok)
	assert.Equal(t, 3, p.Transmissions)
	assert.Equal(t, []string{"b.corp", "c.corp", "d.corp"}, p.Destinations)
	assert.Equal(t, 10.0, p.MeanContentLength)
	// days older than 30 days before the last send are pruned
	assert.Len(t, p.DailyCounts, 2)
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, decision.OutcomeAllow, ActionFor(0.39))
	assert.Equal(t, decision.OutcomeReview, ActionFor(0.4))
	assert.Equal(t, decision.OutcomeQuarantine, ActionFor(0.6))
	assert.Equal(t, decision.OutcomeBlock, ActionFor(0.8))
}

func TestConcurrentSameUser(t *testing.T) {
	a := newTestAnalyzer(t, config.DLPConfig{})
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				send(a, "u", "reports.corp.internal", "notes", monday.Add(time.Duration(w*25+i)*time.Second))
			}
		}()
	}
	wg.Wait()
	p, _ := a.Profile("u")
	assert.Equal(t, 100, p.Transmissions)
}

func TestNew_RejectsBadDestinationPattern(t *testing.T) {
	_, err := New(config.DLPConfig{RestrictedDestinations: []config.DestinationRule{{Category: "x", Pattern: "("}}}, nil)
	assert.Error(t, err)
}
