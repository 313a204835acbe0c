// Package dlp scores outbound transmissions for data-exfiltration risk using
// content classification and each user's sending behavior.
package dlp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/engine"
	"github.com/oktsec/riskgate/internal/keylock"
	"github.com/oktsec/riskgate/internal/ring"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in decisions and audit entries.
const Component = "dlp"

// Violation types.
const (
	KeywordMatch           = "KEYWORD_MATCH"
	BehavioralAnomaly      = "BEHAVIORAL_ANOMALY"
	DataClassification     = "DATA_CLASSIFICATION"
	DestinationRestriction = "DESTINATION_RESTRICTION"
	VolumeAnomaly          = "VOLUME_ANOMALY"
	TimingAnomaly          = "TIMING_ANOMALY"
	ContentScan            = "CONTENT_SCAN"
)

const (
	behaviorThreshold = 0.7
	volumeMultiplier  = 5
	volumeMinSamples  = 5
	dailyWindow       = 30
)

// TransmissionEvent is one outbound transfer.
type TransmissionEvent struct {
	UserID      string    `json:"user_id"`
	Destination string    `json:"destination"`
	Content     string    `json:"content"`
	Size        int64     `json:"size,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Behavior is the composite behavioral score and its inputs.
type Behavior struct {
	Score   float64       `json:"score"`
	Factors []risk.Factor `json:"factors"`
}

// Analysis is the result of scoring one transmission.
type Analysis struct {
	ID              string            `json:"id"`
	Component       string            `json:"component"`
	UserID          string            `json:"user_id"`
	Destination     string            `json:"destination"`
	RiskScore       float64           `json:"risk_score"`
	RiskLevel       risk.Level        `json:"risk_level"`
	Violations      []decision.Reason `json:"violations"`
	Action          decision.Outcome  `json:"action"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Behavior        Behavior          `json:"behavior"`
	Recorded        bool              `json:"recorded"`
	Timestamp       time.Time         `json:"timestamp"`
}

// HasViolation reports whether a violation of kind is present.
func (a Analysis) HasViolation(kind string) bool {
	for _, v := range a.Violations {
		if v.Type == kind {
			return true
		}
	}
	return false
}

// ActionFor maps a risk score to the enforcement action.
func ActionFor(score float64) decision.Outcome {
	switch {
	case score >= 0.8:
		return decision.OutcomeBlock
	case score >= 0.6:
		return decision.OutcomeQuarantine
	case score >= 0.4:
		return decision.OutcomeReview
	default:
		return decision.OutcomeAllow
	}
}

// BaselinePolicy decides whether an analyzed transmission joins the user's
// behavior history.
type BaselinePolicy func(a Analysis) bool

// RecordAll appends every transmission.
func RecordAll(Analysis) bool { return true }

// ExcludeAnomalous keeps blocked and quarantined transmissions out of the
// baseline.
func ExcludeAnomalous(a Analysis) bool {
	return a.Action != decision.OutcomeBlock && a.Action != decision.OutcomeQuarantine
}

// PolicyByName maps the config value to a strategy.
func PolicyByName(name string) BaselinePolicy {
	if name == config.BaselineExcludeAnomalous {
		return ExcludeAnomalous
	}
	return RecordAll
}

// ContentScanner is an optional rule-engine pass over the content.
type ContentScanner interface {
	ScanContent(ctx context.Context, content string) (*engine.Result, error)
}

type classifier struct {
	re      *regexp.Regexp
	level   risk.Level
	score   float64
	summary string
}

var classifiers = []classifier{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), risk.Critical, 0.9, "social security number"},
	{regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`), risk.Critical, 0.9, "credit card number"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), risk.Medium, 0.6, "email address"},
	{regexp.MustCompile(`(?:\+?1[-. ]?)?\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), risk.Medium, 0.6, "phone number"},
}

type destinationRule struct {
	category string
	re       *regexp.Regexp
}

type sample struct {
	destination string
	length      int
	size        int64
}

type profile struct {
	destinations map[string]int
	sent         *ring.Buffer[sample]
	daily        map[string]int
}

// Analyzer scores transmissions and keeps per-user behavior history.
type Analyzer struct {
	terms        []string
	destinations []destinationRule
	volumeLimit  int64
	historySize  int
	policy       atomic.Pointer[BaselinePolicy]
	scanner      ContentScanner
	logger       *slog.Logger

	locks    keylock.Map
	mu       sync.RWMutex
	profiles map[string]*profile
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithScanner enables the rule-engine content pass.
func WithScanner(s ContentScanner) Option {
	return func(a *Analyzer) { a.scanner = s }
}

// New creates an analyzer from the DLP section of the config.
func New(cfg config.DLPConfig, logger *slog.Logger, opts ...Option) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.FinancialTerms) == 0 {
		cfg.FinancialTerms = config.DefaultFinancialTerms()
	}
	if len(cfg.RestrictedDestinations) == 0 {
		cfg.RestrictedDestinations = config.DefaultRestrictedDestinations()
	}
	if cfg.VolumeThresholdBytes <= 0 {
		cfg.VolumeThresholdBytes = 10 << 20
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}

	a := &Analyzer{
		volumeLimit: cfg.VolumeThresholdBytes,
		historySize: cfg.HistorySize,
		logger:      logger,
		profiles:    make(map[string]*profile),
	}
	a.SetBaselinePolicy(PolicyByName(cfg.BaselinePolicy))
	for _, t := range cfg.FinancialTerms {
		a.terms = append(a.terms, strings.ToLower(t))
	}
	for _, d := range cfg.RestrictedDestinations {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling destination pattern %q: %w", d.Pattern, err)
		}
		a.destinations = append(a.destinations, destinationRule{category: d.Category, re: re})
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// SetBaselinePolicy swaps the history update strategy. It is safe to call
// while analyses are running.
func (a *Analyzer) SetBaselinePolicy(p BaselinePolicy) {
	if p == nil {
		p = RecordAll
	}
	a.policy.Store(&p)
}

func (a *Analyzer) baseline() BaselinePolicy {
	return *a.policy.Load()
}

func (a *Analyzer) profile(user string) *profile {
	a.mu.RLock()
	p, ok := a.profiles[user]
	a.mu.RUnlock()
	if ok {
		return p
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok = a.profiles[user]; ok {
		return p
	}
	p = &profile{
		destinations: make(map[string]int),
		sent:         ring.New[sample](a.historySize),
		daily:        make(map[string]int),
	}
	a.profiles[user] = p
	return p
}

// AnalyzeTransmission scores ev. A scanner failure is logged and the content
// pass is skipped; it never fails the analysis.
func (a *Analyzer) AnalyzeTransmission(ctx context.Context, ev TransmissionEvent) Analysis {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Size <= 0 {
		ev.Size = int64(len(ev.Content))
	}

	unlock := a.locks.Lock(ev.UserID)
	defer unlock()
	p := a.profile(ev.UserID)

	var violations []decision.Reason
	violations = append(violations, a.keywordViolations(ev.Content)...)

	behavior := a.behavior(p, ev)
	if behavior.Score > behaviorThreshold {
		violations = append(violations, decision.Reason{
			Type:        BehavioralAnomaly,
			Severity:    risk.High,
			Description: fmt.Sprintf("sending behavior deviates from history (%.2f)", behavior.Score),
			Score:       0.4 * behavior.Score,
		})
	}

	violations = append(violations, classify(ev.Content)...)
	if v, ok := a.destinationViolation(ev.Destination); ok {
		violations = append(violations, v)
	}
	if v, ok := a.volumeViolation(p, ev.Size); ok {
		violations = append(violations, v)
	}
	if v, ok := timingViolation(ev.Timestamp); ok {
		violations = append(violations, v)
	}
	violations = append(violations, a.scanViolations(ctx, ev.Content)...)

	score := decision.SumScores(violations)
	action := ActionFor(score)
	an := Analysis{
		ID:              decision.NewID(),
		Component:       Component,
		UserID:          ev.UserID,
		Destination:     ev.Destination,
		RiskScore:       score,
		RiskLevel:       risk.Bucket(score),
		Violations:      violations,
		Action:          action,
		Recommendations: recommendations(action, violations),
		Behavior:        behavior,
		Timestamp:       ev.Timestamp,
	}

	if a.baseline()(an) {
		a.record(p, ev)
		an.Recorded = true
	}

	if action != decision.OutcomeAllow {
		a.logger.Warn("transmission flagged",
			"user", ev.UserID, "destination", ev.Destination, "action", action, "score", score, "violations", len(violations))
	} else {
		a.logger.Debug("transmission allowed", "user", ev.UserID, "destination", ev.Destination, "score", score)
	}
	return an
}

func (a *Analyzer) keywordViolations(content string) []decision.Reason {
	lower := strings.ToLower(content)
	var out []decision.Reason
	for _, term := range a.terms {
		if strings.Contains(lower, term) {
			out = append(out, decision.Reason{
				Type:        KeywordMatch,
				Severity:    risk.High,
				Description: fmt.Sprintf("financial term %q", term),
				Score:       0.2,
			})
		}
	}
	return out
}

// behavior computes the composite deviation of ev from the user's history.
func (a *Analyzer) behavior(p *profile, ev TransmissionEvent) Behavior {
	history := p.sent.Items()
	var lenDev, sizeDev float64
	if len(history) > 0 {
		var lenSum, sizeSum float64
		for _, h := range history {
			lenSum += float64(h.length)
			sizeSum += float64(h.size)
		}
		n := float64(len(history))
		lenDev = risk.DeviationRatio(float64(len(ev.Content)), lenSum/n, 1)
		sizeDev = risk.DeviationRatio(float64(ev.Size), sizeSum/n, 1)
	}

	factors := []risk.Factor{
		{Name: "destination", Weight: 0.3, Value: risk.Familiarity(p.destinations[ev.Destination] > 0)},
		{Name: "content_length", Weight: 0.3, Value: lenDev},
		{Name: "frequency", Weight: 0.2, Value: frequencyDeviation(p.daily, ev.Timestamp)},
		{Name: "size", Weight: 0.2, Value: sizeDev},
	}
	return Behavior{Score: risk.WeightedSum(factors...), Factors: factors}
}

// frequencyDeviation compares today's count, including this transmission,
// with the mean count of the other recorded days.
func frequencyDeviation(daily map[string]int, at time.Time) float64 {
	today := dayKey(at)
	var sum, days float64
	for day, n := range daily {
		if day == today {
			continue
		}
		sum += float64(n)
		days++
	}
	if days == 0 {
		return 0
	}
	return risk.DeviationRatio(float64(daily[today]+1), sum/days, 1)
}

func classify(content string) []decision.Reason {
	var out []decision.Reason
	for _, c := range classifiers {
		if c.re.MatchString(content) {
			out = append(out, decision.Reason{
				Type:        DataClassification,
				Severity:    c.level,
				Description: c.summary + " detected",
				Score:       c.score,
			})
		}
	}
	return out
}

func (a *Analyzer) destinationViolation(dest string) (decision.Reason, bool) {
	for _, d := range a.destinations {
		if d.re.MatchString(dest) {
			return decision.Reason{
				Type:        DestinationRestriction,
				Severity:    risk.High,
				Description: fmt.Sprintf("destination %s is restricted (%s)", dest, d.category),
				Score:       0.7,
			}, true
		}
	}
	return decision.Reason{}, false
}

func (a *Analyzer) volumeViolation(p *profile, size int64) (decision.Reason, bool) {
	if size > a.volumeLimit {
		return decision.Reason{
			Type:        VolumeAnomaly,
			Severity:    risk.Medium,
			Description: fmt.Sprintf("size %d exceeds %d bytes", size, a.volumeLimit),
			Score:       0.3,
		}, true
	}
	if p.sent.Len() < volumeMinSamples {
		return decision.Reason{}, false
	}
	var sum float64
	p.sent.Each(func(s sample) bool {
		sum += float64(s.size)
		return true
	})
	mean := sum / float64(p.sent.Len())
	if float64(size) > volumeMultiplier*mean {
		return decision.Reason{
			Type:        VolumeAnomaly,
			Severity:    risk.Medium,
			Description: fmt.Sprintf("size %d is over %dx the user's average", size, volumeMultiplier),
			Score:       0.3,
		}, true
	}
	return decision.Reason{}, false
}

func timingViolation(at time.Time) (decision.Reason, bool) {
	h, wd := at.Hour(), at.Weekday()
	switch {
	case h < 6 || h >= 22:
		return decision.Reason{Type: TimingAnomaly, Severity: risk.Low, Description: "transmission outside business hours", Score: 0.2}, true
	case wd == time.Saturday || wd == time.Sunday:
		return decision.Reason{Type: TimingAnomaly, Severity: risk.Low, Description: "transmission on a weekend", Score: 0.2}, true
	}
	return decision.Reason{}, false
}

func (a *Analyzer) scanViolations(ctx context.Context, content string) []decision.Reason {
	if a.scanner == nil || content == "" {
		return nil
	}
	res, err := a.scanner.ScanContent(ctx, content)
	if err != nil {
		a.logger.Error("content scan failed", "error", err)
		return nil
	}
	var out []decision.Reason
	for _, f := range res.Findings {
		if f.Score <= 0 {
			continue
		}
		out = append(out, decision.Reason{
			Type:        ContentScan,
			Severity:    f.Severity,
			Description: fmt.Sprintf("%s: %s", f.RuleID, f.Name),
			Score:       f.Score,
		})
	}
	return out
}

func recommendations(action decision.Outcome, violations []decision.Reason) []string {
	var out []string
	switch action {
	case decision.OutcomeBlock:
		out = append(out, "block the transmission and notify the security team")
	case decision.OutcomeQuarantine:
		out = append(out, "hold the transmission for security review")
	case decision.OutcomeReview:
		out = append(out, "queue the transmission for manager review")
	}
	seen := make(map[string]bool)
	for _, v := range violations {
		if seen[v.Type] {
			continue
		}
		seen[v.Type] = true
		switch v.Type {
		case DataClassification:
			out = append(out, "redact or tokenize sensitive identifiers before sending")
		case DestinationRestriction:
			out = append(out, "use an approved corporate destination")
		case KeywordMatch:
			out = append(out, "confirm the recipient is authorized for financial data")
		case BehavioralAnomaly:
			out = append(out, "verify the request with the user out of band")
		case VolumeAnomaly:
			out = append(out, "split or justify the large transfer")
		}
	}
	return out
}

func (a *Analyzer) record(p *profile, ev TransmissionEvent) {
	if p.sent.Len() == p.sent.Cap() {
		old := p.sent.At(0)
		if p.destinations[old.destination] <= 1 {
			delete(p.destinations, old.destination)
		} else {
			p.destinations[old.destination]--
		}
	}
	p.sent.Push(sample{destination: ev.Destination, length: len(ev.Content), size: ev.Size})
	p.destinations[ev.Destination]++

	p.daily[dayKey(ev.Timestamp)]++
	cutoff := dayKey(ev.Timestamp.AddDate(0, 0, -dailyWindow))
	for day := range p.daily {
		if day < cutoff {
			delete(p.daily, day)
		}
	}
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// Profile is a read-only summary of a user's sending behavior.
type Profile struct {
	UserID            string         `json:"user_id"`
	Transmissions     int            `json:"transmissions"`
	Destinations      []string       `json:"destinations"`
	MeanContentLength float64        `json:"mean_content_length"`
	MeanSize          float64        `json:"mean_size"`
	DailyCounts       map[string]int `json:"daily_counts"`
}

// Profile returns the user's behavior summary and whether one exists.
func (a *Analyzer) Profile(user string) (Profile, bool) {
	a.mu.RLock()
	p, ok := a.profiles[user]
	a.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}
	unlock := a.locks.Lock(user)
	defer unlock()

	out := Profile{UserID: user, Transmissions: p.sent.Len(), DailyCounts: make(map[string]int, len(p.daily))}
	for d := range p.destinations {
		out.Destinations = append(out.Destinations, d)
	}
	sort.Strings(out.Destinations)
	for d, n := range p.daily {
		out.DailyCounts[d] = n
	}
	if n := p.sent.Len(); n > 0 {
		p.sent.Each(func(s sample) bool {
			out.MeanContentLength += float64(s.length)
			out.MeanSize += float64(s.size)
			return true
		})
		out.MeanContentLength /= float64(n)
		out.MeanSize /= float64(n)
	}
	return out, true
}
