// Package isolation enforces declarative network policy between named
// services and keeps a rolling record of the traffic it lets through.
package isolation

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/keylock"
	"github.com/oktsec/riskgate/internal/ring"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in decisions and audit entries.
const Component = "isolation"

// ThreatThreshold is the score above which communication is refused.
const ThreatThreshold = 0.7

const (
	timingWindow     = 10
	timingMinSamples = 3

	// scoreEpsilon absorbs float rounding so 0.4+0.3 compares equal to 0.7.
	scoreEpsilon = 1e-9
)

// CommunicationDetails describes one service-to-service call.
type CommunicationDetails struct {
	Port         int       `json:"port,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Encrypted    bool      `json:"encrypted"`
	Size         int64     `json:"size,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Record is one successful communication kept in the per-pair history.
type Record struct {
	Time time.Time `json:"time"`
	Size int64     `json:"size"`
}

type pairState struct {
	history *ring.Buffer[Record]
	rate    *slidingWindow
	conns   map[string]time.Time
	allowed int
	denied  int
}

// Isolator evaluates communications against the policy table.
type Isolator struct {
	logger      *slog.Logger
	now         func() time.Time
	idle        time.Duration
	window      time.Duration
	historySize int
	sensitive   []*regexp.Regexp

	locks    keylock.Map
	mu       sync.RWMutex
	policies map[string]config.NetworkPolicy
	flagged  map[string]bool
	pairs    map[string]*pairState
}

// Option configures an Isolator.
type Option func(*Isolator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Isolator) { i.now = now }
}

// New creates an isolator from the network section of the config.
func New(cfg config.NetworkConfig, logger *slog.Logger, opts ...Option) (*Isolator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := cfg.SensitivePatterns
	if len(patterns) == 0 {
		patterns = config.DefaultSensitiveServicePatterns()
	}
	sensitive := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling sensitive pattern %q: %w", p, err)
		}
		sensitive = append(sensitive, re)
	}
	iso := &Isolator{
		logger:      logger,
		now:         time.Now,
		idle:        cfg.ConnectionIdle,
		window:      cfg.RateWindow,
		historySize: cfg.HistorySize,
		sensitive:   sensitive,
		policies:    make(map[string]config.NetworkPolicy, len(cfg.Policies)),
		flagged:     make(map[string]bool),
		pairs:       make(map[string]*pairState),
	}
	if iso.idle <= 0 {
		iso.idle = 5 * time.Minute
	}
	if iso.window <= 0 {
		iso.window = time.Minute
	}
	if iso.historySize <= 0 {
		iso.historySize = 100
	}
	for name, p := range cfg.Policies {
		iso.policies[name] = p
	}
	for _, o := range opts {
		o(iso)
	}
	return iso, nil
}

// SetPolicy installs or replaces the policy owned by service.
func (iso *Isolator) SetPolicy(service string, p config.NetworkPolicy) {
	iso.mu.Lock()
	iso.policies[service] = p
	iso.mu.Unlock()
}

// Policy returns the policy owned by service.
func (iso *Isolator) Policy(service string) (config.NetworkPolicy, bool) {
	iso.mu.RLock()
	defer iso.mu.RUnlock()
	p, ok := iso.policies[service]
	return p, ok
}

// FlagService marks service as a known threat indicator.
func (iso *Isolator) FlagService(service string) {
	iso.mu.Lock()
	iso.flagged[service] = true
	iso.mu.Unlock()
	iso.logger.Warn("service flagged as threat indicator", "service", service)
}

// UnflagService clears a threat flag.
func (iso *Isolator) UnflagService(service string) {
	iso.mu.Lock()
	delete(iso.flagged, service)
	iso.mu.Unlock()
}

// Flagged reports whether service is currently flagged.
func (iso *Isolator) Flagged(service string) bool {
	iso.mu.RLock()
	defer iso.mu.RUnlock()
	return iso.flagged[service]
}

// IsSensitive reports whether service matches a sensitive-service pattern.
func (iso *Isolator) IsSensitive(service string) bool {
	for _, re := range iso.sensitive {
		if re.MatchString(service) {
			return true
		}
	}
	return false
}

func pairKey(source, target string) string { return source + "->" + target }

func (iso *Isolator) pair(source, target string) *pairState {
	key := pairKey(source, target)
	iso.mu.RLock()
	ps, ok := iso.pairs[key]
	iso.mu.RUnlock()
	if ok {
		return ps
	}
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if ps, ok = iso.pairs[key]; ok {
		return ps
	}
	ps = &pairState{
		history: ring.New[Record](iso.historySize),
		rate:    newSlidingWindow(iso.window),
		conns:   make(map[string]time.Time),
	}
	iso.pairs[key] = ps
	return ps
}

// CheckCommunication evaluates a call from source to target. The first
// failing check wins; nothing but the pair's denial counter changes unless
// every check passes.
func (iso *Isolator) CheckCommunication(source, target string, d CommunicationDetails) decision.Decision {
	at := d.Timestamp
	if at.IsZero() {
		at = iso.now()
	}

	policy, ok := iso.Policy(source)
	if !ok {
		dec := decision.Deny(Component, "NO_POLICY", risk.High,
			fmt.Sprintf("no network policy defined for %s", source), at,
			"define a network policy for the source service")
		iso.logger.Warn("communication denied", "source", source, "target", target, "reason", dec.Reason)
		return dec
	}

	unlock := iso.locks.Lock(pairKey(source, target))
	defer unlock()
	ps := iso.pair(source, target)

	dec, ok := iso.evaluate(source, target, policy, ps, d, at)
	if !ok {
		ps.denied++
		iso.logger.Warn("communication denied",
			"source", source, "target", target, "type", dec.PrimaryType(), "reason", dec.Reason, "level", dec.RiskLevel)
		return dec
	}

	ps.rate.hit(at)
	if d.ConnectionID != "" {
		ps.conns[d.ConnectionID] = at
	}
	ps.history.Push(Record{Time: at, Size: d.Size})
	ps.allowed++
	iso.logger.Debug("communication allowed", "source", source, "target", target, "threat_score", dec.RiskScore)
	return dec
}

func (iso *Isolator) evaluate(source, target string, p config.NetworkPolicy, ps *pairState, d CommunicationDetails, at time.Time) (decision.Decision, bool) {
	deny := func(kind string, level risk.Level, reason string, recs ...string) (decision.Decision, bool) {
		return decision.Deny(Component, kind, level, reason, at, recs...), false
	}

	if !slices.Contains(p.AllowedServices, target) {
		return deny("NOT_ALLOWED", risk.High,
			fmt.Sprintf("%s not in allowed services for %s", target, source),
			"add the target to the source's allowed services if the path is legitimate")
	}
	if slices.Contains(p.BlockedServices, target) {
		return deny("BLOCKED_SERVICE", risk.Critical,
			fmt.Sprintf("%s is blocked for %s", target, source),
			"route through an approved intermediary service")
	}
	if len(p.AllowedPorts) > 0 && !slices.Contains(p.AllowedPorts, d.Port) {
		return deny("PORT_NOT_ALLOWED", risk.Medium,
			fmt.Sprintf("port %d not allowed for %s", d.Port, source),
			"use one of the allowed ports")
	}
	if len(p.AllowedProtocols) > 0 && !containsFold(p.AllowedProtocols, d.Protocol) {
		return deny("PROTOCOL_NOT_ALLOWED", risk.Medium,
			fmt.Sprintf("protocol %q not allowed for %s", d.Protocol, source),
			"use one of the allowed protocols")
	}
	if p.RequireEncryption && !d.Encrypted {
		return deny("ENCRYPTION_REQUIRED", risk.High,
			fmt.Sprintf("encryption required for traffic from %s", source),
			"enable TLS on the connection")
	}
	if ps.rate.exceeded(at, p.RequestsPerMinute) {
		return deny("RATE_LIMIT_EXCEEDED", risk.Medium,
			fmt.Sprintf("rate limit of %d requests per minute exceeded", p.RequestsPerMinute),
			"reduce request rate or batch calls")
	}
	if p.MaxConnections > 0 {
		iso.reapIdle(ps, at)
		_, known := ps.conns[d.ConnectionID]
		if !known && len(ps.conns) >= p.MaxConnections {
			return deny("CONNECTION_LIMIT_EXCEEDED", risk.Medium,
				fmt.Sprintf("connection limit of %d reached for %s -> %s", p.MaxConnections, source, target),
				"close unused connections or reuse an existing one")
		}
	}

	factors := []risk.Factor{
		{Name: "flagged_source", Weight: 0.4, Value: boolValue(iso.Flagged(source))},
		{Name: "sensitive_target", Weight: 0.3, Value: boolValue(iso.IsSensitive(target))},
		{Name: "timing_anomaly", Weight: 0.3, Value: timingAnomaly(ps.history, at)},
	}
	score := risk.WeightedSum(factors...)
	if score > ThreatThreshold+scoreEpsilon {
		dec := decision.Decision{
			ID:        decision.NewID(),
			Component: Component,
			Outcome:   decision.OutcomeDeny,
			RiskScore: score,
			RiskLevel: risk.Bucket(score),
			Reason:    fmt.Sprintf("threat score %.2f exceeds %.2f", score, ThreatThreshold),
			Recommendations: []string{
				"investigate the source service",
				"verify the call pattern with the service owner",
			},
			Timestamp: at,
		}
		for _, f := range factors {
			if c := f.Contribution(); c > 0 {
				dec.Reasons = append(dec.Reasons, decision.Reason{
					Type:        "THREAT_" + strings.ToUpper(f.Name),
					Severity:    risk.Bucket(f.Value),
					Description: f.Name,
					Score:       c,
				})
			}
		}
		return dec, false
	}
	return decision.Allow(Component, score, "communication permitted", at), true
}

// reapIdle drops connection ids not seen within the idle window.
func (iso *Isolator) reapIdle(ps *pairState, now time.Time) {
	for id, last := range ps.conns {
		if now.Sub(last) > iso.idle {
			delete(ps.conns, id)
		}
	}
}

// CloseConnection releases a connection id on a pair. It reports whether the
// id was open.
func (iso *Isolator) CloseConnection(source, target, connectionID string) bool {
	unlock := iso.locks.Lock(pairKey(source, target))
	defer unlock()
	iso.mu.RLock()
	ps, ok := iso.pairs[pairKey(source, target)]
	iso.mu.RUnlock()
	if !ok {
		return false
	}
	if _, open := ps.conns[connectionID]; !open {
		return false
	}
	delete(ps.conns, connectionID)
	return true
}

// History returns the successful communications recorded for a pair, oldest
// first.
func (iso *Isolator) History(source, target string) []Record {
	unlock := iso.locks.Lock(pairKey(source, target))
	defer unlock()
	iso.mu.RLock()
	ps, ok := iso.pairs[pairKey(source, target)]
	iso.mu.RUnlock()
	if !ok {
		return nil
	}
	return ps.history.Items()
}

// timingAnomaly compares the interval since the last recorded call with the
// mean of the trailing intervals.
func timingAnomaly(history *ring.Buffer[Record], now time.Time) float64 {
	recent := history.Last(timingWindow + 1)
	if len(recent)-1 < timingMinSamples {
		return 0
	}
	var sum float64
	for i := 1; i < len(recent); i++ {
		sum += recent[i].Time.Sub(recent[i-1].Time).Seconds()
	}
	mean := sum / float64(len(recent)-1)
	current := now.Sub(recent[len(recent)-1].Time).Seconds()
	return risk.DeviationRatio(current, mean, 0.001)
}

// Graph builds the service communication graph from the policy table and
// observed traffic.
func (iso *Isolator) Graph() *ServiceGraph {
	iso.mu.RLock()
	services := make([]ServiceMeta, 0, len(iso.policies))
	for name, p := range iso.policies {
		services = append(services, ServiceMeta{Name: name, AllowedServices: p.AllowedServices, Flagged: iso.flagged[name]})
	}
	keys := make([]string, 0, len(iso.pairs))
	for k := range iso.pairs {
		keys = append(keys, k)
	}
	iso.mu.RUnlock()
	sort.Strings(keys)

	edges := make([]EdgeInput, 0, len(keys))
	for _, k := range keys {
		from, to, _ := strings.Cut(k, "->")
		unlock := iso.locks.Lock(k)
		iso.mu.RLock()
		ps := iso.pairs[k]
		iso.mu.RUnlock()
		edges = append(edges, EdgeInput{From: from, To: to, Allowed: ps.allowed, Denied: ps.denied})
		unlock()
	}
	return BuildGraph(services, edges)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
