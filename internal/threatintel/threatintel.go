// Package threatintel correlates activity events with known threat
// indicators and behavioral heuristics, and keeps a capped incident log.
package threatintel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/ring"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in audit entries.
const Component = "threatintel"

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrIncidentResolved = errors.New("incident already resolved")
)

// Action is the recommended response to an analysis.
type Action string

const (
	ActionImmediateResponse Action = "IMMEDIATE_RESPONSE"
	ActionHighPriority      Action = "HIGH_PRIORITY"
	ActionInvestigate       Action = "INVESTIGATE"
	ActionMonitor           Action = "MONITOR"
	ActionAllow             Action = "ALLOW"
)

// ActionFor maps an aggregated risk score to an action.
func ActionFor(score float64) Action {
	switch {
	case score >= 0.9:
		return ActionImmediateResponse
	case score >= 0.7:
		return ActionHighPriority
	case score >= 0.5:
		return ActionInvestigate
	case score >= 0.3:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// IncidentThreshold is the risk above which an analysis opens an incident.
const IncidentThreshold = 0.7

// Heuristic limits.
const (
	offHoursStart      = 22
	offHoursEnd        = 6
	maxPayloadBytes    = 100 << 20
	maxRequestCount    = 1000
	maxConnectionCount = 100
	maxServiceHops     = 3
)

// ActivityEvent is one observed action to correlate.
type ActivityEvent struct {
	ID                  string            `json:"id,omitempty"`
	Type                string            `json:"type"`
	Source              string            `json:"source,omitempty"`
	SourceService       string            `json:"source_service,omitempty"`
	UserID              string            `json:"user_id,omitempty"`
	Content             string            `json:"content,omitempty"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	PayloadSize         int64             `json:"payload_size,omitempty"`
	RequestCount        int               `json:"request_count,omitempty"`
	ConnectionCount     int               `json:"connection_count,omitempty"`
	ServiceHops         int               `json:"service_hops,omitempty"`
	PrivilegeEscalation bool              `json:"privilege_escalation,omitempty"`
	NetworkScan         bool              `json:"network_scan,omitempty"`
}

// text is the lowercase raw values of the event's descriptive fields, one
// per line. Counters and flags are left out so their names cannot match
// keywords.
func (ev ActivityEvent) text() string {
	parts := []string{ev.Type, ev.Source, ev.SourceService, ev.UserID, ev.Content}
	keys := make([]string, 0, len(ev.Attributes))
	for k := range ev.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+ev.Attributes[k])
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

// Threat is one indicator or heuristic that matched an event.
type Threat struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Severity    risk.Level `json:"severity"`
	Confidence  float64    `json:"confidence"`
	Matched     []string   `json:"matched"`
	Heuristic   bool       `json:"heuristic,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Analysis is the result of Analyze.
type Analysis struct {
	ID              string     `json:"id"`
	EventID         string     `json:"event_id"`
	Threats         []Threat   `json:"threats"`
	RiskScore       float64    `json:"risk_score"`
	RiskLevel       risk.Level `json:"risk_level"`
	Action          Action     `json:"action"`
	Recommendations []string   `json:"recommendations,omitempty"`
	IncidentID      string     `json:"incident_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Incident is a high-risk analysis kept for follow-up.
type Incident struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	Source        string     `json:"source,omitempty"`
	SourceService string     `json:"source_service,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Threats       []Threat   `json:"threats"`
	RiskScore     float64    `json:"risk_score"`
	Action        Action     `json:"action"`
	Resolved      bool       `json:"resolved"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// IncidentHook is called after an incident is recorded, outside any lock.
type IncidentHook func(Incident)

// ThreatCount is one row of the summary's top threats.
type ThreatCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Summary is a dashboard view of the service.
type Summary struct {
	Indicators      int            `json:"indicators"`
	FeedVersion     int            `json:"feed_version"`
	FeedUpdatedAt   time.Time      `json:"feed_updated_at"`
	Analyses        int            `json:"analyses"`
	Incidents       int            `json:"incidents"`
	OpenIncidents   int            `json:"open_incidents"`
	TopThreats      []ThreatCount  `json:"top_threats,omitempty"`
	ActionBreakdown map[Action]int `json:"action_breakdown"`
}

// Service analyzes events against a Feed.
type Service struct {
	logger   *slog.Logger
	now      func() time.Time
	feed     *Feed
	holidays map[string]bool
	sink     audit.Sink
	hooks    []IncidentHook

	mu        sync.Mutex
	incidents *ring.Buffer[*Incident]
	byID      map[string]*Incident
	analyses  int
	hits      map[string]int
	actions   map[Action]int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIncidentHook registers fn to run for every new incident.
func WithIncidentHook(fn IncidentHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, fn) }
}

// New builds a service over feed.
func New(cfg config.ThreatIntelConfig, feed *Feed, sink audit.Sink, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	size := cfg.IncidentHistory
	if size <= 0 {
		size = 1000
	}
	s := &Service{
		logger:    logger,
		now:       time.Now,
		feed:      feed,
		holidays:  make(map[string]bool, len(cfg.Holidays)),
		sink:      sink,
		incidents: ring.New[*Incident](size),
		byID:      make(map[string]*Incident),
		hits:      make(map[string]int),
		actions:   make(map[Action]int),
	}
	for _, h := range cfg.Holidays {
		s.holidays[h] = true
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddIncidentHook registers fn after construction.
func (s *Service) AddIncidentHook(fn IncidentHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Analyze correlates ev with the feed and the heuristics.
func (s *Service) Analyze(ev ActivityEvent) Analysis {
	if ev.ID == "" {
		ev.ID = decision.NewID()
	}
	now := s.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	threats := s.matchIndicators(ev.text())
	threats = append(threats, s.heuristics(ev)...)

	score := aggregate(threats)
	a := Analysis{
		ID:        decision.NewID(),
		EventID:   ev.ID,
		Threats:   threats,
		RiskScore: score,
		RiskLevel: risk.Bucket(score),
		Action:    ActionFor(score),
		Timestamp: now,
	}
	if a.Threats == nil {
		a.Threats = []Threat{}
	}
	a.Recommendations = recommendations(a.Action, threats)

	var inc *Incident
	s.mu.Lock()
	s.analyses++
	s.actions[a.Action]++
	for _, t := range threats {
		s.hits[t.ID]++
	}
	if score > IncidentThreshold {
		inc = s.openIncident(ev, a)
		a.IncidentID = inc.ID
	}
	hooks := s.hooks
	s.mu.Unlock()

	s.record(ev, a)
	if inc != nil {
		s.logger.Warn("threat incident",
			"incident", inc.ID,
			"event_type", ev.Type,
			"source_service", ev.SourceService,
			"risk_score", fmt.Sprintf("%.2f", score),
			"action", a.Action,
		)
		snapshot := *inc
		for _, h := range hooks {
			h(snapshot)
		}
	}
	return a
}

func (s *Service) matchIndicators(text string) []Threat {
	var out []Threat
	for _, ind := range s.feed.Indicators() {
		hits := ind.match(text)
		if hits == nil {
			continue
		}
		out = append(out, Threat{
			ID:          ind.ID,
			Name:        ind.Name,
			Type:        ind.Type,
			Severity:    ind.Severity,
			Confidence:  ind.Confidence,
			Matched:     hits,
			Description: ind.Description,
		})
	}
	return out
}

func (s *Service) heuristics(ev ActivityEvent) []Threat {
	var out []Threat

	var timing []string
	h := ev.Timestamp.Hour()
	if h >= offHoursStart || h < offHoursEnd {
		timing = append(timing, "off_hours")
	}
	if wd := ev.Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
		timing = append(timing, "weekend")
	}
	if s.holidays[ev.Timestamp.Format("01-02")] {
		timing = append(timing, "holiday")
	}
	if len(timing) > 0 {
		out = append(out, Threat{
			ID: "heuristic-timing", Name: "Unusual activity timing", Type: "timing",
			Severity: risk.Medium, Confidence: 0.6, Matched: timing, Heuristic: true,
		})
	}

	var volume []string
	if ev.PayloadSize > maxPayloadBytes {
		volume = append(volume, "payload_size")
	}
	if ev.RequestCount > maxRequestCount {
		volume = append(volume, "request_count")
	}
	if ev.ConnectionCount > maxConnectionCount {
		volume = append(volume, "connection_count")
	}
	if len(volume) > 0 {
		out = append(out, Threat{
			ID: "heuristic-volume", Name: "Abnormal activity volume", Type: "volume",
			Severity: risk.High, Confidence: 0.7, Matched: volume, Heuristic: true,
		})
	}

	var lateral []string
	if ev.ServiceHops > maxServiceHops {
		lateral = append(lateral, "service_hops")
	}
	if ev.PrivilegeEscalation {
		lateral = append(lateral, "privilege_escalation")
	}
	if ev.NetworkScan {
		lateral = append(lateral, "network_scan")
	}
	if len(lateral) > 0 {
		sev := risk.High
		if ev.PrivilegeEscalation {
			sev = risk.Critical
		}
		out = append(out, Threat{
			ID: "heuristic-lateral-movement", Name: "Lateral movement", Type: "lateral_movement",
			Severity: sev, Confidence: 0.8, Matched: lateral, Heuristic: true,
		})
	}
	return out
}

// aggregate is the confidence-weighted mean of severity/4 × confidence.
func aggregate(threats []Threat) float64 {
	var num, den float64
	for _, t := range threats {
		c := risk.Clamp(t.Confidence)
		num += c * (float64(t.Severity.Rank()) / 4 * c)
		den += c
	}
	if den == 0 {
		return 0
	}
	return risk.Clamp(num / den)
}

var typeAdvice = map[string]string{
	"ransomware":       "isolate affected hosts and verify offline backups",
	"malware":          "quarantine the endpoint and run a full scan",
	"phishing":         "reset credentials for targeted users",
	"exploit":          "apply emergency patches and review crash telemetry",
	"exfiltration":     "block outbound transfers from the source",
	"cryptojacking":    "terminate unknown processes and rotate host credentials",
	"timing":           "confirm the activity with the account owner",
	"volume":           "throttle the source until traffic is explained",
	"lateral_movement": "review service-to-service permissions",
}

func recommendations(action Action, threats []Threat) []string {
	var out []string
	switch action {
	case ActionImmediateResponse:
		out = append(out, "activate the incident response plan")
	case ActionHighPriority:
		out = append(out, "escalate to security operations")
	case ActionInvestigate:
		out = append(out, "open an investigation")
	case ActionMonitor:
		out = append(out, "increase monitoring on the source")
	}
	seen := make(map[string]bool)
	for _, t := range threats {
		if adv, ok := typeAdvice[t.Type]; ok && !seen[adv] {
			seen[adv] = true
			out = append(out, adv)
		}
	}
	return out
}

// openIncident must be called with s.mu held.
func (s *Service) openIncident(ev ActivityEvent, a Analysis) *Incident {
	inc := &Incident{
		ID:            decision.NewID(),
		EventID:       ev.ID,
		EventType:     ev.Type,
		Source:        ev.Source,
		SourceService: ev.SourceService,
		UserID:        ev.UserID,
		Threats:       a.Threats,
		RiskScore:     a.RiskScore,
		Action:        a.Action,
		CreatedAt:     a.Timestamp,
	}
	if s.incidents.Len() == s.incidents.Cap() {
		delete(s.byID, s.incidents.At(0).ID)
	}
	s.incidents.Push(inc)
	s.byID[inc.ID] = inc
	return inc
}

func (s *Service) record(ev ActivityEvent, a Analysis) {
	actor := ev.UserID
	if actor == "" {
		actor = ev.Source
	}
	ids := make([]string, 0, len(a.Threats))
	for _, t := range a.Threats {
		ids = append(ids, t.ID)
	}
	details := map[string]any{"event_id": ev.ID, "threats": ids}
	if a.IncidentID != "" {
		details["incident_id"] = a.IncidentID
	}
	s.sink.Log(audit.Entry{
		ID:            decision.NewID(),
		Timestamp:     a.Timestamp,
		Component:     Component,
		Actor:         actor,
		Subject:       ev.SourceService,
		Action:        ev.Type,
		Outcome:       string(a.Action),
		Allowed:       a.IncidentID == "",
		Reason:        fmt.Sprintf("%d threats matched", len(a.Threats)),
		RiskScore:     a.RiskScore,
		RiskLevel:     string(a.RiskLevel),
		CorrelationID: a.ID,
		Details:       details,
	})
}

// ResolveIncident marks an incident resolved.
func (s *Service) ResolveIncident(id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if inc.Resolved {
		return fmt.Errorf("%w: %s", ErrIncidentResolved, id)
	}
	at := s.now()
	inc.Resolved = true
	inc.Resolution = resolution
	inc.ResolvedAt = &at
	return nil
}

// Incidents returns retained incidents newest first. With openOnly only
// unresolved incidents are returned.
func (s *Service) Incidents(openOnly bool) []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Incident, 0, s.incidents.Len())
	for i := s.incidents.Len() - 1; i >= 0; i-- {
		inc := s.incidents.At(i)
		if openOnly && inc.Resolved {
			continue
		}
		out = append(out, *inc)
	}
	return out
}

// Incident returns one incident by id.
func (s *Service) Incident(id string) (Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// Summary reduces the service state for dashboards.
func (s *Service) Summary() Summary {
	sum := Summary{
		Indicators:    len(s.feed.Indicators()),
		FeedVersion:   s.feed.Version(),
		FeedUpdatedAt: s.feed.UpdatedAt(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum.Analyses = s.analyses
	sum.Incidents = s.incidents.Len()
	s.incidents.Each(func(inc *Incident) bool {
		if !inc.Resolved {
			sum.OpenIncidents++
		}
		return true
	})
	sum.ActionBreakdown = make(map[Action]int, len(s.actions))
	for a, n := range s.actions {
		sum.ActionBreakdown[a] = n
	}
	for id, n := range s.hits {
		sum.TopThreats = append(sum.TopThreats, ThreatCount{ID: id, Count: n})
	}
	sort.Slice(sum.TopThreats, func(i, j int) bool {
		if sum.TopThreats[i].Count != sum.TopThreats[j].Count {
			return sum.TopThreats[i].Count > sum.TopThreats[j].Count
		}
		return sum.TopThreats[i].ID < sum.TopThreats[j].ID
	})
	if len(sum.TopThreats) > 10 {
		sum.TopThreats = sum.TopThreats[:10]
	}
	return sum
}

// Feed returns the indicator feed.
func (s *Service) Feed() *Feed { return s.feed }
