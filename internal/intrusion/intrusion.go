// Package intrusion scores login attempts and resource accesses against
// each user's own history.
package intrusion

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/keylock"
	"github.com/oktsec/riskgate/internal/ring"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in decisions and audit entries.
const Component = "intrusion"

// LoginAttempt is one authentication event.
type LoginAttempt struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
}

// AccessAttempt is one resource access event.
type AccessAttempt struct {
	UserID    string    `json:"user_id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Analysis is the result of one anomaly evaluation.
type Analysis struct {
	ID              string            `json:"id"`
	Component       string            `json:"component"`
	UserID          string            `json:"user_id"`
	Kind            string            `json:"kind"` // login, access
	AnomalyScore    float64           `json:"anomaly_score"`
	IsAnomalous     bool              `json:"is_anomalous"`
	RiskLevel       risk.Level        `json:"risk_level"`
	Factors         []risk.Factor     `json:"factors"`
	Reasons         []decision.Reason `json:"reasons,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Recorded        bool              `json:"recorded"`
	Timestamp       time.Time         `json:"timestamp"`
}

// BaselinePolicy decides whether an analyzed observation joins the user's
// history.
type BaselinePolicy func(a Analysis) bool

// RecordAll appends every observation, anomalous or not.
func RecordAll(Analysis) bool { return true }

// ExcludeAnomalous keeps anomalous observations out of the baseline.
func ExcludeAnomalous(a Analysis) bool { return !a.IsAnomalous }

// PolicyByName maps the config value to a strategy.
func PolicyByName(name string) BaselinePolicy {
	if name == config.BaselineExcludeAnomalous {
		return ExcludeAnomalous
	}
	return RecordAll
}

type profile struct {
	logins    *ring.Buffer[LoginAttempt]
	locations map[string]int
	devices   map[string]int
	accesses  *ring.Buffer[AccessAttempt]
	actions   map[string]int
}

// Detector holds per-user behavior profiles.
type Detector struct {
	historySize int
	threshold   float64
	policy      atomic.Pointer[BaselinePolicy]
	logger      *slog.Logger

	locks    keylock.Map
	mu       sync.RWMutex
	profiles map[string]*profile
}

// New creates a detector from config.
func New(cfg config.IntrusionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 0.6
	}
	d := &Detector{
		historySize: cfg.HistorySize,
		threshold:   cfg.AnomalyThreshold,
		logger:      logger,
		profiles:    make(map[string]*profile),
	}
	d.SetBaselinePolicy(PolicyByName(cfg.BaselinePolicy))
	return d
}

// SetBaselinePolicy swaps the history update strategy. It is safe to call
// while analyses are running.
func (d *Detector) SetBaselinePolicy(p BaselinePolicy) {
	if p == nil {
		p = RecordAll
	}
	d.policy.Store(&p)
}

func (d *Detector) baseline() BaselinePolicy {
	return *d.policy.Load()
}

func (d *Detector) profile(user string) *profile {
	d.mu.RLock()
	p, ok := d.profiles[user]
	d.mu.RUnlock()
	if ok {
		return p
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok = d.profiles[user]; ok {
		return p
	}
	p = &profile{
		logins:    ring.New[LoginAttempt](d.historySize),
		locations: make(map[string]int),
		devices:   make(map[string]int),
		accesses:  ring.New[AccessAttempt](d.historySize),
		actions:   make(map[string]int),
	}
	d.profiles[user] = p
	return p
}

// AnalyzeLoginAttempt scores a login against the user's login history.
func (d *Detector) AnalyzeLoginAttempt(a LoginAttempt) Analysis {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	unlock := d.locks.Lock(a.UserID)
	defer unlock()
	p := d.profile(a.UserID)

	history := p.logins.Items()
	hours := make([]time.Time, len(history))
	for i, h := range history {
		hours[i] = h.Timestamp
	}

	factors := []risk.Factor{
		{Name: "time_deviation", Weight: 0.3, Value: timeDeviation(a.Timestamp, hours)},
		{Name: "new_location", Weight: 0.3, Value: risk.Familiarity(p.locations[a.Location] > 0)},
		{Name: "new_device", Weight: 0.2, Value: risk.Familiarity(p.devices[a.DeviceID] > 0)},
		{Name: "frequency_deviation", Weight: 0.2, Value: frequencyDeviation(a.Timestamp, hours)},
	}
	an := d.analysis("login", a.UserID, a.Timestamp, factors)

	if d.baseline()(an) {
		if p.logins.Len() == p.logins.Cap() {
			old := p.logins.At(0)
			decrement(p.locations, old.Location)
			decrement(p.devices, old.DeviceID)
		}
		p.logins.Push(a)
		p.locations[a.Location]++
		p.devices[a.DeviceID]++
		an.Recorded = true
	}
	d.log(an)
	return an
}

// AnalyzeAccessPattern scores a resource access against the user's access
// history.
func (d *Detector) AnalyzeAccessPattern(a AccessAttempt) Analysis {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	unlock := d.locks.Lock(a.UserID)
	defer unlock()
	p := d.profile(a.UserID)

	history := p.accesses.Items()
	times := make([]time.Time, len(history))
	var volSum float64
	for i, h := range history {
		times[i] = h.Timestamp
		volSum += h.Volume
	}
	var volDev float64
	if len(history) > 0 {
		volDev = risk.DeviationRatio(a.Volume, volSum/float64(len(history)), 1)
	}

	factors := []risk.Factor{
		{Name: "volume_deviation", Weight: 0.4, Value: volDev},
		{Name: "time_deviation", Weight: 0.3, Value: timeDeviation(a.Timestamp, times)},
		{Name: "unfamiliar_action", Weight: 0.3, Value: risk.Familiarity(p.actions[a.Action] > 0)},
	}
	an := d.analysis("access", a.UserID, a.Timestamp, factors)

	if d.baseline()(an) {
		if p.accesses.Len() == p.accesses.Cap() {
			decrement(p.actions, p.accesses.At(0).Action)
		}
		p.accesses.Push(a)
		p.actions[a.Action]++
		an.Recorded = true
	}
	d.log(an)
	return an
}

func (d *Detector) analysis(kind, user string, at time.Time, factors []risk.Factor) Analysis {
	score := risk.WeightedSum(factors...)
	level := risk.Bucket(score)
	an := Analysis{
		ID:              decision.NewID(),
		Component:       Component,
		UserID:          user,
		Kind:            kind,
		AnomalyScore:    score,
		IsAnomalous:     score >= d.threshold,
		RiskLevel:       level,
		Factors:         factors,
		Recommendations: Recommendations(level),
		Timestamp:       at,
	}
	for _, f := range factors {
		if c := f.Contribution(); c >= 0.1 && f.Value >= 0.5 {
			an.Reasons = append(an.Reasons, decision.Reason{
				Type:        "ANOMALY_" + strings.ToUpper(f.Name),
				Severity:    risk.Bucket(f.Value),
				Description: f.Name + " is unusual for this user",
				Score:       c,
			})
		}
	}
	return an
}

func (d *Detector) log(an Analysis) {
	if an.IsAnomalous {
		d.logger.Warn("anomalous activity",
			"kind", an.Kind, "user", an.UserID, "score", an.AnomalyScore, "level", an.RiskLevel, "recorded", an.Recorded)
		return
	}
	d.logger.Debug("activity analyzed", "kind", an.Kind, "user", an.UserID, "score", an.AnomalyScore)
}

// Recommendations escalates with the level. Each level includes the
// responses of the levels below it.
func Recommendations(level risk.Level) []string {
	var out []string
	if level.Rank() >= risk.Medium.Rank() {
		out = append(out, "monitor user activity")
	}
	if level.Rank() >= risk.High.Rank() {
		out = append(out, "require MFA on next request")
	}
	if level.Rank() >= risk.Critical.Rank() {
		out = append(out, "restrict account privileges", "lock down account and open an incident")
	}
	return out
}

// Profile is a read-only summary of a user's baseline.
type Profile struct {
	UserID        string   `json:"user_id"`
	Logins        int      `json:"logins"`
	Accesses      int      `json:"accesses"`
	MeanLoginHour float64  `json:"mean_login_hour"`
	Locations     []string `json:"locations"`
	Devices       []string `json:"devices"`
	Actions       []string `json:"actions"`
}

// Profile returns the user's baseline summary and whether one exists.
func (d *Detector) Profile(user string) (Profile, bool) {
	d.mu.RLock()
	p, ok := d.profiles[user]
	d.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}
	unlock := d.locks.Lock(user)
	defer unlock()

	logins := p.logins.Items()
	times := make([]time.Time, len(logins))
	for i, l := range logins {
		times[i] = l.Timestamp
	}
	return Profile{
		UserID:        user,
		Logins:        len(logins),
		Accesses:      p.accesses.Len(),
		MeanLoginHour: meanHour(times),
		Locations:     keys(p.locations),
		Devices:       keys(p.devices),
		Actions:       keys(p.actions),
	}, true
}

// meanHour is the circular mean of the hours of times, in [0,24).
func meanHour(times []time.Time) float64 {
	if len(times) == 0 {
		return 0
	}
	var sx, sy float64
	for _, t := range times {
		a := fractionalHour(t) / 24 * 2 * math.Pi
		sx += math.Cos(a)
		sy += math.Sin(a)
	}
	m := math.Atan2(sy, sx) / (2 * math.Pi) * 24
	if m < 0 {
		m += 24
	}
	return m
}

func fractionalHour(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// timeDeviation is the circular distance between at's hour and the mean
// historical hour, normalised by 12 hours. No history means no deviation.
func timeDeviation(at time.Time, history []time.Time) float64 {
	if len(history) == 0 {
		return 0
	}
	diff := math.Abs(fractionalHour(at) - meanHour(history))
	if diff > 12 {
		diff = 24 - diff
	}
	return risk.Clamp(diff / 12)
}

// frequencyDeviation measures how rarely the user logs in at at's hour of
// day: 0 for their busiest hour, 1 for an hour never seen before.
func frequencyDeviation(at time.Time, history []time.Time) float64 {
	if len(history) == 0 {
		return 0
	}
	var counts [24]int
	peak := 0
	for _, t := range history {
		counts[t.Hour()]++
		peak = max(peak, counts[t.Hour()])
	}
	return risk.Clamp(1 - float64(counts[at.Hour()])/float64(peak))
}

func decrement(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
