// Package zerotrust scores every access request for continuous trust and
// issues short-lived sessions for the ones it lets through.
package zerotrust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in decisions and audit entries.
const Component = "zerotrust"

// AccessContext carries the signals collected for one request.
type AccessContext struct {
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Resource        string    `json:"resource,omitempty"`
	DeviceTrusted   bool      `json:"device_trusted"`
	LocationRisk    bool      `json:"location_risk"`
	BehaviorAnomaly bool      `json:"behavior_anomaly"`
	NetworkRisk     bool      `json:"network_risk"`
	Timestamp       time.Time `json:"timestamp"`
}

// Result is the verification outcome.
type Result struct {
	decision.Decision
	RequiresSecondFactor bool `json:"requires_second_factor"`
}

// Verifier evaluates AccessContexts.
type Verifier struct {
	cfg    config.ZeroTrustConfig
	store  SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a verifier. A nil store uses an in-memory store.
func New(cfg config.ZeroTrustConfig, store SessionStore, logger *slog.Logger, opts ...Option) *Verifier {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights == (config.ZeroTrustWeights{}) {
		cfg.Weights = config.DefaultZeroTrustWeights()
	}
	if cfg.DenyThreshold == 0 {
		cfg.DenyThreshold = 0.7
	}
	if cfg.MFAThreshold == 0 {
		cfg.MFAThreshold = 0.5
	}
	if cfg.SessionLifetime == 0 {
		cfg.SessionLifetime = 30 * time.Minute
	}
	v := &Verifier{cfg: cfg, store: store, logger: logger, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// OffHours reports whether t falls outside 06:00–22:00.
func OffHours(t time.Time) bool {
	h := t.Hour()
	return h < 6 || h >= 22
}

type signal struct {
	active bool
	factor risk.Factor
	reason string
	desc   string
}

// VerifyAccess scores ac. Denials have no side effects; allowed requests get
// a session. The only error is a session store failure.
func (v *Verifier) VerifyAccess(ctx context.Context, ac AccessContext) (Result, error) {
	at := ac.Timestamp
	if at.IsZero() {
		at = v.now()
	}
	w := v.cfg.Weights
	signals := []signal{
		{!ac.DeviceTrusted, risk.Factor{Name: "untrusted_device", Weight: w.UntrustedDevice, Value: 1}, "UNTRUSTED_DEVICE", "device is not trusted"},
		{ac.LocationRisk, risk.Factor{Name: "location_risk", Weight: w.LocationRisk, Value: 1}, "LOCATION_RISK", "elevated location risk"},
		{ac.BehaviorAnomaly, risk.Factor{Name: "behavior_anomaly", Weight: w.BehaviorAnomaly, Value: 1}, "BEHAVIOR_ANOMALY", "behavioral anomaly detected"},
		{OffHours(at), risk.Factor{Name: "off_hours", Weight: w.OffHours, Value: 1}, "OFF_HOURS", "access outside 06:00-22:00"},
		{ac.NetworkRisk, risk.Factor{Name: "network_risk", Weight: w.NetworkRisk, Value: 1}, "NETWORK_RISK", "network risk flagged"},
	}

	var factors []risk.Factor
	var reasons []decision.Reason
	for _, s := range signals {
		if !s.active {
			continue
		}
		factors = append(factors, s.factor)
		reasons = append(reasons, decision.Reason{
			Type:        s.reason,
			Severity:    risk.Bucket(s.factor.Weight),
			Description: s.desc,
			Score:       s.factor.Weight,
		})
	}
	score := risk.WeightedSum(factors...)

	res := Result{
		Decision: decision.Decision{
			ID:        decision.NewID(),
			Component: Component,
			RiskScore: score,
			RiskLevel: risk.Bucket(score),
			Reasons:   reasons,
			Timestamp: at,
		},
		RequiresSecondFactor: score > v.cfg.MFAThreshold,
	}

	if score >= v.cfg.DenyThreshold {
		res.Allowed = false
		res.Outcome = decision.OutcomeDeny
		res.Reason = fmt.Sprintf("trust risk %.2f at or above %.2f: %s", score, v.cfg.DenyThreshold, reasonList(reasons))
		res.Recommendations = []string{
			"deny access and require re-authentication from a trusted device",
			"review recent activity for user " + ac.UserID,
		}
		v.logger.Warn("zero trust denied",
			"user", ac.UserID, "device", ac.DeviceID, "resource", ac.Resource, "risk", score)
		return res, nil
	}

	res.Allowed = true
	if res.RequiresSecondFactor {
		res.Outcome = decision.OutcomeChallenge
		res.Reason = "second factor required: " + reasonList(reasons)
		res.Recommendations = []string{"require second factor authentication"}
	} else {
		res.Outcome = decision.OutcomeAllow
		res.Reason = "trust verified"
	}
	if !ac.DeviceTrusted {
		res.Recommendations = append(res.Recommendations, "enroll the device to raise its trust level")
	}

	sess := Session{
		ID:           decision.NewID(),
		UserID:       ac.UserID,
		DeviceID:     ac.DeviceID,
		Resource:     ac.Resource,
		CreatedAt:    at,
		LastActivity: at,
		RiskScore:    score,
	}
	if err := v.store.Put(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("creating session: %w", err)
	}
	res.SessionID = sess.ID
	v.logger.Debug("zero trust allowed",
		"user", ac.UserID, "session", sess.ID, "risk", score, "mfa", res.RequiresSecondFactor)
	return res, nil
}

func reasonList(reasons []decision.Reason) string {
	if len(reasons) == 0 {
		return "no risk signals"
	}
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = r.Description
	}
	return strings.Join(parts, ", ")
}

// Session returns a live session. Sessions past their lifetime are reported
// as ErrSessionNotFound even before cleanup runs.
func (v *Verifier) Session(ctx context.Context, id string) (Session, error) {
	s, err := v.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if v.expired(s, v.now()) {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on a live session.
func (v *Verifier) Touch(ctx context.Context, id string) (Session, error) {
	s, err := v.Session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	s.LastActivity = v.now()
	if err := v.store.Put(ctx, s); err != nil {
		return Session{}, fmt.Errorf("updating session: %w", err)
	}
	return s, nil
}

// InvalidateSession ends a session explicitly.
func (v *Verifier) InvalidateSession(ctx context.Context, id string) error {
	return v.store.Delete(ctx, id)
}

// ActiveSessions lists sessions still within their lifetime.
func (v *Verifier) ActiveSessions(ctx context.Context) ([]Session, error) {
	all, err := v.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := v.now()
	out := all[:0]
	for _, s := range all {
		if !v.expired(s, now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CleanupExpired removes sessions whose age exceeds the session lifetime.
func (v *Verifier) CleanupExpired(ctx context.Context) (int, error) {
	return v.store.DeleteCreatedBefore(ctx, v.now().Add(-v.cfg.SessionLifetime))
}

// RunCleanup calls CleanupExpired every interval until ctx is done.
func (v *Verifier) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := v.CleanupExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				v.logger.Error("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				v.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

func (v *Verifier) expired(s Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > v.cfg.SessionLifetime
}
