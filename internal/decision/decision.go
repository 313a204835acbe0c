// Package decision defines the record every riskgate component returns:
// an outcome, a clamped risk score, the reasons behind it and remediation
// hints for the caller.
package decision

import (
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/riskgate/internal/risk"
)

// Outcome is the enforcement verdict.
type Outcome string

const (
	OutcomeAllow      Outcome = "ALLOW"
	OutcomeChallenge  Outcome = "CHALLENGE"
	OutcomeReview     Outcome = "REVIEW"
	OutcomeQuarantine Outcome = "QUARANTINE"
	OutcomeBlock      Outcome = "BLOCK"
	OutcomeDeny       Outcome = "DENY"
)

// Reason is one contributing cause of a decision (also used for violations).
type Reason struct {
	Type        string     `json:"type"`
	Severity    risk.Level `json:"severity"`
	Description string     `json:"description"`
	Score       float64    `json:"score"`
}

// Decision is the allow/deny record produced by rule-based components.
type Decision struct {
	ID              string     `json:"id"`
	Component       string     `json:"component"`
	Allowed         bool       `json:"allowed"`
	Outcome         Outcome    `json:"outcome"`
	RiskScore       float64    `json:"risk_score"`
	RiskLevel       risk.Level `json:"risk_level"`
	Reason          string     `json:"reason"`
	Reasons         []Reason   `json:"reasons,omitempty"`
	Recommendations []string   `json:"recommendations,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.New().String()
}

// Deny builds a denial whose score is the representative score of level.
func Deny(component, reasonType string, level risk.Level, reason string, at time.Time, recommendations ...string) Decision {
	return Decision{
		ID:        NewID(),
		Component: component,
		Allowed:   false,
		Outcome:   OutcomeDeny,
		RiskScore: level.Score(),
		RiskLevel: level,
		Reason:    reason,
		Reasons: []Reason{{
			Type:        reasonType,
			Severity:    level,
			Description: reason,
			Score:       level.Score(),
		}},
		Recommendations: recommendations,
		Timestamp:       at,
	}
}

// Allow builds a grant with the given score.
func Allow(component string, score float64, reason string, at time.Time) Decision {
	score = risk.Clamp(score)
	return Decision{
		ID:        NewID(),
		Component: component,
		Allowed:   true,
		Outcome:   OutcomeAllow,
		RiskScore: score,
		RiskLevel: risk.Bucket(score),
		Reason:    reason,
		Timestamp: at,
	}
}

// PrimaryType returns the type of the first reason, or "" if none.
func (d Decision) PrimaryType() string {
	if len(d.Reasons) == 0 {
		return ""
	}
	return d.Reasons[0].Type
}

// SumScores adds the Score of every reason and clamps the total.
func SumScores(reasons []Reason) float64 {
	var total float64
	for _, r := range reasons {
		total += r.Score
	}
	return risk.Clamp(total)
}
