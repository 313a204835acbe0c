// Package risk holds the scoring arithmetic shared by every decision
// component: clamping to [0,1], weighted factor sums, and bucketing a score
// into a Level.
package risk

import (
	"math"
	"strings"
)

// Level is a bucketed risk or severity.
type Level string

const (
	Low      Level = "LOW"
	Medium   Level = "MEDIUM"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

// Rank orders levels for comparison. Unknown levels rank below LOW.
func (l Level) Rank() int {
	switch l {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	default:
		return 0
	}
}

// Score returns a representative score inside the level's default bucket.
// Rule-based denials use it so that Bucket(l.Score()) == l.
func (l Level) Score() float64 {
	switch l {
	case Low:
		return 0.2
	case Medium:
		return 0.45
	case High:
		return 0.7
	case Critical:
		return 0.9
	default:
		return 0
	}
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool { return l.Rank() > 0 }

// ParseLevel accepts any casing of the level names.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	return l, l.Valid()
}

// MaxLevel returns the highest of the given levels, or LOW for none.
func MaxLevel(levels ...Level) Level {
	out := Low
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Factor is one weighted signal contributing to a score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// Contribution is the factor's clamped value times its weight.
func (f Factor) Contribution() float64 {
	return f.Weight * Clamp(f.Value)
}

// WeightedSum returns Clamp(Σ weight·value).
func WeightedSum(factors ...Factor) float64 {
	var sum float64
	for _, f := range factors {
		sum += f.Contribution()
	}
	return Clamp(sum)
}

// Thresholds are the lower bounds of the MEDIUM, HIGH and CRITICAL buckets.
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultThresholds is LOW<0.3≤MEDIUM<0.6≤HIGH<0.8≤CRITICAL.
var DefaultThresholds = Thresholds{Medium: 0.3, High: 0.6, Critical: 0.8}

// Bucket maps a score to a level. The score is clamped first.
func (t Thresholds) Bucket(score float64) Level {
	score = Clamp(score)
	switch {
	case score >= t.Critical:
		return Critical
	case score >= t.High:
		return High
	case score >= t.Medium:
		return Medium
	default:
		return Low
	}
}

// Bucket maps a score to a level using DefaultThresholds.
func Bucket(score float64) Level {
	return DefaultThresholds.Bucket(score)
}

// DeviationRatio returns |observed-baseline| / max(baseline, floor), clamped.
// It is the normalised deviation used by the behavioral detectors.
func DeviationRatio(observed, baseline, floor float64) float64 {
	den := math.Max(baseline, floor)
	if den <= 0 {
		return 0
	}
	return Clamp(math.Abs(observed-baseline) / den)
}

// Familiarity returns the 0.8 / 0.1 novelty split used for locations,
// devices, destinations and actions.
func Familiarity(seen bool) float64 {
	if seen {
		return 0.1
	}
	return 0.8
}
