// Package engine runs aguara detection rules over outbound content. It is
// the optional rule-based pass of the DLP analyzer.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/garagon/aguara"

	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/oktsec/riskgate/rules"
)

// maxMatch bounds the matched excerpt kept on a finding.
const maxMatch = 200

// Finding is one rule hit, already mapped onto riskgate's risk scale.
type Finding struct {
	RuleID   string     `json:"rule_id"`
	Name     string     `json:"name"`
	Severity risk.Level `json:"severity"`
	Score    float64    `json:"score"`
	Match    string     `json:"match,omitempty"`
}

// Result is the outcome of scanning one piece of content. Outcome follows
// the most severe finding: CRITICAL blocks, HIGH quarantines, MEDIUM asks
// for review.
type Result struct {
	Outcome  decision.Outcome `json:"outcome"`
	Findings []Finding        `json:"findings,omitempty"`
}

// Scanner evaluates the embedded financial rules, aguara's built-in rules
// and, optionally, a directory of custom rules.
type Scanner struct {
	opts    []aguara.Option
	tempDir string // extracted embedded rules
}

// NewScanner creates a scanner. If customRulesDir is non-empty, rules from
// that directory are also loaded. A failure to extract the embedded rules
// leaves only the built-in and custom sets.
func NewScanner(customRulesDir string, extraOpts ...aguara.Option) *Scanner {
	s := &Scanner{}
	if dir, err := extractEmbeddedRules(); err == nil {
		s.tempDir = dir
		s.opts = append(s.opts, aguara.WithCustomRules(dir))
	}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// ScanContent scans content. Findings below MEDIUM are dropped.
func (s *Scanner) ScanContent(ctx context.Context, content string) (*Result, error) {
	scan, err := aguara.ScanContent(ctx, content, "transmission.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}

	res := &Result{Outcome: decision.OutcomeAllow}
	worst := -1
	for _, f := range scan.Findings {
		var level risk.Level
		var score float64
		switch {
		case f.Severity >= aguara.SeverityCritical:
			level, score = risk.Critical, 0.9
		case f.Severity >= aguara.SeverityHigh:
			level, score = risk.High, 0.6
		case f.Severity >= aguara.SeverityMedium:
			level, score = risk.Medium, 0.3
		default:
			continue
		}
		res.Findings = append(res.Findings, Finding{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: level,
			Score:    score,
			Match:    excerpt(f.MatchedText),
		})
		if r := level.Rank(); r > worst {
			worst = r
			res.Outcome = outcomeFor(level)
		}
	}
	return res, nil
}

func outcomeFor(level risk.Level) decision.Outcome {
	switch level {
	case risk.Critical:
		return decision.OutcomeBlock
	case risk.High:
		return decision.OutcomeQuarantine
	default:
		return decision.OutcomeReview
	}
}

// Close removes the extracted rule files.
func (s *Scanner) Close() {
	if s.tempDir != "" {
		_ = os.RemoveAll(s.tempDir) //nolint:errcheck // best-effort cleanup
	}
}

// RulesCount returns the total number of loaded rules, or 0 if the engine
// cannot run.
func (s *Scanner) RulesCount(ctx context.Context) int {
	scan, err := aguara.ScanContent(ctx, "rules-count", "rules-count.md", s.opts...)
	if err != nil {
		return 0
	}
	return scan.RulesLoaded
}

// ListRules returns metadata for all loaded rules.
func (s *Scanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// ExplainRule returns the detail of one rule.
func (s *Scanner) ExplainRule(id string) (*aguara.RuleDetail, error) {
	return aguara.ExplainRule(id, s.opts...)
}

func extractEmbeddedRules() (string, error) {
	dir, err := os.MkdirTemp("", "riskgate-rules-*")
	if err != nil {
		return "", err
	}
	embedded := rules.FS()
	err = fs.WalkDir(embedded, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isRuleFile(path) {
			return err
		}
		data, err := fs.ReadFile(embedded, path)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, filepath.Base(path)), data, 0o644)
	})
	if err != nil {
		_ = os.RemoveAll(dir) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	return dir, nil
}

func isRuleFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func excerpt(s string) string {
	if len(s) <= maxMatch {
		return s
	}
	return s[:maxMatch] + "..."
}
