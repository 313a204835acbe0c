package threatintel

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/oktsec/riskgate/internal/safefile"
)

// Indicator is a named threat described by keywords. It matches an event
// when at least MinMatches keywords occur in the event text.
type Indicator struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Type        string     `yaml:"type" json:"type"`
	Severity    risk.Level `yaml:"severity" json:"severity"`
	Confidence  float64    `yaml:"confidence" json:"confidence"`
	Keywords    []string   `yaml:"keywords" json:"keywords"`
	MinMatches  int        `yaml:"min_matches,omitempty" json:"min_matches,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled    bool       `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// match returns the keywords of ind found in text, or nil when fewer than
// MinMatches are present. text must be lowercase.
func (ind Indicator) match(text string) []string {
	var hits []string
	for _, kw := range ind.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	need := max(ind.MinMatches, 1)
	if len(hits) < need {
		return nil
	}
	return hits
}

func (ind Indicator) validate() error {
	if ind.ID == "" {
		return fmt.Errorf("indicator has no id")
	}
	if ind.Disabled {
		return nil
	}
	if !ind.Severity.Valid() {
		return fmt.Errorf("indicator %s: invalid severity %q", ind.ID, ind.Severity)
	}
	if ind.Confidence <= 0 || ind.Confidence > 1 {
		return fmt.Errorf("indicator %s: confidence must be in (0,1]", ind.ID)
	}
	if len(ind.Keywords) == 0 {
		return fmt.Errorf("indicator %s: no keywords", ind.ID)
	}
	return nil
}

// BuiltinIndicators is the feed used when no feed file is configured.
func BuiltinIndicators() []Indicator {
	return []Indicator{
		{
			ID: "ryuk-variant", Name: "Ryuk ransomware variant", Type: "ransomware",
			Severity: risk.Critical, Confidence: 0.95, MinMatches: 2,
			Keywords:    []string{"ryuk", "ransomware", "encryption", ".ryk", "shadow copy", "bitcoin ransom"},
			Description: "File encryption with ransom demand targeting financial institutions",
		},
		{
			ID: "emotet", Name: "Emotet loader", Type: "malware",
			Severity: risk.High, Confidence: 0.85,
			Keywords:    []string{"emotet", "macro-enabled", "invoice.doc", "powershell -enc"},
			Description: "Banking trojan and loader delivered through document macros",
		},
		{
			ID: "credential-phishing-kit", Name: "Credential phishing kit", Type: "phishing",
			Severity: risk.High, Confidence: 0.8,
			Keywords:    []string{"verify your account", "account suspended", "login-secure", "update billing details"},
			Description: "Bank-branded credential harvesting pages",
		},
		{
			ID: "zero-day-chain", Name: "Zero-day exploit chain", Type: "exploit",
			Severity: risk.Critical, Confidence: 0.7,
			Keywords:    []string{"heap spray", "use-after-free", "rop chain", "sandbox escape"},
			Description: "Memory corruption exploitation markers",
		},
		{
			ID: "exfil-tooling", Name: "Data exfiltration tooling", Type: "exfiltration",
			Severity: risk.High, Confidence: 0.75,
			Keywords:    []string{"rclone", "mega.nz", "dns tunnel", "exfil"},
			Description: "Bulk copy tools and covert channels",
		},
		{
			ID: "crypto-miner", Name: "Cryptocurrency miner", Type: "cryptojacking",
			Severity: risk.Medium, Confidence: 0.6,
			Keywords:    []string{"xmrig", "stratum+tcp", "coinhive", "monero wallet"},
			Description: "Unauthorised mining on production hosts",
		},
	}
}

type feedFile struct {
	Indicators []Indicator `yaml:"indicators"`
}

// Feed holds the active indicator set. Entries in the feed file override
// built-ins with the same id; disabled entries remove them.
type Feed struct {
	logger   *slog.Logger
	path     string
	interval time.Duration
	watch    bool
	now      func() time.Time

	mu         sync.RWMutex
	indicators []Indicator
	version    int
	updatedAt  time.Time
}

// NewFeed loads the built-in indicators and, if configured, the feed file.
// A missing or malformed feed file is an error.
func NewFeed(cfg config.ThreatIntelConfig, logger *slog.Logger) (*Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		logger:   logger,
		path:     cfg.FeedFile,
		interval: cfg.RefreshInterval,
		watch:    cfg.WatchFeed,
		now:      time.Now,
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload rebuilds the indicator set. On error the previous set stays.
func (f *Feed) Reload() error {
	merged := make(map[string]Indicator)
	for _, ind := range BuiltinIndicators() {
		merged[ind.ID] = ind
	}
	if f.path != "" {
		data, err := safefile.ReadFileMax(f.path, safefile.MaxConfigBytes)
		if err != nil {
			return fmt.Errorf("reading threat feed: %w", err)
		}
		var ff feedFile
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return fmt.Errorf("parsing threat feed: %w", err)
		}
		for _, ind := range ff.Indicators {
			if err := ind.validate(); err != nil {
				return fmt.Errorf("threat feed: %w", err)
			}
			if ind.Disabled {
				delete(merged, ind.ID)
				continue
			}
			merged[ind.ID] = ind
		}
	}

	list := make([]Indicator, 0, len(merged))
	for _, ind := range merged {
		list = append(list, ind)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	f.mu.Lock()
	f.indicators = list
	f.version++
	f.updatedAt = f.now()
	version := f.version
	f.mu.Unlock()

	f.logger.Debug("threat feed loaded", "indicators", len(list), "version", version)
	return nil
}

// Indicators returns the active set sorted by id.
func (f *Feed) Indicators() []Indicator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Indicator(nil), f.indicators...)
}

// Version increments on every successful reload.
func (f *Feed) Version() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// UpdatedAt is the time of the last successful reload.
func (f *Feed) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.updatedAt
}

// Run reloads the feed every refresh interval and, when watching is
// enabled, whenever the feed file is written. It returns when ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if f.interval > 0 {
		t := time.NewTicker(f.interval)
		defer t.Stop()
		tick = t.C
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if f.watch && f.path != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating feed watcher: %w", err)
		}
		defer w.Close()
		// Watch the directory: editors and config managers replace files.
		if err := w.Add(filepath.Dir(f.path)); err != nil {
			return fmt.Errorf("watching %s: %w", f.path, err)
		}
		events, errs = w.Events, w.Errors
	}

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			f.reloadLogged("interval")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				f.reloadLogged("file change")
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			f.logger.Warn("feed watcher error", "error", err)
		}
	}
}

func (f *Feed) reloadLogged(trigger string) {
	if err := f.Reload(); err != nil {
		f.logger.Warn("threat feed reload failed", "trigger", trigger, "error", err)
		return
	}
	f.logger.Info("threat feed reloaded", "trigger", trigger, "version", f.Version())
}
