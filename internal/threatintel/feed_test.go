package threatintel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedYAML = `indicators:
  - id: ryuk-variant
    name: Ryuk ransomware variant
    type: ransomware
    severity: CRITICAL
    confidence: 0.5
    min_matches: 2
    keywords: [ryuk, ransomware, encryption]
  - id: crypto-miner
    disabled: true
  - id: swift-fraud
    name: SWIFT message tampering
    type: fraud
    severity: HIGH
    confidence: 0.9
    keywords: ["mt103 altered", "swift override"]
`

func writeFeed(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func indicatorByID(f *Feed, id string) (Indicator, bool) {
	for _, ind := range f.Indicators() {
		if ind.ID == id {
			return ind, true
		}
	}
	return Indicator{}, false
}

func TestNewFeed_Builtins(t *testing.T) {
	f, err := NewFeed(config.ThreatIntelConfig{}, quietLogger())
	require.NoError(t, err)
	assert.Len(t, f.Indicators(), len(BuiltinIndicators()))
	assert.Equal(t, 1, f.Version())
	for _, ind := range f.Indicators() {
		assert.NoError(t, ind.validate(), ind.ID)
	}
}

func TestNewFeed_FileOverrides(t *testing.T) {
	path := writeFeed(t, t.TempDir(), feedYAML)
	f, err := NewFeed(config.ThreatIntelConfig{FeedFile: path}, quietLogger())
	require.NoError(t, err)

	ryuk, ok := indicatorByID(f, "ryuk-variant")
	require.True(t, ok)
	assert.Equal(t, 0.5, ryuk.Confidence)

	_, ok = indicatorByID(f, "crypto-miner")
	assert.False(t, ok)

	swift, ok := indicatorByID(f, "swift-fraud")
	require.True(t, ok)
	assert.Equal(t, risk.High, swift.Severity)

	assert.Len(t, f.Indicators(), len(BuiltinIndicators()))
}

func TestNewFeed_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":       "indicators: [",
		"bad severity":   "indicators:\n  - {id: x, severity: SEVERE, confidence: 0.5, keywords: [a]}\n",
		"no keywords":    "indicators:\n  - {id: x, severity: LOW, confidence: 0.5}\n",
		"bad confidence": "indicators:\n  - {id: x, severity: LOW, confidence: 1.5, keywords: [a]}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFeed(t, dir, body)
			_, err := NewFeed(config.ThreatIntelConfig{FeedFile: path}, quietLogger())
			assert.Error(t, err)
		})
	}

	_, err := NewFeed(config.ThreatIntelConfig{FeedFile: filepath.Join(dir, "missing.yaml")}, quietLogger())
	assert.Error(t, err)
}

func TestReload_KeepsPreviousSetOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFeed(t, dir, feedYAML)
	f, err := NewFeed(config.ThreatIntelConfig{FeedFile: path}, quietLogger())
	require.NoError(t, err)

	writeFeed(t, dir, "indicators: [")
	assert.Error(t, f.Reload())
	assert.Equal(t, 1, f.Version())
	_, ok := indicatorByID(f, "swift-fraud")
	assert.True(t, ok)
}

func TestFeedRun_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFeed(t, dir, feedYAML)
	f, err := NewFeed(config.ThreatIntelConfig{FeedFile: path, WatchFeed: true}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeFeed(t, dir, feedYAML+`  - id: card-skimmer
    name: Card skimmer
    type: fraud
    severity: HIGH
    confidence: 0.8
    keywords: [skimmer]
`)

	require.Eventually(t, func() bool {
		_, ok := indicatorByID(f, "card-skimmer")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	assert.Greater(t, f.Version(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFeedRun_Interval(t *testing.T) {
	f, err := NewFeed(config.ThreatIntelConfig{RefreshInterval: 10 * time.Millisecond}, quietLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()
	require.Eventually(t, func() bool { return f.Version() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestIndicatorMatch(t *testing.T) {
	ind := Indicator{Keywords: []string{"Alpha", "beta"}, MinMatches: 2}
	assert.Nil(t, ind.match("alpha only"))
	assert.Equal(t, []string{"Alpha", "beta"}, ind.match("alpha and beta"))

	ind.MinMatches = 0
	assert.Equal(t, []string{"beta"}, ind.match("just beta"))
}
