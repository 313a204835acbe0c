package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/sdk"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRoot()
	root.SetArgs(args)
	return root.Execute()
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskgate.yaml")

	require.NoError(t, run(t, "--config", path, "init"))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Vaults, 5)
	assert.Len(t, cfg.Pipelines, 3)

	assert.Error(t, run(t, "--config", path, "init"), "existing file needs --force")
	assert.NoError(t, run(t, "--config", path, "init", "--force"))
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().Audit.Driver, cfg.Audit.Driver)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("server: [not, a, map"), 0o644))
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestKeygen_AttestationKeyReadableBySDK(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "absent.yaml")

	require.NoError(t, run(t, "--config", cfgPath, "keygen", "--out", dir))
	assert.FileExists(t, filepath.Join(dir, "master.key"))
	assert.FileExists(t, filepath.Join(dir, "attestation.key"))

	pub, err := sdk.LoadPublicKey(dir, "attestation")
	require.NoError(t, err)
	assert.Len(t, pub, 32)

	before, err := os.ReadFile(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	require.NoError(t, run(t, "--config", cfgPath, "keygen", "--out", dir))
	after, err := os.ReadFile(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "keygen must not replace an existing master secret")
}

func TestCheck_Offline(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "absent.yaml")

	assert.NoError(t, run(t, "--config", cfgPath, "check", "access",
		"--user", "bob", "--role", "developer", "--vault", "payment_vault", "--json"))
	assert.NoError(t, run(t, "--config", cfgPath, "check", "comm",
		"--from", "checkout", "--to", "payment-service", "--encrypted"))
	assert.NoError(t, run(t, "--config", cfgPath, "check", "dlp",
		"--user", "alice", "--dest", "someone@gmail.com", "--content", "iban and swift details"))
	assert.NoError(t, run(t, "--config", cfgPath, "check", "activity",
		"--service", "checkout", "--content", "ryuk ransom note, vssadmin delete shadows"))
}

func TestCheck_MissingRequiredFlag(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "absent.yaml")
	assert.Error(t, run(t, "--config", cfgPath, "check", "access", "--user", "bob"))
}

func TestFeed_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	feed := filepath.Join(dir, "feed.yaml")
	require.NoError(t, os.WriteFile(feed, []byte("indicators:\n  - id: X\n"), 0o644))
	assert.Error(t, run(t, "--config", filepath.Join(dir, "absent.yaml"), "feed", "--file", feed))
}

func TestJoinSorted(t *testing.T) {
	assert.Equal(t, "none", joinSorted(map[string]int{}))
	assert.Equal(t, "a, b, c", joinSorted(map[string]int{"c": 1, "a": 2, "b": 3}))
}
