package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oktsec/riskgate/internal/safefile"
	"gopkg.in/yaml.v3"
)

// Config is the top-level riskgate configuration. Reference tables (roles,
// vaults, policies, pipelines) are loaded once at startup and treated as
// read-only by the decision components.
type Config struct {
	Version           string               `yaml:"version"`
	Server            ServerConfig         `yaml:"server"`
	Audit             AuditConfig          `yaml:"audit"`
	Redis             RedisConfig          `yaml:"redis,omitempty"`
	Telemetry         TelemetryConfig      `yaml:"telemetry"`
	Keys              KeysConfig           `yaml:"keys"`
	ZeroTrust         ZeroTrustConfig      `yaml:"zero_trust"`
	Intrusion         IntrusionConfig      `yaml:"intrusion"`
	Network           NetworkConfig        `yaml:"network"`
	DLP               DLPConfig            `yaml:"dlp"`
	RBAC              RBACConfig           `yaml:"rbac"`
	Roles             map[string]Role      `yaml:"roles"`
	Vaults            map[string]Vault     `yaml:"vaults"`
	ActionPermissions map[string]string    `yaml:"action_permissions"`
	Validators        map[string]Validator `yaml:"validators"`
	Pipelines         map[string]Pipeline  `yaml:"pipelines"`
	PipelineOptions   PipelineOptions      `yaml:"pipeline_options"`
	ThreatIntel       ThreatIntelConfig    `yaml:"threat_intel"`
	Webhooks          []Webhook            `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
}

// AuditConfig selects the durable audit sink and in-memory trail sizes.
type AuditConfig struct {
	Driver            string `yaml:"driver"` // memory, sqlite, postgres
	Path              string `yaml:"path,omitempty"`
	DSN               string `yaml:"dsn,omitempty"`
	AccessLogSize     int    `yaml:"access_log_size"`
	PipelineTrailSize int    `yaml:"pipeline_trail_size"`
}

// RedisConfig enables the Redis-backed session store when URL is set.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	PoolSize    int           `yaml:"pool_size,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
	KeyPrefix   string        `yaml:"key_prefix,omitempty"`
}

// TelemetryConfig toggles Prometheus metrics and OpenTelemetry tracing.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Tracing bool `yaml:"tracing"`
}

// KeysConfig locates key material and declares the pipeline encryption keys.
type KeysConfig struct {
	Dir   string                   `yaml:"dir"`
	Items map[string]EncryptionKey `yaml:"items"`
}

// EncryptionKey is a reference to a keyring subkey.
type EncryptionKey struct {
	Algorithm      string        `yaml:"algorithm"`
	RotationPeriod time.Duration `yaml:"rotation_period"`
	Disabled       bool          `yaml:"disabled,omitempty"`
}

// ZeroTrustConfig tunes continuous-trust verification.
type ZeroTrustConfig struct {
	DenyThreshold   float64          `yaml:"deny_threshold"`
	MFAThreshold    float64          `yaml:"mfa_threshold"`
	SessionLifetime time.Duration    `yaml:"session_lifetime"`
	CleanupInterval time.Duration    `yaml:"cleanup_interval"`
	Weights         ZeroTrustWeights `yaml:"weights"`
}

// ZeroTrustWeights are the per-signal contributions to the trust score.
type ZeroTrustWeights struct {
	UntrustedDevice float64 `yaml:"untrusted_device"`
	LocationRisk    float64 `yaml:"location_risk"`
	BehaviorAnomaly float64 `yaml:"behavior_anomaly"`
	OffHours        float64 `yaml:"off_hours"`
	NetworkRisk     float64 `yaml:"network_risk"`
}

// Baseline policies control whether anomalous observations update profiles.
const (
	BaselineRecordAll        = "record_all"
	BaselineExcludeAnomalous = "exclude_anomalous"
)

// IntrusionConfig tunes login and access anomaly detection.
type IntrusionConfig struct {
	HistorySize      int     `yaml:"history_size"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	BaselinePolicy   string  `yaml:"baseline_policy"`
}

// NetworkConfig holds the service-to-service policy table.
type NetworkConfig struct {
	Policies          map[string]NetworkPolicy `yaml:"policies"`
	SensitivePatterns []string                 `yaml:"sensitive_patterns"`
	RateWindow        time.Duration            `yaml:"rate_window"`
	ConnectionIdle    time.Duration            `yaml:"connection_idle"`
	HistorySize       int                      `yaml:"history_size"`
}

// NetworkPolicy is the policy owned by one service.
type NetworkPolicy struct {
	AllowedServices   []string `yaml:"allowed_services"`
	BlockedServices   []string `yaml:"blocked_services"`
	AllowedPorts      []int    `yaml:"allowed_ports"`
	AllowedProtocols  []string `yaml:"allowed_protocols"`
	MaxConnections    int      `yaml:"max_connections"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	RequireEncryption bool     `yaml:"require_encryption"`
}

// DLPConfig holds the data-loss prevention term lists and thresholds.
type DLPConfig struct {
	FinancialTerms         []string          `yaml:"financial_terms"`
	RestrictedDestinations []DestinationRule `yaml:"restricted_destinations"`
	VolumeThresholdBytes   int64             `yaml:"volume_threshold_bytes"`
	HistorySize            int               `yaml:"history_size"`
	ScanContent            bool              `yaml:"scan_content"`
	CustomRulesDir         string            `yaml:"custom_rules_dir,omitempty"`
	BaselinePolicy         string            `yaml:"baseline_policy"`
}

// DestinationRule marks destinations matching Pattern as restricted.
type DestinationRule struct {
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
}

// RBACConfig tunes vault session handling.
type RBACConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Role is a named permission set with a seniority level.
type Role struct {
	Level       int      `yaml:"level"`
	Description string   `yaml:"description,omitempty"`
	Permissions []string `yaml:"permissions"`
	Inactive    bool     `yaml:"inactive,omitempty"`
}

// Vault is a logical store of sensitive data.
type Vault struct {
	Description       string   `yaml:"description,omitempty"`
	Sensitivity       string   `yaml:"sensitivity"`
	Confidential      bool     `yaml:"confidential"`
	RequireEncryption bool     `yaml:"require_encryption"`
	AllowedRoles      []string `yaml:"allowed_roles"`
	RestrictedRoles   []string `yaml:"restricted_roles"`
}

// Validator is a named set of field rules.
type Validator struct {
	Description string               `yaml:"description,omitempty"`
	Fields      map[string]FieldRule `yaml:"fields"`
}

// FieldRule constrains one payload field.
type FieldRule struct {
	Required  bool     `yaml:"required,omitempty"`
	Type      string   `yaml:"type,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	Enum      []string `yaml:"enum,omitempty"`
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	Sensitive bool     `yaml:"sensitive,omitempty"`
}

// Pipeline declares one validate → encrypt → verify → transfer flow.
type Pipeline struct {
	Description      string        `yaml:"description,omitempty"`
	Source           string        `yaml:"source"`
	Destination      string        `yaml:"destination"`
	Validator        string        `yaml:"validator"`
	EncryptionKey    string        `yaml:"encryption_key"`
	RequiresApproval bool          `yaml:"requires_approval"`
	MaxPayloadBytes  int64         `yaml:"max_payload_bytes"`
	Retention        time.Duration `yaml:"retention"`
}

// PipelineOptions are shared by every pipeline.
type PipelineOptions struct {
	SensitiveKeywords []string          `yaml:"sensitive_keywords"`
	Transport         string            `yaml:"transport"` // log, http, memory
	Endpoints         map[string]string `yaml:"endpoints,omitempty"`
	TransferTimeout   time.Duration     `yaml:"transfer_timeout"`
}

// ThreatIntelConfig controls the indicator feed and incident log.
type ThreatIntelConfig struct {
	FeedFile        string        `yaml:"feed_file,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	WatchFeed       bool          `yaml:"watch_feed"`
	Holidays        []string      `yaml:"holidays"` // MM-DD
	IncidentHistory int           `yaml:"incident_history"`
}

// Webhook defines an outgoing incident notification endpoint.
type Webhook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`             // incident, pipeline_failure
	Template string   `yaml:"template,omitempty"` // plain text with {{TAG}} placeholders
}

// Load reads and parses a riskgate config file.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, safefile.MaxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.Driver == "sqlite" && c.Audit.Path == "" {
		c.Audit.Path = "riskgate.db"
	}
	if c.Audit.AccessLogSize <= 0 {
		c.Audit.AccessLogSize = 10_000
	}
	if c.Audit.PipelineTrailSize <= 0 {
		c.Audit.PipelineTrailSize = 50_000
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "riskgate:"
	}

	zt := &c.ZeroTrust
	if zt.DenyThreshold == 0 {
		zt.DenyThreshold = 0.7
	}
	if zt.MFAThreshold == 0 {
		zt.MFAThreshold = 0.5
	}
	if zt.SessionLifetime == 0 {
		zt.SessionLifetime = 30 * time.Minute
	}
	if zt.CleanupInterval == 0 {
		zt.CleanupInterval = time.Minute
	}
	if zt.Weights == (ZeroTrustWeights{}) {
		zt.Weights = DefaultZeroTrustWeights()
	}

	if c.Intrusion.HistorySize <= 0 {
		c.Intrusion.HistorySize = 100
	}
	if c.Intrusion.AnomalyThreshold == 0 {
		c.Intrusion.AnomalyThreshold = 0.6
	}
	if c.Intrusion.BaselinePolicy == "" {
		c.Intrusion.BaselinePolicy = BaselineRecordAll
	}

	if c.Network.RateWindow == 0 {
		c.Network.RateWindow = time.Minute
	}
	if c.Network.ConnectionIdle == 0 {
		c.Network.ConnectionIdle = 5 * time.Minute
	}
	if c.Network.HistorySize <= 0 {
		c.Network.HistorySize = 100
	}
	if len(c.Network.SensitivePatterns) == 0 {
		c.Network.SensitivePatterns = DefaultSensitiveServicePatterns()
	}

	if c.DLP.VolumeThresholdBytes == 0 {
		c.DLP.VolumeThresholdBytes = 10 << 20
	}
	if c.DLP.HistorySize <= 0 {
		c.DLP.HistorySize = 100
	}
	if c.DLP.BaselinePolicy == "" {
		c.DLP.BaselinePolicy = BaselineRecordAll
	}
	if len(c.DLP.FinancialTerms) == 0 {
		c.DLP.FinancialTerms = DefaultFinancialTerms()
	}
	if len(c.DLP.RestrictedDestinations) == 0 {
		c.DLP.RestrictedDestinations = DefaultRestrictedDestinations()
	}

	if c.RBAC.SessionTimeout == 0 {
		c.RBAC.SessionTimeout = 30 * time.Minute
	}
	if len(c.ActionPermissions) == 0 {
		c.ActionPermissions = DefaultActionPermissions()
	}

	po := &c.PipelineOptions
	if po.Transport == "" {
		po.Transport = "log"
	}
	if po.TransferTimeout == 0 {
		po.TransferTimeout = 30 * time.Second
	}
	if len(po.SensitiveKeywords) == 0 {
		po.SensitiveKeywords = DefaultSensitiveKeywords()
	}

	ti := &c.ThreatIntel
	if ti.RefreshInterval == 0 {
		ti.RefreshInterval = 15 * time.Minute
	}
	if ti.IncidentHistory <= 0 {
		ti.IncidentHistory = 1000
	}
	if ti.Holidays == nil {
		ti.Holidays = []string{"01-01", "07-04", "12-25", "12-31"}
	}
}

var (
	validPermissions  = map[string]bool{"READ": true, "WRITE": true, "DELETE": true, "ADMIN": true, "AUDIT": true, "EXPORT": true, "ANALYZE": true}
	validSensitivity  = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true}
	validFieldTypes   = map[string]bool{"": true, "string": true, "number": true, "integer": true, "boolean": true, "object": true, "array": true}
	validAuditDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	validTransports   = map[string]bool{"log": true, "http": true, "memory": true}
)

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !validAuditDrivers[c.Audit.Driver] {
		return fmt.Errorf("invalid audit driver %q", c.Audit.Driver)
	}
	if c.Audit.Driver == "postgres" && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required for the postgres driver")
	}
	if c.ZeroTrust.MFAThreshold > c.ZeroTrust.DenyThreshold {
		return fmt.Errorf("zero_trust.mfa_threshold (%.2f) must not exceed deny_threshold (%.2f)",
			c.ZeroTrust.MFAThreshold, c.ZeroTrust.DenyThreshold)
	}
	switch c.Intrusion.BaselinePolicy {
	case BaselineRecordAll, BaselineExcludeAnomalous:
	default:
		return fmt.Errorf("invalid intrusion.baseline_policy %q", c.Intrusion.BaselinePolicy)
	}
	switch c.DLP.BaselinePolicy {
	case BaselineRecordAll, BaselineExcludeAnomalous:
	default:
		return fmt.Errorf("invalid dlp.baseline_policy %q", c.DLP.BaselinePolicy)
	}

	for name, role := range c.Roles {
		for _, p := range role.Permissions {
			if !validPermissions[strings.ToUpper(p)] {
				return fmt.Errorf("role %q has unknown permission %q", name, p)
			}
		}
	}
	for action, perm := range c.ActionPermissions {
		if !validPermissions[strings.ToUpper(perm)] {
			return fmt.Errorf("action %q maps to unknown permission %q", action, perm)
		}
	}
	for name, v := range c.Vaults {
		if !validSensitivity[strings.ToUpper(v.Sensitivity)] {
			return fmt.Errorf("vault %q has invalid sensitivity %q", name, v.Sensitivity)
		}
		for _, r := range append(append([]string{}, v.AllowedRoles...), v.RestrictedRoles...) {
			if _, ok := c.Roles[r]; !ok {
				return fmt.Errorf("vault %q references unknown role %q", name, r)
			}
		}
	}

	for name, p := range c.Network.Policies {
		if p.MaxConnections < 0 || p.RequestsPerMinute < 0 {
			return fmt.Errorf("network policy %q has negative limits", name)
		}
		for _, target := range p.AllowedServices {
			if target == name {
				return fmt.Errorf("service %q lists itself in allowed_services", name)
			}
		}
	}
	for _, pat := range c.Network.SensitivePatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("invalid sensitive service pattern %q: %w", pat, err)
		}
	}
	for _, d := range c.DLP.RestrictedDestinations {
		if _, err := regexp.Compile(d.Pattern); err != nil {
			return fmt.Errorf("invalid restricted destination pattern %q: %w", d.Pattern, err)
		}
	}

	for name, v := range c.Validators {
		for field, rule := range v.Fields {
			if !validFieldTypes[rule.Type] {
				return fmt.Errorf("validator %q field %q has invalid type %q", name, field, rule.Type)
			}
			if rule.Pattern != "" {
				if _, err := regexp.Compile(rule.Pattern); err != nil {
					return fmt.Errorf("validator %q field %q has invalid pattern: %w", name, field, err)
				}
			}
			if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
				return fmt.Errorf("validator %q field %q has min > max", name, field)
			}
		}
	}
	for name, p := range c.Pipelines {
		if _, ok := c.Validators[p.Validator]; !ok {
			return fmt.Errorf("pipeline %q references unknown validator %q", name, p.Validator)
		}
		if _, ok := c.Keys.Items[p.EncryptionKey]; !ok {
			return fmt.Errorf("pipeline %q references unknown encryption key %q", name, p.EncryptionKey)
		}
		if p.MaxPayloadBytes < 0 {
			return fmt.Errorf("pipeline %q has negative max_payload_bytes", name)
		}
	}
	if !validTransports[c.PipelineOptions.Transport] {
		return fmt.Errorf("invalid pipeline_options.transport %q", c.PipelineOptions.Transport)
	}
	for _, h := range c.ThreatIntel.Holidays {
		if _, err := time.Parse("01-02", h); err != nil {
			return fmt.Errorf("invalid holiday %q (want MM-DD)", h)
		}
	}
	return nil
}
