package config

import "time"

// DefaultZeroTrustWeights returns the trust-signal weights.
func DefaultZeroTrustWeights() ZeroTrustWeights {
	return ZeroTrustWeights{
		UntrustedDevice: 0.3,
		LocationRisk:    0.2,
		BehaviorAnomaly: 0.3,
		OffHours:        0.1,
		NetworkRisk:     0.1,
	}
}

// DefaultSensitiveServicePatterns matches services whose compromise would
// expose data stores, credentials or money movement.
func DefaultSensitiveServicePatterns() []string {
	return []string{
		`(?i)database`,
		`(?i)auth`,
		`(?i)payment`,
		`(?i)user-data`,
		`(?i)admin`,
	}
}

// DefaultFinancialTerms is the DLP keyword list.
func DefaultFinancialTerms() []string {
	return []string{
		"account number",
		"routing number",
		"credit card",
		"social security",
		"bank statement",
		"wire transfer",
		"swift code",
		"iban",
		"tax return",
		"salary",
		"balance sheet",
		"confidential",
	}
}

// DefaultRestrictedDestinations flags personal mailboxes, consumer cloud
// storage and paste/share services.
func DefaultRestrictedDestinations() []DestinationRule {
	return []DestinationRule{
		{Category: "personal_email", Pattern: `(?i)@(gmail|yahoo|hotmail|outlook|protonmail|icloud)\.`},
		{Category: "cloud_storage", Pattern: `(?i)(dropbox|drive\.google|onedrive|box\.com|mega\.nz|wetransfer)`},
		{Category: "external_service", Pattern: `(?i)(pastebin|hastebin|transfer\.sh|file\.io|ngrok)`},
	}
}

// DefaultActionPermissions maps request actions to abstract permissions.
func DefaultActionPermissions() map[string]string {
	return map[string]string{
		"READ":    "READ",
		"WRITE":   "WRITE",
		"UPDATE":  "WRITE",
		"DELETE":  "DELETE",
		"EXPORT":  "EXPORT",
		"ANALYZE": "ANALYZE",
		"AUDIT":   "AUDIT",
		"ADMIN":   "ADMIN",
	}
}

// DefaultSensitiveKeywords feed the pipeline risk density measure.
func DefaultSensitiveKeywords() []string {
	return []string{"ssn", "password", "account", "routing", "card", "secret", "pin", "tax"}
}

func ptr(f float64) *float64 { return &f }

// Defaults returns a complete reference configuration: the standard fintech
// roles, vaults, network policies, validators and pipelines.
func Defaults() *Config {
	cfg := &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8080,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Audit: AuditConfig{
			Driver: "sqlite",
			Path:   "riskgate.db",
		},
		Telemetry: TelemetryConfig{Metrics: true},
		Keys: KeysConfig{
			Dir: "keys",
			Items: map[string]EncryptionKey{
				"transaction_key": {Algorithm: "xchacha20-poly1305", RotationPeriod: 90 * 24 * time.Hour},
				"customer_key":    {Algorithm: "xchacha20-poly1305", RotationPeriod: 180 * 24 * time.Hour},
				"audit_key":       {Algorithm: "xchacha20-poly1305", RotationPeriod: 365 * 24 * time.Hour},
			},
		},
		Roles: map[string]Role{
			"admin": {
				Level:       10,
				Description: "Full system administrator",
				Permissions: []string{"READ", "WRITE", "DELETE", "ADMIN", "AUDIT", "EXPORT", "ANALYZE"},
			},
			"security_officer": {
				Level:       9,
				Description: "Security operations and incident response",
				Permissions: []string{"READ", "WRITE", "AUDIT", "ADMIN", "ANALYZE"},
			},
			"compliance_officer": {
				Level:       8,
				Description: "Regulatory compliance review",
				Permissions: []string{"READ", "AUDIT", "EXPORT", "ANALYZE"},
			},
			"auditor": {
				Level:       7,
				Description: "Internal and external audit",
				Permissions: []string{"READ", "AUDIT"},
			},
			"data_analyst": {
				Level:       6,
				Description: "Reporting and analytics",
				Permissions: []string{"READ", "ANALYZE", "EXPORT"},
			},
			"developer": {
				Level:       4,
				Description: "Application development",
				Permissions: []string{"READ", "WRITE"},
			},
			"read_only": {
				Level:       2,
				Description: "Read-only access",
				Permissions: []string{"READ"},
			},
		},
		Vaults: map[string]Vault{
			"customer_data_vault": {
				Description:     "Customer PII and account data",
				Sensitivity:     "HIGH",
				Confidential:    true,
				AllowedRoles:    []string{"admin", "security_officer", "compliance_officer", "data_analyst", "read_only"},
				RestrictedRoles: []string{"read_only", "developer"},
			},
			"payment_vault": {
				Description:       "Card and payment instrument data",
				Sensitivity:       "CRITICAL",
				Confidential:      true,
				RequireEncryption: true,
				AllowedRoles:      []string{"admin", "security_officer", "compliance_officer"},
				RestrictedRoles:   []string{"developer", "read_only", "data_analyst"},
			},
			"audit_log_vault": {
				Description:     "Immutable audit records",
				Sensitivity:     "HIGH",
				Confidential:    true,
				AllowedRoles:    []string{"admin", "security_officer", "compliance_officer", "auditor"},
				RestrictedRoles: []string{"developer"},
			},
			"analytics_vault": {
				Description:  "Aggregated, de-identified metrics",
				Sensitivity:  "MEDIUM",
				AllowedRoles: []string{"admin", "security_officer", "compliance_officer", "auditor", "data_analyst", "developer"},
			},
			"public_docs_vault": {
				Description:  "Published product documentation",
				Sensitivity:  "LOW",
				AllowedRoles: []string{"admin", "security_officer", "compliance_officer", "auditor", "data_analyst", "developer", "read_only"},
			},
		},
		Network: NetworkConfig{
			Policies: map[string]NetworkPolicy{
				"api-gateway": {
					AllowedServices:   []string{"checkout", "user-service", "auth-service", "analytics"},
					BlockedServices:   []string{"database-primary"},
					AllowedPorts:      []int{443, 8443},
					AllowedProtocols:  []string{"https", "grpc"},
					MaxConnections:    200,
					RequestsPerMinute: 6000,
					RequireEncryption: true,
				},
				"checkout": {
					AllowedServices:   []string{"payment-service", "user-service", "inventory"},
					BlockedServices:   []string{"admin-service"},
					AllowedPorts:      []int{443, 8443},
					AllowedProtocols:  []string{"https", "grpc"},
					MaxConnections:    50,
					RequestsPerMinute: 600,
					RequireEncryption: true,
				},
				"payment-service": {
					AllowedServices:   []string{"database-primary", "fraud-detection"},
					BlockedServices:   []string{"analytics"},
					AllowedPorts:      []int{443, 5432},
					AllowedProtocols:  []string{"https", "postgres"},
					MaxConnections:    20,
					RequestsPerMinute: 300,
					RequireEncryption: true,
				},
				"user-service": {
					AllowedServices:   []string{"database-primary", "auth-service"},
					AllowedPorts:      []int{443, 5432},
					AllowedProtocols:  []string{"https", "postgres"},
					MaxConnections:    30,
					RequestsPerMinute: 1200,
					RequireEncryption: true,
				},
				"analytics": {
					AllowedServices:   []string{"database-replica"},
					BlockedServices:   []string{"payment-service", "database-primary"},
					AllowedPorts:      []int{5432},
					AllowedProtocols:  []string{"postgres"},
					MaxConnections:    10,
					RequestsPerMinute: 120,
				},
				"auth-service": {
					AllowedServices:   []string{"user-service", "database-primary"},
					AllowedPorts:      []int{443, 5432},
					AllowedProtocols:  []string{"https", "postgres"},
					MaxConnections:    40,
					RequestsPerMinute: 3000,
					RequireEncryption: true,
				},
			},
		},
		ThreatIntel: ThreatIntelConfig{
			WatchFeed: true,
		},
		Validators: map[string]Validator{
			"financial_transaction": {
				Description: "Card and bank transfer transactions",
				Fields: map[string]FieldRule{
					"transaction_id": {Required: true, Type: "string", Pattern: `^TXN-[0-9]{6,}$`},
					"amount":         {Required: true, Type: "number", Min: ptr(0.01), Max: ptr(1_000_000)},
					"currency":       {Required: true, Type: "string", Enum: []string{"USD", "EUR", "GBP", "JPY", "CAD"}},
					"account_number": {Required: true, Type: "string", Pattern: `^[0-9]{8,17}$`, Sensitive: true},
					"routing_number": {Type: "string", Pattern: `^[0-9]{9}$`, Sensitive: true},
					"description":    {Type: "string", Max: ptr(500)},
				},
			},
			"customer_record": {
				Description: "Customer master data",
				Fields: map[string]FieldRule{
					"customer_id": {Required: true, Type: "string", Pattern: `^CUST-[0-9A-Z]{6,}$`},
					"name":        {Required: true, Type: "string", Min: ptr(1), Max: ptr(200)},
					"email":       {Required: true, Type: "string", Pattern: `^[^@\s]+@[^@\s]+\.[^@\s]+$`, Sensitive: true},
					"ssn":         {Type: "string", Pattern: `^[0-9]{3}-[0-9]{2}-[0-9]{4}$`, Sensitive: true},
					"phone":       {Type: "string", Sensitive: true},
					"tier":        {Type: "string", Enum: []string{"standard", "premium", "private"}},
				},
			},
			"audit_event": {
				Description: "Security audit events",
				Fields: map[string]FieldRule{
					"event_id":   {Required: true, Type: "string"},
					"event_type": {Required: true, Type: "string", Enum: []string{"login", "logout", "access", "change", "export"}},
					"actor":      {Required: true, Type: "string"},
					"timestamp":  {Required: true, Type: "string"},
					"details":    {Type: "object"},
				},
			},
		},
		Pipelines: map[string]Pipeline{
			"financial_transactions": {
				Description:     "Payment processor to ledger",
				Source:          "payment-service",
				Destination:     "ledger",
				Validator:       "financial_transaction",
				EncryptionKey:   "transaction_key",
				MaxPayloadBytes: 1 << 20,
				Retention:       7 * 365 * 24 * time.Hour,
			},
			"customer_records": {
				Description:      "CRM export to data warehouse",
				Source:           "user-service",
				Destination:      "data-warehouse",
				Validator:        "customer_record",
				EncryptionKey:    "customer_key",
				RequiresApproval: true,
				MaxPayloadBytes:  5 << 20,
				Retention:        3 * 365 * 24 * time.Hour,
			},
			"audit_events": {
				Description:     "Audit events to SIEM",
				Source:          "riskgate",
				Destination:     "siem",
				Validator:       "audit_event",
				EncryptionKey:   "audit_key",
				MaxPayloadBytes: 256 << 10,
				Retention:       365 * 24 * time.Hour,
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
