package rbac

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday 10:00 UTC
var businessHours = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T, sink audit.Sink) (*Controller, *clock) {
	t.Helper()
	c := &clock{t: businessHours}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl, err := New(config.Defaults(), sink, logger, WithClock(c.now))
	require.NoError(t, err)
	return ctrl, c
}

func at(t time.Time) AccessContext { return AccessContext{Timestamp: t} }

func TestCheckAccess_AdminReadsCustomerVault(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	d := ctrl.CheckAccess("u-1", "admin", "customer_data_vault", "READ", at(businessHours))
	assert.True(t, d.Allowed)
	assert.NotEmpty(t, d.SessionID)
	assert.Equal(t, decision.OutcomeAllow, d.Outcome)

	vs, err := ctrl.VaultSummary("customer_data_vault")
	require.NoError(t, err)
	assert.Equal(t, 1, vs.TotalAccesses)
	assert.Equal(t, 1, vs.ActiveSessions)
	assert.True(t, vs.LastAccess.Equal(businessHours))
	assert.Equal(t, 1, ctrl.AccessLog().Len())
}

func TestCheckAccess_RestrictedRoleDenied(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	d := ctrl.CheckAccess("u-2", "read_only", "customer_data_vault", "READ", at(businessHours))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "explicitly restricted")
	assert.Equal(t, risk.High, d.RiskLevel)
	assert.Equal(t, "ROLE_RESTRICTED", d.PrimaryType())

	vs, _ := ctrl.VaultSummary("customer_data_vault")
	assert.Equal(t, 0, vs.TotalAccesses)
	assert.Equal(t, 1, vs.DeniedAccesses)
}

func TestCheckAccess_RestrictedRoleOnCriticalVaultIsCritical(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	d := ctrl.CheckAccess("u", "developer", "payment_vault", "READ", AccessContext{Encrypted: true, Timestamp: businessHours})
	assert.False(t, d.Allowed)
	assert.Equal(t, risk.Critical, d.RiskLevel)
}

func TestCheckAccess_DenyListAlwaysWins(t *testing.T) {
	cfg := config.Defaults()
	for name, v := range cfg.Vaults {
		for _, r := range v.RestrictedRoles {
			ctrl, err := New(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)
			for _, action := range []string{"READ", "WRITE", "AUDIT"} {
				d := ctrl.CheckAccess("u", r, name, action, AccessContext{Encrypted: true, Timestamp: businessHours})
				assert.False(t, d.Allowed, "%s on %s", r, name)
				assert.Equal(t, "ROLE_RESTRICTED", d.PrimaryType())
			}
		}
	}
}

func TestCheckAccess_DeleteOnCriticalVaultAlwaysDenied(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	for _, r := range []string{"admin", "security_officer", "compliance_officer"} {
		d := ctrl.CheckAccess("u", r, "payment_vault", "DELETE", AccessContext{Encrypted: true, Timestamp: businessHours})
		assert.False(t, d.Allowed, r)
	}
	d := ctrl.CheckAccess("u", "admin", "payment_vault", "DELETE", AccessContext{Encrypted: true, Timestamp: businessHours})
	assert.Equal(t, "CRITICAL_VAULT_DELETE", d.PrimaryType())
	assert.Equal(t, risk.Critical, d.RiskLevel)
}

func TestCheckAccess_OrderedChecks(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		user   string
		role   string
		vault  string
		action string
		ctx    AccessContext
		want   string
		level  risk.Level
	}{
		{"unknown role", "u", "intern", "analytics_vault", "READ", at(businessHours), "ROLE_NOT_FOUND", risk.High},
		{"unknown vault", "u", "admin", "missing_vault", "READ", at(businessHours), "VAULT_NOT_FOUND", risk.Medium},
		{"not allow-listed", "u", "auditor", "customer_data_vault", "READ", at(businessHours), "ROLE_NOT_ALLOWED", risk.High},
		{"unknown action", "u", "admin", "analytics_vault", "TELEPORT", at(businessHours), "UNKNOWN_ACTION", risk.High},
		{"missing permission", "u", "developer", "analytics_vault", "DELETE", at(businessHours), "INSUFFICIENT_PERMISSION", risk.High},
		{"update maps to write", "u", "data_analyst", "analytics_vault", "UPDATE", at(businessHours), "INSUFFICIENT_PERMISSION", risk.High},
		{"encryption required", "u", "admin", "payment_vault", "READ", at(businessHours), "ENCRYPTION_REQUIRED", risk.High},
		{"oversize", "u", "admin", "customer_data_vault", "READ", AccessContext{DataSize: 11 << 20, Timestamp: businessHours}, "DATA_SIZE_EXCEEDED", risk.Medium},
		{"allow list checked before time rule", "u", "auditor", "payment_vault", "READ", AccessContext{Encrypted: true, Timestamp: evening}, "ROLE_NOT_ALLOWED", risk.High},
		{"high vault on weekend", "u", "data_analyst", "customer_data_vault", "READ", at(saturday), "TIME_RESTRICTED", risk.High},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newTestController(t, nil)
			d := ctrl.CheckAccess(tt.user, tt.role, tt.vault, tt.action, tt.ctx)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.PrimaryType())
			assert.Equal(t, tt.level, d.RiskLevel)
			assert.NotEmpty(t, d.Recommendations)
		})
	}
}

func TestCheckAccess_TimeRules(t *testing.T) {
	evening := time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	ctrl, _ := newTestController(t, nil)
	// level 8+ may use critical vaults after hours
	assert.True(t, ctrl.CheckAccess("u1", "compliance_officer", "payment_vault", "READ", AccessContext{Encrypted: true, Timestamp: evening}).Allowed)

	cfg := config.Defaults()
	v := cfg.Vaults["payment_vault"]
	v.AllowedRoles = append(v.AllowedRoles, "auditor")
	cfg.Vaults["payment_vault"] = v
	ctrl2, err := New(cfg, nil, nil)
	require.NoError(t, err)
	d := ctrl2.CheckAccess("u2", "auditor", "payment_vault", "READ", AccessContext{Encrypted: true, Timestamp: evening})
	assert.Equal(t, "TIME_RESTRICTED", d.PrimaryType())
	assert.True(t, ctrl2.CheckAccess("u2", "auditor", "payment_vault", "READ", AccessContext{Encrypted: true, Timestamp: businessHours}).Allowed)

	// level 7+ may use high vaults on weekends
	assert.True(t, ctrl.CheckAccess("u3", "compliance_officer", "customer_data_vault", "READ", at(saturday)).Allowed)
}

func TestCheckAccess_SessionCap(t *testing.T) {
	ctrl, c := newTestController(t, nil)

	// HIGH sensitivity allows 3 concurrent sessions per user
	for i := range 3 {
		d := ctrl.CheckAccess("u", "admin", "customer_data_vault", "READ", at(c.now()))
		require.True(t, d.Allowed, "session %d", i+1)
	}
	d := ctrl.CheckAccess("u", "admin", "customer_data_vault", "READ", at(c.now()))
	assert.False(t, d.Allowed)
	assert.Equal(t, "SESSION_LIMIT_EXCEEDED", d.PrimaryType())
	assert.Contains(t, d.Recommendations[0], "close an existing session")

	// another user is counted separately
	assert.True(t, ctrl.CheckAccess("v", "admin", "customer_data_vault", "READ", at(c.now())).Allowed)

	// idle sessions stop counting
	c.advance(31 * time.Minute)
	assert.True(t, ctrl.CheckAccess("u", "admin", "customer_data_vault", "READ", at(c.now())).Allowed)
}

func TestCheckAccess_CriticalVaultSingleSession(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	ac := AccessContext{Encrypted: true, Timestamp: businessHours}
	first := ctrl.CheckAccess("u", "admin", "payment_vault", "READ", ac)
	require.True(t, first.Allowed)
	assert.Equal(t, "SESSION_LIMIT_EXCEEDED", ctrl.CheckAccess("u", "admin", "payment_vault", "READ", ac).PrimaryType())

	require.NoError(t, ctrl.InvalidateSession(first.SessionID))
	assert.ErrorIs(t, ctrl.InvalidateSession(first.SessionID), ErrSessionNotFound)
	assert.True(t, ctrl.CheckAccess("u", "admin", "payment_vault", "READ", ac).Allowed)
}

func TestRevokeAccess(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	for range 2 {
		require.True(t, ctrl.CheckAccess("u", "admin", "customer_data_vault", "READ", at(businessHours)).Allowed)
	}
	require.True(t, ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(businessHours)).Allowed)
	require.True(t, ctrl.CheckAccess("other", "admin", "customer_data_vault", "READ", at(businessHours)).Allowed)

	n, err := ctrl.RevokeAccess("u", "customer_data_vault")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sessions := ctrl.Sessions("u")
	require.Len(t, sessions, 1)
	assert.Equal(t, "analytics_vault", sessions[0].Vault)

	vs, _ := ctrl.VaultSummary("customer_data_vault")
	assert.Equal(t, 1, vs.ActiveSessions)

	_, err = ctrl.RevokeAccess("u", "missing")
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestTouchSessionKeepsItAlive(t *testing.T) {
	ctrl, c := newTestController(t, nil)
	d := ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(c.now()))
	require.True(t, d.Allowed)

	c.advance(20 * time.Minute)
	s, err := ctrl.TouchSession(d.SessionID)
	require.NoError(t, err)
	assert.Equal(t, c.now(), s.LastActivity)

	c.advance(20 * time.Minute)
	assert.Len(t, ctrl.Sessions("u"), 1)
}

func TestSetRoleActive(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	require.NoError(t, ctrl.SetRoleActive("admin", false))
	d := ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(businessHours))
	assert.Equal(t, "ROLE_INACTIVE", d.PrimaryType())

	require.NoError(t, ctrl.SetRoleActive("admin", true))
	assert.True(t, ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(businessHours)).Allowed)
	assert.ErrorIs(t, ctrl.SetRoleActive("ghost", true), ErrRoleNotFound)
}

func TestUserSummaryAndSink(t *testing.T) {
	var mu sync.Mutex
	var logged []audit.Entry
	sink := audit.SinkFunc(func(e audit.Entry) {
		mu.Lock()
		logged = append(logged, e)
		mu.Unlock()
	})
	ctrl, _ := newTestController(t, sink)

	ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(businessHours))
	ctrl.CheckAccess("u", "admin", "customer_data_vault", "READ", at(businessHours.Add(time.Minute)))
	ctrl.CheckAccess("u", "read_only", "customer_data_vault", "READ", at(businessHours))

	sum := ctrl.UserSummary("u")
	assert.Equal(t, 3, sum.TotalRequests)
	assert.Equal(t, 2, sum.Granted)
	assert.Equal(t, 1, sum.Denied)
	assert.Equal(t, map[string]int{"analytics_vault": 1, "customer_data_vault": 1}, sum.Vaults)
	assert.Equal(t, 2, sum.ActiveSessions)
	assert.True(t, sum.LastAccess.Equal(businessHours.Add(time.Minute)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, logged, 3)
	assert.Equal(t, Component, logged[0].Component)
	assert.Equal(t, "u", logged[0].Actor)
	assert.Equal(t, "analytics_vault", logged[0].Subject)
	assert.Equal(t, "ROLE_RESTRICTED", logged[2].Details["reason_type"])
}

func TestAccessLogIsBounded(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.AccessLogSize = 5
	ctrl, err := New(cfg, nil, nil)
	require.NoError(t, err)
	for range 8 {
		ctrl.CheckAccess("u", "ghost", "analytics_vault", "READ", at(businessHours))
	}
	assert.Equal(t, 5, ctrl.AccessLog().Len())
}

func TestConcurrentSessionCap(t *testing.T) {
	ctrl, _ := newTestController(t, nil)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctrl.CheckAccess("u", "admin", "analytics_vault", "READ", at(businessHours)).Allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	// MEDIUM sensitivity: 5 sessions
	assert.Equal(t, int64(5), granted.Load())
	vs, _ := ctrl.VaultSummary("analytics_vault")
	assert.Equal(t, 5, vs.TotalAccesses)
	assert.Equal(t, 15, vs.DeniedAccesses)
}

func TestNew_RejectsBadSensitivity(t *testing.T) {
	cfg := config.Defaults()
	cfg.Vaults["x"] = config.Vault{Sensitivity: "EXTREME"}
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}
