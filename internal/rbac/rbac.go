// Package rbac guards data vaults with role-based checks layered with
// sensitivity, time-of-day and concurrent-session rules.
package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/keylock"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in decisions and audit entries.
const Component = "rbac"

var (
	ErrRoleNotFound    = errors.New("role not found")
	ErrVaultNotFound   = errors.New("vault not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Payload ceilings by vault sensitivity.
var maxDataSize = map[risk.Level]int64{
	risk.Low:      100 << 20,
	risk.Medium:   50 << 20,
	risk.High:     10 << 20,
	risk.Critical: 1 << 20,
}

// Concurrent sessions per user per vault, by sensitivity.
var maxSessions = map[risk.Level]int{
	risk.Low:      10,
	risk.Medium:   5,
	risk.High:     3,
	risk.Critical: 1,
}

// AccessContext carries request attributes used by the sensitivity and time
// rules.
type AccessContext struct {
	Encrypted bool      `json:"encrypted"`
	DataSize  int64     `json:"data_size,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is an access grant on one vault.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	Vault        string    `json:"vault"`
	Action       string    `json:"action"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

type role struct {
	config.Role
	active bool
}

type vault struct {
	config.Vault
	sensitivity    risk.Level
	totalAccesses  int
	deniedAccesses int
	lastAccess     time.Time
	sessions       map[string]*Session
}

// Controller evaluates vault access requests.
type Controller struct {
	actionPerms    map[string]string
	sessionTimeout time.Duration
	accessLog      *audit.Trail
	sink           audit.Sink
	logger         *slog.Logger
	now            func() time.Time

	locks     keylock.Map
	mu        sync.RWMutex
	roles     map[string]*role
	vaults    map[string]*vault
	sessionIx map[string]string // session id -> vault
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller from the roles, vaults and action table in cfg.
// Grants and denials go to the in-memory access log and to sink.
func New(cfg *config.Config, sink audit.Sink, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	perms := cfg.ActionPermissions
	if len(perms) == 0 {
		perms = config.DefaultActionPermissions()
	}
	timeout := cfg.RBAC.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	logSize := cfg.Audit.AccessLogSize
	if logSize <= 0 {
		logSize = 10000
	}

	c := &Controller{
		actionPerms:    make(map[string]string, len(perms)),
		sessionTimeout: timeout,
		accessLog:      audit.NewTrail(logSize),
		sink:           sink,
		logger:         logger,
		now:            time.Now,
		roles:          make(map[string]*role, len(cfg.Roles)),
		vaults:         make(map[string]*vault, len(cfg.Vaults)),
		sessionIx:      make(map[string]string),
	}
	for action, perm := range perms {
		c.actionPerms[strings.ToUpper(action)] = strings.ToUpper(perm)
	}
	for name, r := range cfg.Roles {
		c.roles[name] = &role{Role: r, active: !r.Inactive}
	}
	for name, v := range cfg.Vaults {
		level, ok := risk.ParseLevel(v.Sensitivity)
		if !ok {
			return nil, fmt.Errorf("vault %q: invalid sensitivity %q", name, v.Sensitivity)
		}
		c.vaults[name] = &vault{Vault: v, sensitivity: level, sessions: make(map[string]*Session)}
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// AccessLog returns the in-memory access log.
func (c *Controller) AccessLog() *audit.Trail { return c.accessLog }

// SetRoleActive toggles a role's activation flag.
func (c *Controller) SetRoleActive(name string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.roles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	r.active = active
	c.logger.Info("role activation changed", "role", name, "active", active)
	return nil
}

func (c *Controller) lookupRole(name string) (config.Role, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[name]
	if !ok {
		return config.Role{}, false, false
	}
	return r.Role, r.active, true
}

func (c *Controller) lookupVault(name string) (*vault, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vaults[name]
	return v, ok
}

// CheckAccess runs the ordered access checks for userID acting as roleName
// on vaultName. A grant opens a session whose id is returned on the decision.
func (c *Controller) CheckAccess(userID, roleName, vaultName, action string, ac AccessContext) decision.Decision {
	at := ac.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	action = strings.ToUpper(action)

	r, active, ok := c.lookupRole(roleName)
	if !ok {
		return c.deny(userID, roleName, vaultName, action, nil,
			decision.Deny(Component, "ROLE_NOT_FOUND", risk.High, fmt.Sprintf("role %s not found", roleName), at,
				"assign the user a configured role"))
	}
	if !active {
		return c.deny(userID, roleName, vaultName, action, nil,
			decision.Deny(Component, "ROLE_INACTIVE", risk.High, fmt.Sprintf("role %s is inactive", roleName), at,
				"reactivate the role or assign another one"))
	}
	v, ok := c.lookupVault(vaultName)
	if !ok {
		return c.deny(userID, roleName, vaultName, action, nil,
			decision.Deny(Component, "VAULT_NOT_FOUND", risk.Medium, fmt.Sprintf("vault %s not found", vaultName), at,
				"check the vault name"))
	}

	unlock := c.locks.Lock(vaultName)
	defer unlock()

	if d, denied := c.evaluate(userID, roleName, r, vaultName, v, action, ac, at); denied {
		return c.deny(userID, roleName, vaultName, action, v, d)
	}

	s := &Session{
		ID:           decision.NewID(),
		UserID:       userID,
		Role:         roleName,
		Vault:        vaultName,
		Action:       action,
		CreatedAt:    at,
		LastActivity: at,
		Active:       true,
	}
	v.sessions[s.ID] = s
	v.totalAccesses++
	v.lastAccess = at
	c.mu.Lock()
	c.sessionIx[s.ID] = vaultName
	c.mu.Unlock()

	d := decision.Allow(Component, grantScore(v.sensitivity, c.actionPerms[action]),
		fmt.Sprintf("%s granted %s on %s", roleName, action, vaultName), at)
	d.SessionID = s.ID
	c.record(d, userID, roleName, vaultName, action)
	c.logger.Debug("vault access granted", "user", userID, "role", roleName, "vault", vaultName, "action", action, "session", s.ID)
	return d
}

func (c *Controller) evaluate(userID, roleName string, r config.Role, vaultName string, v *vault, action string, ac AccessContext, at time.Time) (decision.Decision, bool) {
	deny := func(kind string, level risk.Level, reason string, recs ...string) (decision.Decision, bool) {
		return decision.Deny(Component, kind, level, reason, at, recs...), true
	}

	if slices.Contains(v.RestrictedRoles, roleName) {
		level := risk.High
		if v.sensitivity == risk.Critical {
			level = risk.Critical
		}
		return deny("ROLE_RESTRICTED", level,
			fmt.Sprintf("role %s is explicitly restricted from %s", roleName, vaultName),
			"request access through a role that is not restricted on this vault")
	}
	if !slices.Contains(v.AllowedRoles, roleName) {
		return deny("ROLE_NOT_ALLOWED", risk.High,
			fmt.Sprintf("role %s is not in the allowed roles of %s", roleName, vaultName),
			"ask the vault owner to allow the role")
	}

	perm, ok := c.actionPerms[action]
	if !ok {
		return deny("UNKNOWN_ACTION", risk.High, fmt.Sprintf("action %s is not recognized", action),
			"use one of the configured actions")
	}
	if !slices.Contains(r.Permissions, perm) {
		return deny("INSUFFICIENT_PERMISSION", risk.High,
			fmt.Sprintf("role %s lacks %s permission", roleName, perm),
			"request a role that carries the permission")
	}

	if perm == "DELETE" && v.sensitivity == risk.Critical {
		return deny("CRITICAL_VAULT_DELETE", risk.Critical,
			fmt.Sprintf("DELETE is forbidden on critical vault %s", vaultName),
			"file a change request with data governance")
	}
	if v.RequireEncryption && !ac.Encrypted {
		return deny("ENCRYPTION_REQUIRED", risk.High,
			fmt.Sprintf("vault %s requires an encrypted connection", vaultName),
			"retry over an encrypted channel")
	}
	if limit := maxDataSize[v.sensitivity]; ac.DataSize > limit {
		return deny("DATA_SIZE_EXCEEDED", risk.Medium,
			fmt.Sprintf("data size %d exceeds the %d byte limit for %s vaults", ac.DataSize, limit, v.sensitivity),
			"split the request into smaller batches")
	}

	if v.sensitivity == risk.Critical && r.Level < 8 {
		if h := at.Hour(); h < 8 || h >= 18 {
			return deny("TIME_RESTRICTED", risk.High,
				fmt.Sprintf("critical vault %s is restricted outside 08:00-18:00", vaultName),
				"retry during business hours")
		}
	}
	if v.sensitivity == risk.High && r.Level < 7 {
		if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return deny("TIME_RESTRICTED", risk.High,
				fmt.Sprintf("high-sensitivity vault %s is restricted on weekends", vaultName),
				"retry on a business day")
		}
	}

	limit := maxSessions[v.sensitivity]
	if n := c.activeSessions(v, userID, at); n >= limit {
		return deny("SESSION_LIMIT_EXCEEDED", risk.Medium,
			fmt.Sprintf("user %s already holds %d of %d sessions on %s", userID, n, limit, vaultName),
			"close an existing session before opening another")
	}
	return decision.Decision{}, false
}

// activeSessions counts the user's live sessions on v and closes idle ones.
// Callers hold the vault lock.
func (c *Controller) activeSessions(v *vault, userID string, now time.Time) int {
	n := 0
	for id, s := range v.sessions {
		if now.Sub(s.LastActivity) > c.sessionTimeout {
			c.closeSession(v, id)
			continue
		}
		if s.UserID == userID {
			n++
		}
	}
	return n
}

func (c *Controller) closeSession(v *vault, id string) {
	if s, ok := v.sessions[id]; ok {
		s.Active = false
		delete(v.sessions, id)
	}
	c.mu.Lock()
	delete(c.sessionIx, id)
	c.mu.Unlock()
}

func (c *Controller) deny(userID, roleName, vaultName, action string, v *vault, d decision.Decision) decision.Decision {
	if v != nil {
		v.deniedAccesses++
	}
	c.record(d, userID, roleName, vaultName, action)
	c.logger.Warn("vault access denied",
		"user", userID, "role", roleName, "vault", vaultName, "action", action, "type", d.PrimaryType(), "reason", d.Reason)
	return d
}

func (c *Controller) record(d decision.Decision, userID, roleName, vaultName, action string) {
	e := audit.FromDecision(d, userID, vaultName, action)
	e.Details = map[string]any{"role": roleName}
	if d.SessionID != "" {
		e.Details["session_id"] = d.SessionID
	}
	if t := d.PrimaryType(); t != "" {
		e.Details["reason_type"] = t
	}
	c.accessLog.Log(e)
	c.sink.Log(e)
}

// grantScore is the residual risk of a granted request: 0.1 per sensitivity
// rank, plus 0.1 for bulk or destructive permissions.
func grantScore(sensitivity risk.Level, perm string) float64 {
	score := 0.1 * float64(sensitivity.Rank())
	switch perm {
	case "DELETE", "EXPORT", "ADMIN":
		score += 0.1
	}
	return risk.Clamp(score)
}

// TouchSession records activity on a session, keeping it from idling out.
func (c *Controller) TouchSession(id string) (Session, error) {
	return c.withSession(id, func(v *vault, s *Session) {
		s.LastActivity = c.now()
	})
}

// InvalidateSession closes a single session.
func (c *Controller) InvalidateSession(id string) error {
	_, err := c.withSession(id, func(v *vault, s *Session) {
		c.closeSession(v, s.ID)
	})
	return err
}

func (c *Controller) withSession(id string, fn func(*vault, *Session)) (Session, error) {
	c.mu.RLock()
	vaultName, ok := c.sessionIx[id]
	c.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	v, _ := c.lookupVault(vaultName)
	unlock := c.locks.Lock(vaultName)
	defer unlock()
	s, ok := v.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(v, s)
	return *s, nil
}

// RevokeAccess closes every active session userID holds on vaultName and
// returns how many were closed.
func (c *Controller) RevokeAccess(userID, vaultName string) (int, error) {
	v, ok := c.lookupVault(vaultName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultName)
	}
	unlock := c.locks.Lock(vaultName)
	defer unlock()

	n := 0
	for id, s := range v.sessions {
		if s.UserID == userID {
			c.closeSession(v, id)
			n++
		}
	}
	at := c.now()
	e := audit.Entry{
		ID:        decision.NewID(),
		Timestamp: at,
		Component: Component,
		Actor:     userID,
		Subject:   vaultName,
		Action:    "REVOKE",
		Outcome:   "REVOKED",
		Reason:    fmt.Sprintf("%d session(s) revoked", n),
		RiskLevel: string(risk.Low),
		Details:   map[string]any{"sessions": n},
	}
	c.accessLog.Log(e)
	c.sink.Log(e)
	c.logger.Info("vault access revoked", "user", userID, "vault", vaultName, "sessions", n)
	return n, nil
}

// Sessions returns the user's live sessions across all vaults.
func (c *Controller) Sessions(userID string) []Session {
	now := c.now()
	c.mu.RLock()
	names := make([]string, 0, len(c.vaults))
	for name := range c.vaults {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	var out []Session
	for _, name := range names {
		v, _ := c.lookupVault(name)
		unlock := c.locks.Lock(name)
		for _, s := range v.sessions {
			if s.UserID == userID && now.Sub(s.LastActivity) <= c.sessionTimeout {
				out = append(out, *s)
			}
		}
		unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UserSummary aggregates the access log for one user.
type UserSummary struct {
	UserID         string         `json:"user_id"`
	TotalRequests  int            `json:"total_requests"`
	Granted        int            `json:"granted"`
	Denied         int            `json:"denied"`
	Vaults         map[string]int `json:"vaults"`
	ActiveSessions int            `json:"active_sessions"`
	LastAccess     time.Time      `json:"last_access,omitzero"`
}

// UserSummary reduces the access log to per-user totals.
func (c *Controller) UserSummary(userID string) UserSummary {
	out := UserSummary{UserID: userID, Vaults: make(map[string]int)}
	c.accessLog.Each(func(e audit.Entry) bool {
		if e.Actor != userID || e.Action == "REVOKE" {
			return true
		}
		out.TotalRequests++
		if e.Allowed {
			out.Granted++
			out.Vaults[e.Subject]++
			if e.Timestamp.After(out.LastAccess) {
				out.LastAccess = e.Timestamp
			}
		} else {
			out.Denied++
		}
		return true
	})
	out.ActiveSessions = len(c.Sessions(userID))
	return out
}

// VaultSummary describes one vault's usage.
type VaultSummary struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Sensitivity    risk.Level `json:"sensitivity"`
	TotalAccesses  int        `json:"total_accesses"`
	DeniedAccesses int        `json:"denied_accesses"`
	ActiveSessions int        `json:"active_sessions"`
	UniqueUsers    int        `json:"unique_users"`
	LastAccess     time.Time  `json:"last_access,omitzero"`
}

// VaultSummary returns counters and live sessions for a vault.
func (c *Controller) VaultSummary(name string) (VaultSummary, error) {
	v, ok := c.lookupVault(name)
	if !ok {
		return VaultSummary{}, fmt.Errorf("%w: %s", ErrVaultNotFound, name)
	}
	now := c.now()
	unlock := c.locks.Lock(name)
	defer unlock()

	users := make(map[string]bool)
	active := 0
	for _, s := range v.sessions {
		if now.Sub(s.LastActivity) <= c.sessionTimeout {
			active++
			users[s.UserID] = true
		}
	}
	return VaultSummary{
		Name:           name,
		Description:    v.Description,
		Sensitivity:    v.sensitivity,
		TotalAccesses:  v.totalAccesses,
		DeniedAccesses: v.deniedAccesses,
		ActiveSessions: active,
		UniqueUsers:    len(users),
		LastAccess:     v.lastAccess,
	}, nil
}

// Vaults lists the configured vault names.
func (c *Controller) Vaults() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.vaults))
	for name := range c.vaults {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
