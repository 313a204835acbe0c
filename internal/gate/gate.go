// Package gate wires every decision component into one facade used by the
// HTTP server and the CLI.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/dlp"
	"github.com/oktsec/riskgate/internal/engine"
	"github.com/oktsec/riskgate/internal/intrusion"
	"github.com/oktsec/riskgate/internal/isolation"
	"github.com/oktsec/riskgate/internal/keys"
	"github.com/oktsec/riskgate/internal/notify"
	"github.com/oktsec/riskgate/internal/pipeline"
	"github.com/oktsec/riskgate/internal/rbac"
	"github.com/oktsec/riskgate/internal/risk"
	"github.com/oktsec/riskgate/internal/telemetry"
	"github.com/oktsec/riskgate/internal/threatintel"
	"github.com/oktsec/riskgate/internal/zerotrust"
)

// Gate owns the components and their shared infrastructure.
type Gate struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	keyring   *keys.Keyring
	zeroTrust *zerotrust.Verifier
	intrusion *intrusion.Detector
	isolation *isolation.Isolator
	dlp       *dlp.Analyzer
	rbac      *rbac.Controller
	pipelines *pipeline.Processor
	feed      *threatintel.Feed
	threats   *threatintel.Service

	trail    *audit.Trail
	hub      *audit.Hub
	sink     audit.Sink
	store    *audit.Store
	postgres *audit.PostgresSink
	scanner  *engine.Scanner
	redis    *redis.Client
	notifier *notify.Notifier
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	now         func() time.Time
	transport   pipeline.Transport
	traceWriter io.Writer
	sinks       []audit.Sink
}

// Option configures a Gate.
type Option func(*options)

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTransport replaces the configured pipeline transport.
func WithTransport(t pipeline.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTraceWriter sets where spans are exported when tracing is enabled.
// Defaults to stderr.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// WithSink adds an extra audit sink.
func WithSink(s audit.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// New builds every component from cfg. On error, anything already opened is
// closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (g *Gate, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now, traceWriter: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	g = &Gate{
		cfg:    cfg,
		logger: logger,
		now:    o.now,
		trail:  audit.NewTrail(cfg.Audit.AccessLogSize),
		hub:    audit.NewHub(),
	}
	defer func() {
		if err != nil {
			_ = g.Close()
			g = nil
		}
	}()

	if cfg.Telemetry.Metrics {
		g.metrics = telemetry.NewMetrics()
	}
	if g.tracer, err = telemetry.NewTracer(cfg.Telemetry.Tracing, o.traceWriter); err != nil {
		return g, err
	}

	if err = g.openAudit(ctx, o.sinks); err != nil {
		return g, err
	}

	specs := keys.SpecsFromConfig(cfg.Keys.Items)
	if cfg.Keys.Dir != "" {
		g.keyring, err = keys.OpenDir(cfg.Keys.Dir, specs)
	} else {
		logger.Warn("keys.dir not set, using an ephemeral keyring")
		g.keyring, err = keys.NewEphemeral(specs)
	}
	if err != nil {
		return g, fmt.Errorf("opening keyring: %w", err)
	}
	g.keyring.SetClock(o.now)

	var sessions zerotrust.SessionStore
	if cfg.Redis.URL != "" {
		if g.redis, err = zerotrust.DialRedis(ctx, cfg.Redis); err != nil {
			return g, err
		}
		sessions = zerotrust.NewRedisStore(g.redis, cfg.Redis.KeyPrefix, cfg.ZeroTrust.SessionLifetime)
		logger.Info("zero-trust sessions stored in redis", "prefix", cfg.Redis.KeyPrefix)
	}
	g.zeroTrust = zerotrust.New(cfg.ZeroTrust, sessions, logger, zerotrust.WithClock(o.now))

	g.intrusion = intrusion.New(cfg.Intrusion, logger)

	if g.isolation, err = isolation.New(cfg.Network, logger, isolation.WithClock(o.now)); err != nil {
		return g, fmt.Errorf("network policy: %w", err)
	}

	var dlpOpts []dlp.Option
	if cfg.DLP.ScanContent {
		g.scanner = engine.NewScanner(cfg.DLP.CustomRulesDir)
		dlpOpts = append(dlpOpts, dlp.WithScanner(g.scanner))
	}
	if g.dlp, err = dlp.New(cfg.DLP, logger, dlpOpts...); err != nil {
		return g, fmt.Errorf("dlp: %w", err)
	}

	if g.rbac, err = rbac.New(cfg, g.sink, logger, rbac.WithClock(o.now)); err != nil {
		return g, fmt.Errorf("rbac: %w", err)
	}

	pOpts := []pipeline.Option{pipeline.WithClock(o.now)}
	if o.transport != nil {
		pOpts = append(pOpts, pipeline.WithTransport(o.transport))
	}
	if g.pipelines, err = pipeline.New(cfg, g.keyring, g.sink, logger, pOpts...); err != nil {
		return g, fmt.Errorf("pipelines: %w", err)
	}

	if g.feed, err = threatintel.NewFeed(cfg.ThreatIntel, logger); err != nil {
		return g, err
	}
	g.notifier = notify.New(cfg.Webhooks, logger)
	g.threats = threatintel.New(cfg.ThreatIntel, g.feed, g.sink, logger, threatintel.WithClock(o.now))
	g.OnIncident(g.onIncident)

	logger.Info("riskgate components ready",
		"audit_driver", cfg.Audit.Driver,
		"redis", g.redis != nil,
		"content_scan", g.scanner != nil,
		"pipelines", len(g.pipelines.Names()),
		"vaults", len(g.rbac.Vaults()),
		"indicators", len(g.feed.Indicators()),
	)
	return g, nil
}

func (g *Gate) openAudit(ctx context.Context, extra []audit.Sink) error {
	sinks := []audit.Sink{g.trail}
	switch g.cfg.Audit.Driver {
	case "sqlite":
		store, err := audit.NewStore(g.cfg.Audit.Path, g.logger)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		// The store broadcasts to the hub once an entry is written.
		store.Hub = g.hub
		g.store = store
		sinks = append(sinks, store)
	case "postgres":
		pg, err := audit.NewPostgresSink(ctx, g.cfg.Audit.DSN, g.logger)
		if err != nil {
			return err
		}
		g.postgres = pg
		sinks = append(sinks, pg, g.hub)
	default:
		sinks = append(sinks, g.hub)
	}
	g.sink = audit.Fanout(append(sinks, extra...)...)
	return nil
}

// begin opens a span and returns the function that records the outcome.
func (g *Gate) begin(ctx context.Context, component, op string, attrs ...attribute.KeyValue) func(outcome string, score float64, err error) {
	attrs = append(attrs, attribute.String("riskgate.component", component))
	_, span := g.tracer.Start(ctx, component+"."+op, attrs...)
	start := time.Now()
	return func(outcome string, score float64, err error) {
		g.metrics.ObserveDecision(component, outcome, score, time.Since(start))
		telemetry.EndDecision(span, outcome, score, err)
	}
}

// VerifyAccess runs the zero-trust check.
func (g *Gate) VerifyAccess(ctx context.Context, ac zerotrust.AccessContext) (zerotrust.Result, error) {
	end := g.begin(ctx, zerotrust.Component, "VerifyAccess", attribute.String("riskgate.user", ac.UserID))
	res, err := g.zeroTrust.VerifyAccess(ctx, ac)
	end(string(res.Outcome), res.RiskScore, err)
	if err != nil {
		return res, err
	}
	g.sink.Log(audit.FromDecision(res.Decision, ac.UserID, ac.Resource, "verify"))
	return res, nil
}

// AnalyzeLogin scores a login attempt against the user's history.
func (g *Gate) AnalyzeLogin(ctx context.Context, a intrusion.LoginAttempt) intrusion.Analysis {
	end := g.begin(ctx, intrusion.Component, "AnalyzeLoginAttempt", attribute.String("riskgate.user", a.UserID))
	an := g.intrusion.AnalyzeLoginAttempt(a)
	end(anomalyOutcome(an), an.AnomalyScore, nil)
	g.logAnomaly(an, a.Location)
	return an
}

// AnalyzeAccess scores a resource access against the user's history.
func (g *Gate) AnalyzeAccess(ctx context.Context, a intrusion.AccessAttempt) intrusion.Analysis {
	end := g.begin(ctx, intrusion.Component, "AnalyzeAccessPattern", attribute.String("riskgate.user", a.UserID))
	an := g.intrusion.AnalyzeAccessPattern(a)
	end(anomalyOutcome(an), an.AnomalyScore, nil)
	g.logAnomaly(an, a.Resource)
	return an
}

func anomalyOutcome(an intrusion.Analysis) string {
	if an.IsAnomalous {
		return "ANOMALOUS"
	}
	return "NORMAL"
}

func (g *Gate) logAnomaly(an intrusion.Analysis, subject string) {
	g.sink.Log(audit.Entry{
		ID:            decision.NewID(),
		Timestamp:     an.Timestamp,
		Component:     intrusion.Component,
		Actor:         an.UserID,
		Subject:       subject,
		Action:        an.Kind,
		Outcome:       anomalyOutcome(an),
		Allowed:       !an.IsAnomalous,
		RiskScore:     an.AnomalyScore,
		RiskLevel:     string(an.RiskLevel),
		CorrelationID: an.ID,
	})
}

// CheckCommunication evaluates a service-to-service call.
func (g *Gate) CheckCommunication(ctx context.Context, source, target string, d isolation.CommunicationDetails) decision.Decision {
	end := g.begin(ctx, isolation.Component, "CheckCommunication",
		attribute.String("riskgate.source", source),
		attribute.String("riskgate.target", target),
	)
	dec := g.isolation.CheckCommunication(source, target, d)
	end(string(dec.Outcome), dec.RiskScore, nil)
	g.sink.Log(audit.FromDecision(dec, source, target, "communicate"))
	return dec
}

// AnalyzeTransmission runs DLP on an outbound transfer.
func (g *Gate) AnalyzeTransmission(ctx context.Context, ev dlp.TransmissionEvent) dlp.Analysis {
	end := g.begin(ctx, dlp.Component, "AnalyzeTransmission", attribute.String("riskgate.user", ev.UserID))
	an := g.dlp.AnalyzeTransmission(ctx, ev)
	end(string(an.Action), an.RiskScore, nil)

	e := audit.Entry{
		ID:            decision.NewID(),
		Timestamp:     an.Timestamp,
		Component:     dlp.Component,
		Actor:         an.UserID,
		Subject:       an.Destination,
		Action:        "transmit",
		Outcome:       string(an.Action),
		Allowed:       an.Action == decision.OutcomeAllow,
		RiskScore:     an.RiskScore,
		RiskLevel:     string(an.RiskLevel),
		CorrelationID: an.ID,
	}
	if len(an.Violations) > 0 {
		e.Reason = an.Violations[0].Description
		e.Details = map[string]any{"violations": len(an.Violations)}
	}
	g.sink.Log(e)
	return an
}

// CheckAccess evaluates a vault request. The controller audits it.
func (g *Gate) CheckAccess(ctx context.Context, userID, role, vault, action string, ac rbac.AccessContext) decision.Decision {
	end := g.begin(ctx, rbac.Component, "CheckAccess",
		attribute.String("riskgate.user", userID),
		attribute.String("riskgate.vault", vault),
	)
	dec := g.rbac.CheckAccess(userID, role, vault, action, ac)
	end(string(dec.Outcome), dec.RiskScore, nil)
	return dec
}

// RevokeAccess ends every session userID holds on vault.
func (g *Gate) RevokeAccess(ctx context.Context, userID, vault string) (int, error) {
	end := g.begin(ctx, rbac.Component, "RevokeAccess", attribute.String("riskgate.user", userID))
	n, err := g.rbac.RevokeAccess(userID, vault)
	end("REVOKE", 0, err)
	return n, err
}

// Process runs a payload through a named pipeline.
func (g *Gate) Process(ctx context.Context, name string, data map[string]any, pc pipeline.Context) *pipeline.Result {
	end := g.begin(ctx, pipeline.Component, "Process", attribute.String("riskgate.pipeline", name))
	res := g.pipelines.Process(ctx, name, data, pc)
	outcome := decision.OutcomeAllow
	if !res.Success {
		outcome = decision.OutcomeDeny
		g.metrics.PipelineFailure(name, res.FailedStage)
		g.notifier.Notify(notify.Event{
			Event:     notify.EventPipelineFailure,
			ID:        res.ID,
			Source:    name,
			Target:    res.Destination,
			Severity:  string(res.RiskLevel),
			Summary:   fmt.Sprintf("pipeline %s failed at %s: %s", name, res.FailedStage, res.Error),
			RiskScore: res.RiskScore,
		})
	}
	end(string(outcome), res.RiskScore, nil)
	return res
}

// AnalyzeActivity matches an event against the threat feed.
func (g *Gate) AnalyzeActivity(ctx context.Context, ev threatintel.ActivityEvent) threatintel.Analysis {
	end := g.begin(ctx, threatintel.Component, "Analyze", attribute.String("riskgate.event_type", ev.Type))
	an := g.threats.Analyze(ev)
	end(string(an.Action), an.RiskScore, nil)
	return an
}

// onIncident quarantines the offending service and alerts webhooks.
func (g *Gate) onIncident(inc threatintel.Incident) {
	g.metrics.Incident()
	if inc.SourceService != "" {
		g.isolation.FlagService(inc.SourceService)
		g.logger.Warn("service flagged after incident", "service", inc.SourceService, "incident", inc.ID)
	}
	summary := fmt.Sprintf("%s incident from %s", inc.Action, firstNonEmpty(inc.SourceService, inc.Source, inc.UserID, "unknown source"))
	if len(inc.Threats) > 0 {
		summary += ": " + inc.Threats[0].Name
	}
	g.notifier.Notify(notify.Event{
		Event:     notify.EventIncident,
		ID:        inc.ID,
		Source:    firstNonEmpty(inc.SourceService, inc.Source),
		Target:    inc.UserID,
		Severity:  string(risk.Bucket(inc.RiskScore)),
		Summary:   summary,
		RiskScore: inc.RiskScore,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveIncident closes an incident. A flagged source service is released.
func (g *Gate) ResolveIncident(id, resolution string) error {
	inc, ok := g.threats.Incident(id)
	if !ok {
		return fmt.Errorf("%w: %s", threatintel.ErrIncidentNotFound, id)
	}
	if err := g.threats.ResolveIncident(id, resolution); err != nil {
		return err
	}
	if inc.SourceService != "" && !g.hasOpenIncident(inc.SourceService) {
		g.isolation.UnflagService(inc.SourceService)
	}
	return nil
}

func (g *Gate) hasOpenIncident(service string) bool {
	for _, inc := range g.threats.Incidents(true) {
		if inc.SourceService == service {
			return true
		}
	}
	return false
}

// SearchAudit queries the in-memory trail shared by every component.
func (g *Gate) SearchAudit(f audit.Filter) []audit.Entry { return g.trail.Search(f) }

// Graph returns the service communication graph.
func (g *Gate) Graph() *isolation.ServiceGraph { return g.isolation.Graph() }

// OnIncident registers fn to run for every new threat incident.
func (g *Gate) OnIncident(fn threatintel.IncidentHook) { g.threats.AddIncidentHook(fn) }

// CloseConnection releases a tracked connection so it stops counting
// against the pair's concurrency limit.
func (g *Gate) CloseConnection(source, target, connectionID string) bool {
	closed := g.isolation.CloseConnection(source, target, connectionID)
	if closed {
		g.logger.Debug("connection closed", "source", source, "target", target, "connection_id", connectionID)
	}
	return closed
}

// TouchSession keeps a zero-trust session alive.
func (g *Gate) TouchSession(ctx context.Context, id string) (zerotrust.Session, error) {
	return g.zeroTrust.Touch(ctx, id)
}

// EndSession invalidates a zero-trust session.
func (g *Gate) EndSession(ctx context.Context, id string) error {
	if err := g.zeroTrust.InvalidateSession(ctx, id); err != nil {
		return err
	}
	g.sink.Log(audit.Entry{
		ID:        decision.NewID(),
		Timestamp: g.now(),
		Component: zerotrust.Component,
		Subject:   id,
		Action:    "invalidate",
		Outcome:   "SESSION_ENDED",
		RiskLevel: string(risk.Low),
	})
	return nil
}

// TouchVaultSession refreshes a vault session's idle timer.
func (g *Gate) TouchVaultSession(id string) (rbac.Session, error) { return g.rbac.TouchSession(id) }

// EndVaultSession closes a single vault session.
func (g *Gate) EndVaultSession(id string) error { return g.rbac.InvalidateSession(id) }

// SetRoleActive enables or disables a role. Requests under an inactive role
// are denied.
func (g *Gate) SetRoleActive(name string, active bool) error {
	if err := g.rbac.SetRoleActive(name, active); err != nil {
		return err
	}
	g.sink.Log(audit.Entry{
		ID:        decision.NewID(),
		Timestamp: g.now(),
		Component: rbac.Component,
		Subject:   name,
		Action:    "set_role_active",
		Outcome:   fmt.Sprintf("ACTIVE=%t", active),
		Allowed:   active,
		RiskLevel: string(risk.Low),
	})
	return nil
}

// VerifyIntegrity checks payload against an integrity tag issued by the
// named pipeline.
func (g *Gate) VerifyIntegrity(name, tag string, payload map[string]any) error {
	if rec, ok := g.pipelines.IntegrityRecord(tag); ok && rec.Pipeline != name {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownTag, tag)
	}
	return g.pipelines.VerifyIntegrity(tag, payload)
}

// Decrypt reverses the named pipeline's field encryption.
func (g *Gate) Decrypt(name string, payload map[string]any) (map[string]any, error) {
	return g.pipelines.Decrypt(name, payload)
}

// PipelineAudit returns pipeline audit entries, newest first.
func (g *Gate) PipelineAudit(f pipeline.Filter) []audit.Entry { return g.pipelines.SearchAudit(f) }

// AllPipelineStats returns stats for every configured pipeline.
func (g *Gate) AllPipelineStats() []pipeline.Stats { return g.pipelines.AllStats() }

// LoginProfile returns the intrusion baseline for a user.
func (g *Gate) LoginProfile(userID string) (intrusion.Profile, bool) {
	return g.intrusion.Profile(userID)
}

// TransmissionProfile returns the DLP baseline for a user.
func (g *Gate) TransmissionProfile(userID string) (dlp.Profile, bool) { return g.dlp.Profile(userID) }

// UserSummary returns vault usage for one user.
func (g *Gate) UserSummary(userID string) rbac.UserSummary { return g.rbac.UserSummary(userID) }

// VaultSummary returns usage for one vault.
func (g *Gate) VaultSummary(name string) (rbac.VaultSummary, error) { return g.rbac.VaultSummary(name) }

// PipelineStats returns running totals for one pipeline.
func (g *Gate) PipelineStats(name string) (pipeline.Stats, error) { return g.pipelines.Stats(name) }

// ThreatSummary returns the threat-intelligence overview.
func (g *Gate) ThreatSummary() threatintel.Summary { return g.threats.Summary() }

// Incidents lists incidents, newest first.
func (g *Gate) Incidents(openOnly bool) []threatintel.Incident { return g.threats.Incidents(openOnly) }

// Hub streams audit entries as they are written.
func (g *Gate) Hub() *audit.Hub { return g.hub }

// Store returns the SQLite audit store, or nil for other drivers.
func (g *Gate) Store() *audit.Store { return g.store }

// Metrics returns the metrics registry wrapper, nil when disabled.
func (g *Gate) Metrics() *telemetry.Metrics { return g.metrics }

// Tracer returns the tracer.
func (g *Gate) Tracer() *telemetry.Tracer { return g.tracer }

// Keyring returns the pipeline keyring.
func (g *Gate) Keyring() *keys.Keyring { return g.keyring }

// Status is a point-in-time overview for the CLI.
type Status struct {
	AuditDriver   string   `json:"audit_driver"`
	AuditEntries  int      `json:"audit_entries"`
	Pipelines     []string `json:"pipelines"`
	Vaults        []string `json:"vaults"`
	Indicators    int      `json:"indicators"`
	FeedVersion   int      `json:"feed_version"`
	OpenIncidents int      `json:"open_incidents"`
	Sessions      int      `json:"sessions"`
	Redis         bool     `json:"redis"`
	ContentScan   bool     `json:"content_scan"`
	Webhooks      int      `json:"webhooks"`
}

// Status reports component counts.
func (g *Gate) Status(ctx context.Context) (Status, error) {
	sessions, err := g.zeroTrust.ActiveSessions(ctx)
	if err != nil {
		return Status{}, err
	}
	sum := g.threats.Summary()
	return Status{
		AuditDriver:   g.cfg.Audit.Driver,
		AuditEntries:  g.trail.Len(),
		Pipelines:     g.pipelines.Names(),
		Vaults:        g.rbac.Vaults(),
		Indicators:    sum.Indicators,
		FeedVersion:   sum.FeedVersion,
		OpenIncidents: sum.OpenIncidents,
		Sessions:      len(sessions),
		Redis:         g.redis != nil,
		ContentScan:   g.scanner != nil,
		Webhooks:      g.notifier.Len(),
	}, nil
}

// Start launches background maintenance until ctx is done or Close is
// called.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(3)
	go func() {
		defer g.wg.Done()
		g.zeroTrust.RunCleanup(ctx, g.cfg.ZeroTrust.CleanupInterval)
	}()
	go func() {
		defer g.wg.Done()
		if err := g.feed.Run(ctx); err != nil {
			g.logger.Error("threat feed watcher stopped", "error", err)
		}
	}()
	go func() {
		defer g.wg.Done()
		g.maintain(ctx, g.cfg.ZeroTrust.CleanupInterval)
	}()
}

// maintain purges expired integrity records and rotates due keys.
func (g *Gate) maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.pipelines.PurgeExpired(g.now()); n > 0 {
				g.logger.Debug("integrity records purged", "count", n)
			}
			for _, name := range g.keyring.RotateDue() {
				g.logger.Info("encryption key rotated", "key", name)
			}
		}
	}
}

// Close stops background loops and flushes and closes every sink.
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()

	var errs []error
	if g.notifier != nil {
		g.notifier.Wait()
	}
	if g.scanner != nil {
		g.scanner.Close()
	}
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	if g.postgres != nil {
		errs = append(errs, g.postgres.Close())
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	if g.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, g.tracer.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
