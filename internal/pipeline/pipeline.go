// Package pipeline moves payloads across trust boundaries through a fixed
// sequence of stages: size check, field validation, field encryption,
// integrity tagging, approval, transfer and audit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/keys"
	"github.com/oktsec/riskgate/internal/risk"
)

// Component is the name used in audit entries.
const Component = "pipeline"

// Stage names, in execution order.
const (
	StageSize       = "size_check"
	StageValidation = "validation"
	StageEncryption = "encryption"
	StageIntegrity  = "integrity"
	StageApproval   = "approval"
	StageTransfer   = "transfer"
	StageAudit      = "audit"
)

var (
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrUnknownTag        = errors.New("integrity tag not found")
	ErrIntegrityMismatch = errors.New("integrity verification failed")
)

// Context is supplied by the caller of Process.
type Context struct {
	UserID        string `json:"user_id"`
	Approved      bool   `json:"approved"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StageResult reports one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one Process call.
type Result struct {
	ID              string         `json:"id"`
	Pipeline        string         `json:"pipeline"`
	Destination     string         `json:"destination,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	FailedStage     string         `json:"failed_stage,omitempty"`
	Stages          []StageResult  `json:"stages"`
	EncryptedFields []string       `json:"encrypted_fields,omitempty"`
	IntegrityTag    string         `json:"integrity_tag,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	RiskScore       float64        `json:"risk_score"`
	RiskLevel       risk.Level     `json:"risk_level"`
	Payload         map[string]any `json:"payload,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Stage returns the named stage result, if the stage ran.
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

func (r *Result) fail(stage StageResult) {
	stage.Success = false
	r.Stages = append(r.Stages, stage)
	r.FailedStage = stage.Name
	r.Error = stage.Message
	if r.Error == "" && len(stage.Errors) > 0 {
		r.Error = strings.Join(stage.Errors, "; ")
	}
}

func (r *Result) pass(stage StageResult) {
	stage.Success = true
	r.Stages = append(r.Stages, stage)
}

// Stats are running totals for one pipeline.
type Stats struct {
	Name          string    `json:"name"`
	Source        string    `json:"source"`
	Destination   string    `json:"destination"`
	Processed     int       `json:"processed"`
	Errors        int       `json:"errors"`
	Successes     int       `json:"successes"`
	SuccessRate   float64   `json:"success_rate"`
	LastProcessed time.Time `json:"last_processed,omitzero"`
}

// Filter selects pipeline audit entries. Zero fields match everything.
type Filter struct {
	Pipeline  string
	UserID    string
	RiskLevel string // minimum, inclusive
	Since     time.Time
	Until     time.Time
	Limit     int
}

type pipeline struct {
	name      string
	cfg       config.Pipeline
	validator *validator

	mu        sync.Mutex
	processed int
	errors    int
	successes int
	last      time.Time
}

// Processor runs configured pipelines. It is safe for concurrent use;
// pipeline definitions are fixed at construction.
type Processor struct {
	logger    *slog.Logger
	now       func() time.Time
	keys      *keys.Keyring
	transport Transport
	timeout   time.Duration
	keywords  []string
	trail     *audit.Trail
	sink      audit.Sink
	integrity *integrityStore
	pipelines map[string]*pipeline
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithTransport replaces the transport selected by configuration.
func WithTransport(t Transport) Option {
	return func(p *Processor) { p.transport = t }
}

// New builds a processor for every pipeline in cfg. kr encrypts sensitive
// fields and signs integrity tags.
func New(cfg *config.Config, kr *keys.Keyring, sink audit.Sink, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if kr == nil {
		return nil, errors.New("pipeline processor requires a keyring")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	p := &Processor{
		logger:    logger,
		now:       time.Now,
		keys:      kr,
		timeout:   cfg.PipelineOptions.TransferTimeout,
		trail:     audit.NewTrail(cfg.Audit.PipelineTrailSize),
		sink:      sink,
		integrity: newIntegrityStore(),
		pipelines: make(map[string]*pipeline, len(cfg.Pipelines)),
	}
	for _, kw := range cfg.PipelineOptions.SensitiveKeywords {
		p.keywords = append(p.keywords, strings.ToLower(kw))
	}
	for _, o := range opts {
		o(p)
	}
	if p.transport == nil {
		t, err := NewTransport(cfg.PipelineOptions, logger)
		if err != nil {
			return nil, err
		}
		p.transport = t
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}

	validators := make(map[string]*validator, len(cfg.Validators))
	for name, v := range cfg.Validators {
		cv, err := compileValidator(name, v)
		if err != nil {
			return nil, err
		}
		validators[name] = cv
	}
	for name, pc := range cfg.Pipelines {
		v, ok := validators[pc.Validator]
		if !ok {
			return nil, fmt.Errorf("pipeline %s: unknown validator %q", name, pc.Validator)
		}
		p.pipelines[name] = &pipeline{name: name, cfg: pc, validator: v}
	}
	return p, nil
}

// Process runs data through the named pipeline. Failures are reported in
// the result, never as an error; every call leaves one audit entry.
func (p *Processor) Process(ctx context.Context, name string, data map[string]any, pc Context) *Result {
	res := &Result{
		ID:            decision.NewID(),
		Pipeline:      name,
		UserID:        pc.UserID,
		CorrelationID: pc.CorrelationID,
		Timestamp:     p.now(),
	}
	pl, ok := p.pipelines[name]
	if !ok {
		res.Error = fmt.Sprintf("%v: %s", ErrPipelineNotFound, name)
		res.RiskScore = failureWeight
		res.RiskLevel = risk.Bucket(res.RiskScore)
		p.record(res, nil)
		return res
	}
	res.Destination = pl.cfg.Destination

	body, oversize := p.run(ctx, pl, data, pc, res)
	res.Success = res.FailedStage == ""
	res.RiskScore = p.score(body, oversize, !res.Success, countWarnings(res))
	res.RiskLevel = risk.Bucket(res.RiskScore)
	res.pass(StageResult{Name: StageAudit, Message: "recorded"})
	p.record(res, pl)

	pl.mu.Lock()
	pl.processed++
	if res.Success {
		pl.successes++
	} else {
		pl.errors++
	}
	pl.last = res.Timestamp
	pl.mu.Unlock()

	if !res.Success {
		p.logger.Warn("pipeline failed",
			"pipeline", name,
			"stage", res.FailedStage,
			"error", res.Error,
			"risk_level", res.RiskLevel,
		)
	}
	return res
}

// run executes the stages up to the first failure. It returns the encoded
// input and whether it exceeded the size limit, both used for scoring.
func (p *Processor) run(ctx context.Context, pl *pipeline, data map[string]any, pc Context, res *Result) ([]byte, bool) {
	start := p.now()
	body, err := canonicalJSON(data)
	if err != nil {
		res.fail(StageResult{Name: StageSize, Message: fmt.Sprintf("payload is not encodable: %v", err)})
		return nil, false
	}
	if limit := pl.cfg.MaxPayloadBytes; limit > 0 && int64(len(body)) > limit {
		res.fail(StageResult{
			Name:     StageSize,
			Message:  fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(body), limit),
			Duration: p.now().Sub(start),
		})
		return body, true
	}
	res.pass(StageResult{Name: StageSize, Message: fmt.Sprintf("%d bytes", len(body)), Duration: p.now().Sub(start)})

	start = p.now()
	errs, warnings := pl.validator.validate(data)
	stage := StageResult{Name: StageValidation, Errors: errs, Warnings: warnings, Duration: p.now().Sub(start)}
	if len(errs) > 0 {
		stage.Message = fmt.Sprintf("%d field errors", len(errs))
		res.fail(stage)
		return body, false
	}
	res.pass(stage)

	start = p.now()
	transformed, fields, err := p.encrypt(pl, data)
	if err != nil {
		res.fail(StageResult{Name: StageEncryption, Message: err.Error(), Duration: p.now().Sub(start)})
		return body, false
	}
	res.EncryptedFields = fields
	res.Payload = transformed
	res.pass(StageResult{Name: StageEncryption, Message: fmt.Sprintf("%d fields encrypted", len(fields)), Duration: p.now().Sub(start)})

	start = p.now()
	sealed, err := canonicalJSON(transformed)
	if err != nil {
		res.fail(StageResult{Name: StageIntegrity, Message: err.Error()})
		return body, false
	}
	res.IntegrityTag = Tag(sealed)
	res.Signature = p.keys.Attestor().Sign(signedMessage(pl.name, res.IntegrityTag))
	p.integrity.put(IntegrityRecord{
		Tag:       res.IntegrityTag,
		Pipeline:  pl.name,
		Signature: res.Signature,
		CreatedAt: res.Timestamp,
	})
	res.pass(StageResult{Name: StageIntegrity, Message: res.IntegrityTag, Duration: p.now().Sub(start)})

	if pl.cfg.RequiresApproval && !pc.Approved {
		res.fail(StageResult{Name: StageApproval, Message: "pipeline requires approval"})
		return body, false
	}
	res.pass(StageResult{Name: StageApproval, Message: approvalMessage(pl.cfg.RequiresApproval)})

	start = p.now()
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.transport.Send(tctx, Transfer{
		ID:           res.ID,
		Pipeline:     pl.name,
		Destination:  pl.cfg.Destination,
		IntegrityTag: res.IntegrityTag,
		Signature:    res.Signature,
		Body:         sealed,
	})
	if err != nil {
		res.fail(StageResult{Name: StageTransfer, Message: fmt.Sprintf("transfer to %s failed: %v", pl.cfg.Destination, err), Duration: p.now().Sub(start)})
		return body, false
	}
	res.pass(StageResult{Name: StageTransfer, Message: "delivered to " + pl.cfg.Destination, Duration: p.now().Sub(start)})
	return body, false
}

func approvalMessage(required bool) string {
	if required {
		return "approved"
	}
	return "not required"
}

// encrypt seals every sensitive field present in data under the
// pipeline's key. The AAD binds each ciphertext to pipeline and field.
func (p *Processor) encrypt(pl *pipeline, data map[string]any) (map[string]any, []string, error) {
	out := maps.Clone(data)
	var fields []string
	for _, field := range pl.validator.sensitive {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		plain, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding field %s: %w", field, err)
		}
		ct, err := p.keys.Seal(pl.cfg.EncryptionKey, plain, fieldAAD(pl.name, field))
		if err != nil {
			return nil, nil, fmt.Errorf("encrypting field %s: %w", field, err)
		}
		out[field] = ct
		fields = append(fields, field)
	}
	return out, fields, nil
}

// Decrypt reverses the field encryption applied by the named pipeline.
// Fields that are not ciphertext are returned unchanged.
func (p *Processor) Decrypt(name string, payload map[string]any) (map[string]any, error) {
	pl, ok := p.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	out := maps.Clone(payload)
	for _, field := range pl.validator.sensitive {
		s, ok := payload[field].(string)
		if !ok || !keys.IsCiphertext(s) {
			continue
		}
		plain, err := p.keys.Open(s, fieldAAD(name, field))
		if err != nil {
			return nil, fmt.Errorf("decrypting field %s: %w", field, err)
		}
		var v any
		if err := json.Unmarshal(plain, &v); err != nil {
			return nil, fmt.Errorf("decoding field %s: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

func fieldAAD(pipeline, field string) []byte {
	return []byte(pipeline + "/" + field)
}

const (
	keywordWeight  = 0.2
	oversizeWeight = 0.2
	failureWeight  = 0.3
	warningWeight  = 0.1
)

func (p *Processor) score(body []byte, oversize, failed bool, warnings int) float64 {
	return risk.WeightedSum(
		risk.Factor{Name: "keyword_density", Weight: keywordWeight, Value: p.keywordDensity(body)},
		risk.Factor{Name: "oversize", Weight: oversizeWeight, Value: boolValue(oversize)},
		risk.Factor{Name: "failure", Weight: failureWeight, Value: boolValue(failed)},
		risk.Factor{Name: "warnings", Weight: warningWeight * float64(warnings), Value: 1},
	)
}

// keywordDensity is the share of configured sensitive keywords that occur
// in the encoded payload.
func (p *Processor) keywordDensity(body []byte) float64 {
	if len(p.keywords) == 0 || len(body) == 0 {
		return 0
	}
	text := strings.ToLower(string(body))
	hits := 0
	for _, kw := range p.keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(p.keywords))
}

func countWarnings(res *Result) int {
	n := 0
	for _, s := range res.Stages {
		n += len(s.Warnings)
	}
	return n
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *Processor) record(res *Result, pl *pipeline) {
	outcome := decision.OutcomeAllow
	reason := "processed"
	if !res.Success {
		outcome = decision.OutcomeDeny
		reason = res.Error
	}
	details := map[string]any{"result_id": res.ID}
	if res.FailedStage != "" {
		details["failed_stage"] = res.FailedStage
	}
	if res.IntegrityTag != "" {
		details["integrity_tag"] = res.IntegrityTag
	}
	if len(res.EncryptedFields) > 0 {
		details["encrypted_fields"] = res.EncryptedFields
	}
	if pl != nil {
		details["destination"] = pl.cfg.Destination
	}
	entry := audit.Entry{
		ID:            decision.NewID(),
		Timestamp:     res.Timestamp,
		Component:     Component,
		Actor:         res.UserID,
		Subject:       res.Pipeline,
		Action:        "process",
		Outcome:       string(outcome),
		Allowed:       res.Success,
		Reason:        reason,
		RiskScore:     res.RiskScore,
		RiskLevel:     string(res.RiskLevel),
		CorrelationID: res.CorrelationID,
		Details:       details,
	}
	p.trail.Log(entry)
	p.sink.Log(entry)
}

// SearchAudit returns pipeline audit entries, newest first.
func (p *Processor) SearchAudit(f Filter) []audit.Entry {
	return p.trail.Search(audit.Filter{
		Component: Component,
		Actor:     f.UserID,
		Subject:   f.Pipeline,
		RiskLevel: f.RiskLevel,
		Since:     f.Since,
		Until:     f.Until,
		Limit:     f.Limit,
	})
}

// Stats returns running totals for the named pipeline.
func (p *Processor) Stats(name string) (Stats, error) {
	pl, ok := p.pipelines[name]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	s := Stats{
		Name:          name,
		Source:        pl.cfg.Source,
		Destination:   pl.cfg.Destination,
		Processed:     pl.processed,
		Errors:        pl.errors,
		Successes:     pl.successes,
		LastProcessed: pl.last,
	}
	if s.Processed > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Processed)
	}
	return s, nil
}

// AllStats returns stats for every pipeline sorted by name.
func (p *Processor) AllStats() []Stats {
	names := p.Names()
	out := make([]Stats, 0, len(names))
	for _, n := range names {
		s, _ := p.Stats(n)
		out = append(out, s)
	}
	return out
}

// Names lists configured pipelines.
func (p *Processor) Names() []string {
	names := make([]string, 0, len(p.pipelines))
	for n := range p.pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IntegrityRecords returns the number of stored integrity records.
func (p *Processor) IntegrityRecords() int { return p.integrity.len() }
