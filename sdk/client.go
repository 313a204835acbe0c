// Package sdk provides a Go client for the riskgate HTTP API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8080")
//	d, err := c.CheckAccess(ctx, sdk.AccessCheck{UserID: "u-1", Role: "auditor", Vault: "audit_log_vault", Action: "READ"})
//	if err == nil && !d.Allowed {
//		log.Println("denied:", d.Reason)
//	}
//
// Policy denials are ordinary results with Allowed=false. Errors are
// returned only for transport failures and non-200 responses.
//
// Verifying a pipeline attestation offline:
//
//	pub, _ := sdk.LoadPublicKey("./keys", "attestation")
//	ok := sdk.VerifyAttestation(pub, "financial_transactions", res.IntegrityTag, res.Signature)
package sdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Reason is one contributing factor of a decision.
type Reason struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Decision is returned by the access and communication checks.
type Decision struct {
	ID              string    `json:"id"`
	Component       string    `json:"component"`
	Allowed         bool      `json:"allowed"`
	Outcome         string    `json:"outcome"`
	RiskScore       float64   `json:"risk_score"`
	RiskLevel       string    `json:"risk_level"`
	Reason          string    `json:"reason"`
	Reasons         []Reason  `json:"reasons,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TrustCheck is the body of a zero-trust verification.
type TrustCheck struct {
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Resource        string    `json:"resource,omitempty"`
	DeviceTrusted   bool      `json:"device_trusted"`
	LocationRisk    bool      `json:"location_risk"`
	BehaviorAnomaly bool      `json:"behavior_anomaly"`
	NetworkRisk     bool      `json:"network_risk"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
}

// TrustResult is a Decision plus the second-factor flag.
type TrustResult struct {
	Decision
	RequiresSecondFactor bool `json:"requires_second_factor"`
}

// LoginAttempt is sent to the login anomaly detector.
type LoginAttempt struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Location  string    `json:"location,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
}

// ResourceAccess is sent to the access-pattern detector.
type ResourceAccess struct {
	UserID    string    `json:"user_id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// AnomalyAnalysis is returned by the intrusion detector.
type AnomalyAnalysis struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Kind            string    `json:"kind"`
	AnomalyScore    float64   `json:"anomaly_score"`
	IsAnomalous     bool      `json:"is_anomalous"`
	RiskLevel       string    `json:"risk_level"`
	Reasons         []Reason  `json:"reasons,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Communication is a service-to-service call to evaluate.
type Communication struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Port         int       `json:"port,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Encrypted    bool      `json:"encrypted"`
	Size         int64     `json:"size,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

// Transmission is an outbound transfer for DLP analysis.
type Transmission struct {
	UserID      string    `json:"user_id"`
	Destination string    `json:"destination"`
	Content     string    `json:"content"`
	Size        int64     `json:"size,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// DLPAnalysis is the DLP verdict. Action is ALLOW, REVIEW, QUARANTINE or
// BLOCK.
type DLPAnalysis struct {
	ID              string   `json:"id"`
	RiskScore       float64  `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	Violations      []Reason `json:"violations"`
	Action          string   `json:"action"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AccessCheck is a vault access request.
type AccessCheck struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Vault     string    `json:"vault"`
	Action    string    `json:"action"`
	Encrypted bool      `json:"-"`
	DataSize  int64     `json:"-"`
	IPAddress string    `json:"-"`
	DeviceID  string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// MarshalJSON nests the request attributes under "context".
func (a AccessCheck) MarshalJSON() ([]byte, error) {
	type ctx struct {
		Encrypted bool      `json:"encrypted"`
		DataSize  int64     `json:"data_size,omitempty"`
		IPAddress string    `json:"ip_address,omitempty"`
		DeviceID  string    `json:"device_id,omitempty"`
		Timestamp time.Time `json:"timestamp,omitzero"`
	}
	return json.Marshal(struct {
		UserID  string `json:"user_id"`
		Role    string `json:"role"`
		Vault   string `json:"vault"`
		Action  string `json:"action"`
		Context ctx    `json:"context"`
	}{a.UserID, a.Role, a.Vault, a.Action, ctx{a.Encrypted, a.DataSize, a.IPAddress, a.DeviceID, a.Timestamp}})
}

// StageResult reports one pipeline stage.
type StageResult struct {
	Name     string   `json:"name"`
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ProcessResult is the outcome of a pipeline run.
type ProcessResult struct {
	ID              string         `json:"id"`
	Pipeline        string         `json:"pipeline"`
	Destination     string         `json:"destination,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	FailedStage     string         `json:"failed_stage,omitempty"`
	Stages          []StageResult  `json:"stages"`
	EncryptedFields []string       `json:"encrypted_fields,omitempty"`
	IntegrityTag    string         `json:"integrity_tag,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	RiskScore       float64        `json:"risk_score"`
	RiskLevel       string         `json:"risk_level"`
	Payload         map[string]any `json:"payload,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
}

// ProcessOptions are the caller attributes of a pipeline run.
type ProcessOptions struct {
	UserID        string
	Approved      bool
	CorrelationID string
}

// ActivityEvent is analyzed against the threat feed.
type ActivityEvent struct {
	ID                  string            `json:"id,omitempty"`
	Type                string            `json:"type"`
	Source              string            `json:"source,omitempty"`
	SourceService       string            `json:"source_service,omitempty"`
	UserID              string            `json:"user_id,omitempty"`
	Content             string            `json:"content,omitempty"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	Timestamp           time.Time         `json:"timestamp,omitzero"`
	PayloadSize         int64             `json:"payload_size,omitempty"`
	RequestCount        int               `json:"request_count,omitempty"`
	ConnectionCount     int               `json:"connection_count,omitempty"`
	ServiceHops         int               `json:"service_hops,omitempty"`
	PrivilegeEscalation bool              `json:"privilege_escalation,omitempty"`
	NetworkScan         bool              `json:"network_scan,omitempty"`
}

// Threat is one matched indicator or heuristic.
type Threat struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Severity   string   `json:"severity"`
	Confidence float64  `json:"confidence"`
	Matched    []string `json:"matched"`
}

// ThreatAnalysis is the verdict for an ActivityEvent.
type ThreatAnalysis struct {
	ID              string   `json:"id"`
	Threats         []Threat `json:"threats"`
	RiskScore       float64  `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	Action          string   `json:"action"`
	Recommendations []string `json:"recommendations,omitempty"`
	IncidentID      string   `json:"incident_id,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// APIError is returned for non-200 responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("riskgate: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client calls a riskgate server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the riskgate server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}

// VerifyAccess runs the zero-trust check.
func (c *Client) VerifyAccess(ctx context.Context, t TrustCheck) (*TrustResult, error) {
	var out TrustResult
	if err := c.do(ctx, http.MethodPost, "/v1/zerotrust/verify", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeLogin scores a login attempt.
func (c *Client) AnalyzeLogin(ctx context.Context, a LoginAttempt) (*AnomalyAnalysis, error) {
	var out AnomalyAnalysis
	if err := c.do(ctx, http.MethodPost, "/v1/intrusion/login", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeAccess scores a resource access.
func (c *Client) AnalyzeAccess(ctx context.Context, a ResourceAccess) (*AnomalyAnalysis, error) {
	var out AnomalyAnalysis
	if err := c.do(ctx, http.MethodPost, "/v1/intrusion/access", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckCommunication evaluates a service-to-service call.
func (c *Client) CheckCommunication(ctx context.Context, m Communication) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/isolation/check", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeTransmission runs DLP on an outbound transfer.
func (c *Client) AnalyzeTransmission(ctx context.Context, t Transmission) (*DLPAnalysis, error) {
	var out DLPAnalysis
	if err := c.do(ctx, http.MethodPost, "/v1/dlp/analyze", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckAccess evaluates a vault request.
func (c *Client) CheckAccess(ctx context.Context, a AccessCheck) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/rbac/check", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeAccess ends the user's sessions on vault and returns how many.
func (c *Client) RevokeAccess(ctx context.Context, userID, vault string) (int, error) {
	var out struct {
		Revoked int `json:"revoked"`
	}
	in := map[string]string{"user_id": userID, "vault": vault}
	if err := c.do(ctx, http.MethodPost, "/v1/rbac/revoke", in, &out); err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

// Process runs data through the named pipeline.
func (c *Client) Process(ctx context.Context, pipeline string, data map[string]any, opts ProcessOptions) (*ProcessResult, error) {
	in := map[string]any{
		"data":           data,
		"user_id":        opts.UserID,
		"approved":       opts.Approved,
		"correlation_id": opts.CorrelationID,
	}
	var out ProcessResult
	if err := c.do(ctx, http.MethodPost, "/v1/pipelines/"+url.PathEscape(pipeline)+"/process", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeActivity matches an event against the threat feed.
func (c *Client) AnalyzeActivity(ctx context.Context, ev ActivityEvent) (*ThreatAnalysis, error) {
	var out ThreatAnalysis
	if err := c.do(ctx, http.MethodPost, "/v1/threats/analyze", ev, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveIncident closes an open incident.
func (c *Client) ResolveIncident(ctx context.Context, id, resolution string) error {
	in := map[string]string{"resolution": resolution}
	return c.do(ctx, http.MethodPost, "/v1/threats/incidents/"+url.PathEscape(id)+"/resolve", in, nil)
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &out, nil
}

// LoadPublicKey reads <dir>/<name>.pub, the PEM public key the server writes
// next to its attestation key.
func LoadPublicKey(dir, name string) (ed25519.PublicKey, error) {
	path := filepath.Join(dir, name+".pub")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// VerifyAttestation checks a pipeline result's signature over
// "<pipeline>:<integrity tag>".
func VerifyAttestation(pub ed25519.PublicKey, pipeline, tag, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(pipeline+":"+tag), sig)
}
