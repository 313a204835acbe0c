package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/decision"
	"github.com/oktsec/riskgate/internal/gate"
	"github.com/oktsec/riskgate/internal/pipeline"
	"github.com/oktsec/riskgate/internal/rbac"
	"github.com/oktsec/riskgate/internal/threatintel"
)

var t0 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Audit.Driver = "memory"
	cfg.Keys.Dir = t.TempDir()
	cfg.ThreatIntel.WatchFeed = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := gate.New(context.Background(), cfg, logger,
		gate.WithClock(func() time.Time { return t0 }),
		gate.WithTransport(&pipeline.MemoryTransport{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{cfg: cfg, gate: g, logger: logger}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = g.Close()
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, path string, body any, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthAndHeaders(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	resp := get(t, ts, "/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t)
	const id = "3f2c1a9e-8d4b-4c6a-9e2f-1b7d5a0c3e81"
	req, _ := http.NewRequest("GET", ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != id {
		t.Errorf("X-Request-ID = %q, want %q", got, id)
	}
}

func TestMalformedJSONIs400(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/v1/zerotrust/verify",
		"/v1/intrusion/login",
		"/v1/isolation/check",
		"/v1/dlp/analyze",
		"/v1/rbac/check",
		"/v1/pipelines/financial_transactions/process",
		"/v1/threats/analyze",
	} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{not json"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestDenialIs200(t *testing.T) {
	ts := newTestServer(t)
	var dec decision.Decision
	resp := post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "dev-1", Role: "developer", Vault: "payment_vault", Action: "READ",
		Context: rbacContext(),
	}, &dec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if dec.Allowed {
		t.Error("developer should not read the payment vault")
	}
	if dec.Outcome != decision.OutcomeDeny {
		t.Errorf("outcome = %s", dec.Outcome)
	}
}

func TestZeroTrustVerify(t *testing.T) {
	ts := newTestServer(t)
	var res struct {
		decision.Decision
		RequiresSecondFactor bool `json:"requires_second_factor"`
	}
	post(t, ts, "/v1/zerotrust/verify", map[string]any{
		"user_id": "alice", "device_trusted": true, "timestamp": t0,
	}, &res)
	if !res.Allowed || res.SessionID == "" {
		t.Errorf("expected allowed with session, got %+v", res)
	}

	resp := post(t, ts, "/v1/zerotrust/verify", map[string]any{"device_trusted": true}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", resp.StatusCode)
	}
}

func TestIsolationCheckAndGraph(t *testing.T) {
	ts := newTestServer(t)
	var dec decision.Decision
	post(t, ts, "/v1/isolation/check", map[string]any{
		"source": "checkout", "target": "inventory", "port": 443, "protocol": "https", "encrypted": true,
	}, &dec)
	if !dec.Allowed {
		t.Fatalf("expected allowed: %s", dec.Reason)
	}

	var graph struct {
		Edges []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"edges"`
	}
	get(t, ts, "/v1/isolation/graph", &graph)
	if len(graph.Edges) != 1 || graph.Edges[0].From != "checkout" {
		t.Errorf("edges = %+v", graph.Edges)
	}
}

func TestPipelineProcessAndStats(t *testing.T) {
	ts := newTestServer(t)
	var res pipeline.Result
	post(t, ts, "/v1/pipelines/financial_transactions/process", map[string]any{
		"user_id": "alice",
		"data": map[string]any{
			"transaction_id": "TXN-000777",
			"amount":         99.0,
			"currency":       "EUR",
			"account_number": "87654321",
		},
	}, &res)
	if !res.Success {
		t.Fatalf("process failed: %s", res.Error)
	}
	if res.CorrelationID == "" {
		t.Error("correlation id should default to the request id")
	}

	var st pipeline.Stats
	get(t, ts, "/v1/pipelines/financial_transactions/stats", &st)
	if st.Processed != 1 || st.Successes != 1 {
		t.Errorf("stats = %+v", st)
	}
	if resp := get(t, ts, "/v1/pipelines/nope/stats", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pipeline stats: status = %d", resp.StatusCode)
	}
}

func TestAuditSearch(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "ana", Role: "admin", Vault: "analytics_vault", Action: "READ", Context: rbacContext(),
	}, nil)
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "ana", Role: "read_only", Vault: "payment_vault", Action: "READ", Context: rbacContext(),
	}, nil)

	var entries []map[string]any
	get(t, ts, "/v1/audit?actor=ana&outcome=DENY", &entries)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if resp := get(t, ts, "/v1/audit?limit=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d", resp.StatusCode)
	}
	if resp := get(t, ts, "/v1/audit?since=yesterday", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: status = %d", resp.StatusCode)
	}
}

func TestRBACRevokeAndSummaries(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "bo", Role: "auditor", Vault: "audit_log_vault", Action: "READ", Context: rbacContext(),
	}, nil)

	var us struct {
		Granted        int `json:"granted"`
		ActiveSessions int `json:"active_sessions"`
	}
	get(t, ts, "/v1/rbac/users/bo", &us)
	if us.Granted != 1 || us.ActiveSessions != 1 {
		t.Errorf("user summary = %+v", us)
	}

	var rev RevokeAccessResponse
	post(t, ts, "/v1/rbac/revoke", RevokeAccessRequest{UserID: "bo", Vault: "audit_log_vault"}, &rev)
	if rev.Revoked != 1 {
		t.Errorf("revoked = %d", rev.Revoked)
	}
	if resp := post(t, ts, "/v1/rbac/revoke", RevokeAccessRequest{UserID: "bo", Vault: "missing"}, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown vault revoke: status = %d", resp.StatusCode)
	}
	if resp := get(t, ts, "/v1/rbac/vaults/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown vault summary: status = %d", resp.StatusCode)
	}
}

func TestThreatsAnalyzeAndResolve(t *testing.T) {
	ts := newTestServer(t)
	var an threatintel.Analysis
	post(t, ts, "/v1/threats/analyze", map[string]any{
		"type":      "process",
		"content":   "ryuk ransomware encryption, bitcoin ransom demanded",
		"timestamp": t0,
	}, &an)
	if an.Action != threatintel.ActionImmediateResponse || an.IncidentID == "" {
		t.Fatalf("analysis = %+v", an)
	}

	var open []threatintel.Incident
	get(t, ts, "/v1/threats/incidents?open=true", &open)
	if len(open) != 1 {
		t.Fatalf("open incidents = %d", len(open))
	}

	path := "/v1/threats/incidents/" + an.IncidentID + "/resolve"
	if resp := post(t, ts, path, ResolveIncidentRequest{Resolution: "contained"}, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("resolve: status = %d", resp.StatusCode)
	}
	if resp := post(t, ts, path, ResolveIncidentRequest{Resolution: "again"}, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second resolve: status = %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/v1/threats/incidents/nope/resolve", ResolveIncidentRequest{}, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown incident: status = %d", resp.StatusCode)
	}

	var sum threatintel.Summary
	get(t, ts, "/v1/threats/summary", &sum)
	if sum.Incidents != 1 || sum.OpenIncidents != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/v1/dlp/analyze", map[string]any{
		"user_id": "zed", "destination": "reports.internal", "content": "status", "timestamp": t0,
	}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `riskgate_decisions_total{component="dlp"`) {
		t.Errorf("metrics missing dlp decisions:\n%s", body)
	}
}

func TestAuditStream(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/audit/stream?component=rbac", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	// The subscription is registered before headers are flushed.
	post(t, ts, "/v1/isolation/check", map[string]any{"source": "checkout", "target": "inventory"}, nil)
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "sse", Role: "admin", Vault: "public_docs_vault", Action: "READ", Context: rbacContext(),
	}, nil)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatal(err)
		}
		if e["component"] != "rbac" || e["actor"] != "sse" {
			t.Errorf("unexpected entry %v", e)
		}
		return
	}
	t.Fatal("stream closed without an entry")
}

func rbacContext() rbac.AccessContext {
	return rbac.AccessContext{Timestamp: t0, Encrypted: true}
}

func del(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestIsolationCloseConnection(t *testing.T) {
	ts := newTestServer(t)
	var dec decision.Decision
	post(t, ts, "/v1/isolation/check", map[string]any{
		"source": "checkout", "target": "inventory", "port": 443, "protocol": "https",
		"encrypted": true, "connection_id": "c-1",
	}, &dec)
	if !dec.Allowed {
		t.Fatalf("expected allowed: %s", dec.Reason)
	}

	var out CloseConnectionResponse
	req := CloseConnectionRequest{Source: "checkout", Target: "inventory", ConnectionID: "c-1"}
	post(t, ts, "/v1/isolation/connections/close", req, &out)
	if !out.Closed {
		t.Error("open connection was not closed")
	}
	post(t, ts, "/v1/isolation/connections/close", req, &out)
	if out.Closed {
		t.Error("closing twice should report false")
	}
	if resp := post(t, ts, "/v1/isolation/connections/close", CloseConnectionRequest{Source: "checkout"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete request: status = %d", resp.StatusCode)
	}
}

func TestZeroTrustSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	var res struct {
		decision.Decision
	}
	post(t, ts, "/v1/zerotrust/verify", map[string]any{
		"user_id": "alice", "device_trusted": true, "timestamp": t0,
	}, &res)
	if res.SessionID == "" {
		t.Fatalf("no session issued: %+v", res)
	}
	path := "/v1/zerotrust/sessions/" + res.SessionID

	var s struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	if resp := post(t, ts, path+"/touch", nil, &s); resp.StatusCode != http.StatusOK {
		t.Fatalf("touch: status = %d", resp.StatusCode)
	}
	if s.ID != res.SessionID || s.UserID != "alice" {
		t.Errorf("session = %+v", s)
	}

	if resp := del(t, ts, path); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
	if resp := del(t, ts, path); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d", resp.StatusCode)
	}
	if resp := post(t, ts, path+"/touch", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("touch after delete: status = %d", resp.StatusCode)
	}
}

func TestRBACSessionsAndRoles(t *testing.T) {
	ts := newTestServer(t)
	var dec decision.Decision
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "bo", Role: "auditor", Vault: "audit_log_vault", Action: "READ", Context: rbacContext(),
	}, &dec)
	if !dec.Allowed || dec.SessionID == "" {
		t.Fatalf("expected a vault session: %+v", dec)
	}
	path := "/v1/rbac/sessions/" + dec.SessionID
	if resp := post(t, ts, path+"/touch", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("touch: status = %d", resp.StatusCode)
	}
	if resp := del(t, ts, path); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
	if resp := del(t, ts, path); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d", resp.StatusCode)
	}

	if resp := post(t, ts, "/v1/rbac/roles/auditor/active", SetRoleActiveRequest{Active: false}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate: status = %d", resp.StatusCode)
	}
	post(t, ts, "/v1/rbac/check", CheckAccessRequest{
		UserID: "bo", Role: "auditor", Vault: "audit_log_vault", Action: "READ", Context: rbacContext(),
	}, &dec)
	if dec.Allowed {
		t.Error("inactive role should be denied")
	}
	if resp := post(t, ts, "/v1/rbac/roles/ghost/active", SetRoleActiveRequest{Active: true}, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown role: status = %d", resp.StatusCode)
	}
}

func TestPipelineVerifyDecryptAndAudit(t *testing.T) {
	ts := newTestServer(t)
	var res pipeline.Result
	post(t, ts, "/v1/pipelines/financial_transactions/process", map[string]any{
		"user_id": "alice",
		"data": map[string]any{
			"transaction_id": "TXN-000778",
			"amount":         12.5,
			"currency":       "EUR",
			"account_number": "87654321",
		},
	}, &res)
	if !res.Success || res.IntegrityTag == "" {
		t.Fatalf("process failed: %s", res.Error)
	}
	if res.Payload["account_number"] == "87654321" {
		t.Fatal("account_number should be encrypted")
	}

	var v VerifyIntegrityResponse
	post(t, ts, "/v1/pipelines/financial_transactions/verify", VerifyIntegrityRequest{Tag: res.IntegrityTag, Payload: res.Payload}, &v)
	if !v.Valid {
		t.Errorf("untouched payload rejected: %s", v.Error)
	}
	tampered := map[string]any{}
	for k, val := range res.Payload {
		tampered[k] = val
	}
	tampered["amount"] = 9999.0
	post(t, ts, "/v1/pipelines/financial_transactions/verify", VerifyIntegrityRequest{Tag: res.IntegrityTag, Payload: tampered}, &v)
	if v.Valid {
		t.Error("tampered payload accepted")
	}
	if resp := post(t, ts, "/v1/pipelines/customer_records/verify", VerifyIntegrityRequest{Tag: res.IntegrityTag, Payload: res.Payload}, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("tag from another pipeline: status = %d", resp.StatusCode)
	}

	var plain map[string]any
	post(t, ts, "/v1/pipelines/financial_transactions/decrypt", DecryptRequest{Payload: res.Payload}, &plain)
	if plain["account_number"] != "87654321" {
		t.Errorf("decrypted = %v", plain)
	}
	if resp := post(t, ts, "/v1/pipelines/nope/decrypt", DecryptRequest{}, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pipeline decrypt: status = %d", resp.StatusCode)
	}

	var entries []struct {
		Component string `json:"component"`
		Actor     string `json:"actor"`
		Subject   string `json:"subject"`
	}
	get(t, ts, "/v1/pipelines/financial_transactions/audit?user_id=alice", &entries)
	if len(entries) != 1 || entries[0].Subject != "financial_transactions" || entries[0].Actor != "alice" {
		t.Errorf("entries = %+v", entries)
	}
	if resp := get(t, ts, "/v1/pipelines/financial_transactions/audit?limit=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", resp.StatusCode)
	}
	if resp := get(t, ts, "/v1/pipelines/nope/audit", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pipeline audit: status = %d", resp.StatusCode)
	}

	var all []pipeline.Stats
	get(t, ts, "/v1/pipelines", &all)
	if len(all) < 2 {
		t.Fatalf("stats = %+v", all)
	}
	for _, st := range all {
		if st.Name == "financial_transactions" && st.Processed != 1 {
			t.Errorf("financial_transactions processed = %d", st.Processed)
		}
	}
}

func TestBaselineProfiles(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/v1/intrusion/login", map[string]any{
		"user_id": "carol", "location": "Berlin", "device_id": "d1", "timestamp": t0,
	}, nil)
	post(t, ts, "/v1/dlp/analyze", map[string]any{
		"user_id": "carol", "destination": "reports.corp.internal", "content": "weekly notes", "timestamp": t0,
	}, nil)

	var lp struct {
		Logins    int      `json:"logins"`
		Locations []string `json:"locations"`
	}
	if resp := get(t, ts, "/v1/intrusion/profiles/carol", &lp); resp.StatusCode != http.StatusOK {
		t.Fatalf("login profile: status = %d", resp.StatusCode)
	}
	if lp.Logins != 1 || len(lp.Locations) != 1 || lp.Locations[0] != "Berlin" {
		t.Errorf("login profile = %+v", lp)
	}

	var tp struct {
		Transmissions int `json:"transmissions"`
	}
	if resp := get(t, ts, "/v1/dlp/profiles/carol", &tp); resp.StatusCode != http.StatusOK {
		t.Fatalf("transmission profile: status = %d", resp.StatusCode)
	}
	if tp.Transmissions != 1 {
		t.Errorf("transmission profile = %+v", tp)
	}

	if resp := get(t, ts, "/v1/intrusion/profiles/nobody", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown login profile: status = %d", resp.StatusCode)
	}
	if resp := get(t, ts, "/v1/dlp/profiles/nobody", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown transmission profile: status = %d", resp.StatusCode)
	}
}
