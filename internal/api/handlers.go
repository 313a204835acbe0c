package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oktsec/riskgate/internal/audit"
	"github.com/oktsec/riskgate/internal/dlp"
	"github.com/oktsec/riskgate/internal/gate"
	"github.com/oktsec/riskgate/internal/intrusion"
	"github.com/oktsec/riskgate/internal/isolation"
	"github.com/oktsec/riskgate/internal/pipeline"
	"github.com/oktsec/riskgate/internal/rbac"
	"github.com/oktsec/riskgate/internal/threatintel"
	"github.com/oktsec/riskgate/internal/zerotrust"
)

const maxBodyBytes = 10 << 20

// CheckCommunicationRequest is the body of POST /v1/isolation/check.
type CheckCommunicationRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	isolation.CommunicationDetails
}

// CheckAccessRequest is the body of POST /v1/rbac/check.
type CheckAccessRequest struct {
	UserID  string             `json:"user_id"`
	Role    string             `json:"role"`
	Vault   string             `json:"vault"`
	Action  string             `json:"action"`
	Context rbac.AccessContext `json:"context"`
}

// RevokeAccessRequest is the body of POST /v1/rbac/revoke.
type RevokeAccessRequest struct {
	UserID string `json:"user_id"`
	Vault  string `json:"vault"`
}

// RevokeAccessResponse reports how many sessions were ended.
type RevokeAccessResponse struct {
	Revoked int `json:"revoked"`
}

// ProcessRequest is the body of POST /v1/pipelines/{name}/process.
type ProcessRequest struct {
	Data map[string]any `json:"data"`
	pipeline.Context
}

// CloseConnectionRequest is the body of POST /v1/isolation/connections/close.
type CloseConnectionRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	ConnectionID string `json:"connection_id"`
}

// CloseConnectionResponse reports whether the connection was open.
type CloseConnectionResponse struct {
	Closed bool `json:"closed"`
}

// SetRoleActiveRequest is the body of POST /v1/rbac/roles/{name}/active.
type SetRoleActiveRequest struct {
	Active bool `json:"active"`
}

// VerifyIntegrityRequest is the body of POST /v1/pipelines/{name}/verify.
type VerifyIntegrityRequest struct {
	Tag     string         `json:"tag"`
	Payload map[string]any `json:"payload"`
}

// VerifyIntegrityResponse reports the outcome of an integrity check.
type VerifyIntegrityResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// DecryptRequest is the body of POST /v1/pipelines/{name}/decrypt.
type DecryptRequest struct {
	Payload map[string]any `json:"payload"`
}

// ResolveIncidentRequest is the body of POST /v1/threats/incidents/{id}/resolve.
type ResolveIncidentRequest struct {
	Resolution string `json:"resolution"`
}

type handlers struct {
	gate   *gate.Gate
	logger *slog.Logger
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/zerotrust/verify", h.verifyAccess)
	mux.HandleFunc("POST /v1/intrusion/login", h.analyzeLogin)
	mux.HandleFunc("POST /v1/intrusion/access", h.analyzeAccess)
	mux.HandleFunc("POST /v1/isolation/check", h.checkCommunication)
	mux.HandleFunc("GET /v1/isolation/graph", h.graph)
	mux.HandleFunc("POST /v1/isolation/connections/close", h.closeConnection)
	mux.HandleFunc("POST /v1/zerotrust/sessions/{id}/touch", h.touchSession)
	mux.HandleFunc("DELETE /v1/zerotrust/sessions/{id}", h.endSession)
	mux.HandleFunc("GET /v1/intrusion/profiles/{user}", h.loginProfile)
	mux.HandleFunc("GET /v1/dlp/profiles/{user}", h.transmissionProfile)
	mux.HandleFunc("POST /v1/dlp/analyze", h.analyzeTransmission)
	mux.HandleFunc("POST /v1/rbac/check", h.checkAccess)
	mux.HandleFunc("POST /v1/rbac/revoke", h.revokeAccess)
	mux.HandleFunc("GET /v1/rbac/users/{id}", h.userSummary)
	mux.HandleFunc("GET /v1/rbac/vaults/{name}", h.vaultSummary)
	mux.HandleFunc("POST /v1/rbac/sessions/{id}/touch", h.touchVaultSession)
	mux.HandleFunc("DELETE /v1/rbac/sessions/{id}", h.endVaultSession)
	mux.HandleFunc("POST /v1/rbac/roles/{name}/active", h.setRoleActive)
	mux.HandleFunc("GET /v1/pipelines", h.allPipelineStats)
	mux.HandleFunc("POST /v1/pipelines/{name}/process", h.process)
	mux.HandleFunc("GET /v1/pipelines/{name}/stats", h.pipelineStats)
	mux.HandleFunc("POST /v1/pipelines/{name}/verify", h.verifyIntegrity)
	mux.HandleFunc("POST /v1/pipelines/{name}/decrypt", h.decrypt)
	mux.HandleFunc("GET /v1/pipelines/{name}/audit", h.pipelineAudit)
	mux.HandleFunc("GET /v1/audit", h.searchAudit)
	mux.HandleFunc("GET /v1/audit/stream", h.auditStream)
	mux.HandleFunc("POST /v1/threats/analyze", h.analyzeActivity)
	mux.HandleFunc("GET /v1/threats/summary", h.threatSummary)
	mux.HandleFunc("GET /v1/threats/incidents", h.incidents)
	mux.HandleFunc("POST /v1/threats/incidents/{id}/resolve", h.resolveIncident)
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; nothing else to do.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) verifyAccess(w http.ResponseWriter, r *http.Request) {
	var ac zerotrust.AccessContext
	if !decode(w, r, &ac) {
		return
	}
	if ac.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	res, err := h.gate.VerifyAccess(r.Context(), ac)
	if err != nil {
		h.logger.Error("zero trust verification failed", "error", err, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) analyzeLogin(w http.ResponseWriter, r *http.Request) {
	var a intrusion.LoginAttempt
	if !decode(w, r, &a) {
		return
	}
	if a.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.gate.AnalyzeLogin(r.Context(), a))
}

func (h *handlers) analyzeAccess(w http.ResponseWriter, r *http.Request) {
	var a intrusion.AccessAttempt
	if !decode(w, r, &a) {
		return
	}
	if a.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.gate.AnalyzeAccess(r.Context(), a))
}

func (h *handlers) checkCommunication(w http.ResponseWriter, r *http.Request) {
	var req CheckCommunicationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "source and target are required")
		return
	}
	writeJSON(w, http.StatusOK, h.gate.CheckCommunication(r.Context(), req.Source, req.Target, req.CommunicationDetails))
}

func (h *handlers) graph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.Graph())
}

func (h *handlers) closeConnection(w http.ResponseWriter, r *http.Request) {
	var req CloseConnectionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" || req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "source, target and connection_id are required")
		return
	}
	writeJSON(w, http.StatusOK, CloseConnectionResponse{
		Closed: h.gate.CloseConnection(req.Source, req.Target, req.ConnectionID),
	})
}

func (h *handlers) touchSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.gate.TouchSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.EndSession(r.Context(), r.PathValue("id")); err != nil {
		h.sessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, zerotrust.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("session store failed", "error", err, "request_id", RequestID(r.Context()))
	writeError(w, http.StatusServiceUnavailable, "session store unavailable")
}

func (h *handlers) loginProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.gate.LoginProfile(r.PathValue("user"))
	if !ok {
		writeError(w, http.StatusNotFound, "no login baseline for "+r.PathValue("user"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) transmissionProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.gate.TransmissionProfile(r.PathValue("user"))
	if !ok {
		writeError(w, http.StatusNotFound, "no transmission baseline for "+r.PathValue("user"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) analyzeTransmission(w http.ResponseWriter, r *http.Request) {
	var ev dlp.TransmissionEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.gate.AnalyzeTransmission(r.Context(), ev))
}

func (h *handlers) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req CheckAccessRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.gate.CheckAccess(r.Context(), req.UserID, req.Role, req.Vault, req.Action, req.Context))
}

func (h *handlers) revokeAccess(w http.ResponseWriter, r *http.Request) {
	var req RevokeAccessRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.gate.RevokeAccess(r.Context(), req.UserID, req.Vault)
	if errors.Is(err, rbac.ErrVaultNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RevokeAccessResponse{Revoked: n})
}

func (h *handlers) userSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.UserSummary(r.PathValue("id")))
}

func (h *handlers) vaultSummary(w http.ResponseWriter, r *http.Request) {
	vs, err := h.gate.VaultSummary(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (h *handlers) touchVaultSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.gate.TouchVaultSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) endVaultSession(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.EndVaultSession(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setRoleActive(w http.ResponseWriter, r *http.Request) {
	var req SetRoleActiveRequest
	if !decode(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := h.gate.SetRoleActive(name, req.Active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": name, "active": req.Active})
}

func (h *handlers) allPipelineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.AllPipelineStats())
}

func (h *handlers) process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = RequestID(r.Context())
	}
	writeJSON(w, http.StatusOK, h.gate.Process(r.Context(), r.PathValue("name"), req.Data, req.Context))
}

func (h *handlers) pipelineStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.gate.PipelineStats(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// verifyIntegrity answers 200 for both outcomes; a mismatch is a verdict,
// not a request error.
func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	var req VerifyIntegrityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	err := h.gate.VerifyIntegrity(r.PathValue("name"), req.Tag, req.Payload)
	switch {
	case errors.Is(err, pipeline.ErrUnknownTag):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeJSON(w, http.StatusOK, VerifyIntegrityResponse{Valid: false, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, VerifyIntegrityResponse{Valid: true})
	}
}

func (h *handlers) decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.gate.Decrypt(r.PathValue("name"), req.Payload)
	switch {
	case errors.Is(err, pipeline.ErrPipelineNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *handlers) pipelineAudit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.gate.PipelineStats(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	q := r.URL.Query()
	f := pipeline.Filter{
		Pipeline:  name,
		UserID:    q.Get("user_id"),
		RiskLevel: q.Get("risk_level"),
		Limit:     100,
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit"), f.Limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := h.gate.PipelineAudit(f)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) searchAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Component: q.Get("component"),
		Actor:     q.Get("actor"),
		Subject:   q.Get("subject"),
		Outcome:   q.Get("outcome"),
		RiskLevel: q.Get("risk_level"),
		Limit:     100,
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit"), f.Limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := h.gate.SearchAudit(f)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// auditStream pushes entries as server-sent events.
func (h *handlers) auditStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hub := h.gate.Hub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	flusher.Flush()

	component := r.URL.Query().Get("component")
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if component != "" && entry.Component != component {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", audit.EntryJSON(entry))
			flusher.Flush()
		}
	}
}

func (h *handlers) analyzeActivity(w http.ResponseWriter, r *http.Request) {
	var ev threatintel.ActivityEvent
	if !decode(w, r, &ev) {
		return
	}
	writeJSON(w, http.StatusOK, h.gate.AnalyzeActivity(r.Context(), ev))
}

func (h *handlers) threatSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.ThreatSummary())
}

func (h *handlers) incidents(w http.ResponseWriter, r *http.Request) {
	open := r.URL.Query().Get("open") == "true"
	out := h.gate.Incidents(open)
	if out == nil {
		out = []threatintel.Incident{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) resolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	err := h.gate.ResolveIncident(id, req.Resolution)
	switch {
	case errors.Is(err, threatintel.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, threatintel.ErrIncidentResolved):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
	}
}
