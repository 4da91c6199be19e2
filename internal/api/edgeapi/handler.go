// Package edgeapi implements the Decision API (spec §6): the JSON
// interface the gateway calls on every inbound request, mounted by
// cmd/edged. Grounded on wisbric-nightowl/pkg/apikey/handler.go's
// Handler-struct-plus-Routes() shape.
package edgeapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/cdndefense/internal/audit"
	"github.com/wisbric/cdndefense/internal/configstore"
	"github.com/wisbric/cdndefense/internal/decision"
	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/fingerprint"
	"github.com/wisbric/cdndefense/internal/httpserver"
	"github.com/wisbric/cdndefense/internal/policy"
)

// Handler serves the Decision API.
type Handler struct {
	logger     *slog.Logger
	engine     *decision.Engine
	configs    *configstore.Store
	auditLog   *audit.Log
	challenges *fingerprint.ChallengeStore
	trust      *fingerprint.TrustStore
}

// NewHandler creates a Decision API Handler. configs is held so the
// edge node can serve GET/POST /config directly (spec §6 lists both
// under the Decision API); the authoritative route/cert/plugin
// management stays on the Config API mounted by cmd/configd (see
// DESIGN.md).
func NewHandler(logger *slog.Logger, engine *decision.Engine, configs *configstore.Store, auditLog *audit.Log, challenges *fingerprint.ChallengeStore, trust *fingerprint.TrustStore) *Handler {
	return &Handler{
		logger:     logger,
		engine:     engine,
		configs:    configs,
		auditLog:   auditLog,
		challenges: challenges,
		trust:      trust,
	}
}

// Routes returns a chi.Router with every Decision API endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/analyze", h.handleAnalyze)

	r.Get("/config", h.handleGetConfig)
	r.Post("/config", h.handleSetConfig)

	r.Get("/blacklist", h.handleListBlacklist)
	r.Post("/blacklist", h.handleAddBlacklist)
	r.Delete("/blacklist", h.handleRemoveBlacklist)

	r.Get("/whitelist", h.handleListWhitelist)
	r.Post("/whitelist", h.handleAddWhitelist)
	r.Delete("/whitelist", h.handleRemoveWhitelist)

	r.Get("/statistics", h.handleStatistics)
	r.Get("/logs", h.handleLogs)

	r.Post("/challenge", h.handleIssueChallenge)
	r.Post("/challenge/{id}/redeem", h.handleRedeemChallenge)

	r.Get("/devices/{user_id}", h.handleListDevices)
	r.Post("/devices/{user_id}/check", h.handleCheckTrustedDevice)
	r.Delete("/devices/{user_id}/{fp_hash}", h.handleRevokeDevice)

	r.Get("/health", h.handleHealth)

	return r
}

func tenantFromRequest(r *http.Request) (string, bool) {
	tenant := r.Header.Get("X-Tenant-ID")
	return tenant, tenant != ""
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant, ok := tenantFromRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, string(defenseerr.InvalidTenant), "X-Tenant-ID header is required")
		return "", false
	}
	return tenant, true
}

func writeErr(w http.ResponseWriter, err error) {
	kind := defenseerr.KindOf(err)
	httpserver.RespondError(w, defenseerr.HTTPStatus(kind), string(kind), err.Error())
}

// analyzeRequest is the wire shape of POST /analyze's body (spec §6:
// "body { request: RequestProfile-without-scores }").
type analyzeRequest struct {
	Request struct {
		RequestID   string                          `json:"request_id"`
		ClientIP    string                          `json:"client_ip" validate:"required"`
		UserAgent   string                          `json:"user_agent"`
		Path        string                          `json:"path" validate:"required"`
		Method      string                          `json:"method" validate:"required"`
		Headers     map[string]string               `json:"headers"`
		PayloadSize int64                            `json:"payload_size"`
		UserID      string                          `json:"user_id"`
		Fingerprint *fingerprint.BrowserFingerprint `json:"fingerprint,omitempty"`
	} `json:"request"`
}

type analyzeResponse struct {
	RequestID          string  `json:"request_id"`
	Allow              bool    `json:"allow"`
	Action             string  `json:"action"`
	ThreatLevel        string  `json:"threat_level"`
	ThreatScore        float64 `json:"threat_score"`
	Reason             string  `json:"reason"`
	RequireJSChallenge bool    `json:"require_js_challenge"`
	BlockDuration      int     `json:"block_duration"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req analyzeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	requestID := req.Request.RequestID
	if requestID == "" {
		requestID = httpserver.RequestIDFromContext(r.Context())
	}
	userID := req.Request.UserID
	if userID == "" {
		userID = "anonymous"
	}

	profile := &decision.RequestProfile{
		RequestID:   requestID,
		Timestamp:   time.Now(),
		ClientIP:    req.Request.ClientIP,
		UserAgent:   req.Request.UserAgent,
		Path:        req.Request.Path,
		Method:      req.Request.Method,
		Headers:     req.Request.Headers,
		PayloadSize: req.Request.PayloadSize,
		UserID:      userID,
		TenantID:    tenant,
		Fingerprint: req.Request.Fingerprint,
	}

	result, err := h.engine.Analyze(r.Context(), profile)
	if err != nil {
		h.logger.Error("analyze failed", "error", err, "tenant", tenant)
		writeErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, analyzeResponse{
		RequestID:          profile.RequestID,
		Allow:              result.Allow(),
		Action:             string(result.Action),
		ThreatLevel:        string(result.ThreatLevel),
		ThreatScore:        result.ThreatScore,
		Reason:             result.Reason,
		RequireJSChallenge: result.RequireJSChallenge,
		BlockDuration:      result.BlockDurationSeconds,
	})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, err := h.configs.GetTenantPolicy(r.Context(), tenant)
	if err != nil {
		if defenseerr.KindOf(err) == defenseerr.PolicyNotFound {
			httpserver.Respond(w, http.StatusOK, map[string]any{"config": policy.DefaultTenantPolicy()})
			return
		}
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"config": p})
}

type setConfigRequest struct {
	Config policy.TenantPolicy `json:"config"`
}

func (h *Handler) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req setConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.configs.SetTenantPolicy(r.Context(), tenant, req.Config); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"config": req.Config})
}

type ipListRequest struct {
	IP       string `json:"ip" validate:"required"`
	Duration int    `json:"duration"`
}

func (h *Handler) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req ipListRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.engine.AddToBlacklist(r.Context(), tenant, req.IP, time.Duration(req.Duration)*time.Second); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ip": req.IP, "blacklisted": true})
}

func (h *Handler) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		httpserver.RespondError(w, http.StatusBadRequest, string(defenseerr.InvalidPayload), "ip query parameter is required")
		return
	}
	if err := h.engine.RemoveFromBlacklist(r.Context(), tenant, ip); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ip": ip, "blacklisted": false})
}

func (h *Handler) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	ips, err := h.engine.ListBlacklist(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ips": ips})
}

func (h *Handler) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req ipListRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.engine.AddToWhitelist(r.Context(), tenant, req.IP, time.Duration(req.Duration)*time.Second); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ip": req.IP, "whitelisted": true})
}

func (h *Handler) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		httpserver.RespondError(w, http.StatusBadRequest, string(defenseerr.InvalidPayload), "ip query parameter is required")
		return
	}
	if err := h.engine.RemoveFromWhitelist(r.Context(), tenant, ip); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ip": ip, "whitelisted": false})
}

func (h *Handler) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	ips, err := h.engine.ListWhitelist(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ips": ips})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	stats, err := h.auditLog.Statistics(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	limit, err := httpserver.ParseLimit(r, 100, audit.RingCap)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, string(defenseerr.InvalidPayload), err.Error())
		return
	}
	entries, err := h.auditLog.Tail(r.Context(), tenant, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

type issueChallengeRequest struct {
	ClientIP string `json:"client_ip" validate:"required"`
	UserID   string `json:"user_id"`
}

func (h *Handler) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req issueChallengeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ch, err := h.challenges.Issue(r.Context(), req.ClientIP, req.UserID, tenant, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, ch)
}

type redeemChallengeRequest struct {
	Fingerprint fingerprint.BrowserFingerprint `json:"fingerprint"`
	AutoTrust   bool                            `json:"auto_trust"`
}

func (h *Handler) handleRedeemChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req redeemChallengeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.challenges.Redeem(r.Context(), id, req.Fingerprint, time.Now(), req.AutoTrust)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type checkTrustedDeviceRequest struct {
	Fingerprint fingerprint.BrowserFingerprint `json:"fingerprint"`
}

// handleCheckTrustedDevice answers the round-trip the trust store exists
// for (spec §8: "trust_device(fp) → is_trusted_device(fp) == true until
// TTL expiry"), letting a caller probe trust status for a fingerprint
// directly rather than only listing every device on file.
func (h *Handler) handleCheckTrustedDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req checkTrustedDeviceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	trusted, err := h.trust.IsTrusted(r.Context(), userID, req.Fingerprint)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"trusted": trusted})
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	devices, err := h.trust.GetTrustedDevices(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	fpHash := chi.URLParam(r, "fp_hash")
	if err := h.trust.RevokeDevice(r.Context(), userID, fpHash); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "hot kv not reachable")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
