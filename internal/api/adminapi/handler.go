// Package adminapi implements the Config API (spec §6): the privileged
// interface the admin plane calls to manage authoritative tenant
// policy, routes, certificates, and defense-plugin bindings, mounted by
// cmd/configd (spec §4.G, §9: "G is the truth"); cmd/edged also writes
// tenant policy through its own configstore.Store. Grounded on
// wisbric-nightowl/pkg/apikey/handler.go's Handler-struct-plus-Routes()
// shape.
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/cdndefense/internal/configstore"
	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/httpserver"
	"github.com/wisbric/cdndefense/internal/nodesync"
	"github.com/wisbric/cdndefense/internal/policy"
	"github.com/wisbric/cdndefense/internal/policycache"
)

// Handler serves the Config API.
type Handler struct {
	logger *slog.Logger
	store  *configstore.Store
	sync   *nodesync.Synchronizer
	cache  *policycache.Cache
}

// NewHandler creates a Config API Handler. sync is optional: cmd/configd
// may run without a local node synchronizer, in which case /sync-status
// and /monitor/global-sync report "unconfigured". cache is optional too:
// when absent, /global-routes/{id}/effective-policy reports "unconfigured"
// rather than previewing the merged policy.
func NewHandler(logger *slog.Logger, store *configstore.Store, sync *nodesync.Synchronizer, cache *policycache.Cache) *Handler {
	return &Handler{logger: logger, store: store, sync: sync, cache: cache}
}

// Routes returns a chi.Router with every Config API endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/global-config/tenant", h.handleGetTenantConfig)
	r.Post("/global-config/tenant", h.handleSetTenantConfig)
	r.Put("/global-config/tenant", h.handleSetTenantConfig)
	r.Get("/global-config/all", h.handleGetAllConfig)

	r.Get("/global-routes", h.handleListRoutes)
	r.Post("/global-routes", h.handleCreateRoute)
	r.Get("/global-routes/{id}", h.handleGetRoute)
	r.Put("/global-routes/{id}", h.handleUpdateRoute)
	r.Delete("/global-routes/{id}", h.handleDeleteRoute)
	r.Get("/global-routes/{id}/effective-policy", h.handleRouteEffectivePolicy)

	r.Get("/global-ssl", h.handleListSSL)
	r.Post("/global-ssl", h.handleCreateSSL)

	r.Post("/defense-plugin/apply", h.handleApplyDefensePlugin)
	r.Post("/defense-plugin/update-all", h.handleUpdateAllDefensePlugins)

	r.Get("/sync-status", h.handleSyncStatus)
	r.Post("/sync/refresh", h.handleSyncRefresh)
	r.Get("/monitor/global-sync", h.handleMonitorGlobalSync)

	return r
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		httpserver.RespondError(w, http.StatusBadRequest, string(defenseerr.InvalidTenant), "X-Tenant-ID header is required")
		return "", false
	}
	return tenant, true
}

func writeErr(w http.ResponseWriter, err error) {
	kind := defenseerr.KindOf(err)
	httpserver.RespondError(w, defenseerr.HTTPStatus(kind), string(kind), err.Error())
}

func (h *Handler) handleGetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetTenantPolicy(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

type setTenantConfigRequest struct {
	Config policy.TenantPolicy `json:"config"`
}

func (h *Handler) handleSetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req setTenantConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.SetTenantPolicy(r.Context(), tenant, req.Config); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, req.Config)
}

func (h *Handler) handleGetAllConfig(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.GetAllTenantPolicies(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"tenants": all})
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	tenant := r.Header.Get("X-Tenant-ID")
	routes, err := h.store.ListRoutes(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"routes": routes})
}

type createRouteRequest struct {
	TenantID    string   `json:"tenant_id" validate:"required"`
	PathPattern string   `json:"path_pattern" validate:"required"`
	UpstreamURL string   `json:"upstream_url" validate:"required"`
	Methods     []string `json:"methods"`
	StripPath   bool     `json:"strip_path"`
	Enabled     bool     `json:"enabled"`
}

func (h *Handler) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req createRouteRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	route := policy.Route{
		RouteID:     uuid.New().String(),
		TenantID:    req.TenantID,
		PathPattern: req.PathPattern,
		UpstreamURL: req.UpstreamURL,
		Methods:     req.Methods,
		StripPath:   req.StripPath,
		Enabled:     req.Enabled,
		CreatedAt:   time.Now(),
	}
	if err := h.store.SetRoute(r.Context(), route); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, route)
}

func (h *Handler) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, route)
}

type updateRouteRequest struct {
	PathPattern string   `json:"path_pattern"`
	UpstreamURL string   `json:"upstream_url"`
	Methods     []string `json:"methods"`
	StripPath   *bool    `json:"strip_path"`
	Enabled     *bool    `json:"enabled"`
}

func (h *Handler) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRouteRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	route, err := h.store.UpdateRoute(r.Context(), id, func(r *policy.Route) {
		if req.PathPattern != "" {
			r.PathPattern = req.PathPattern
		}
		if req.UpstreamURL != "" {
			r.UpstreamURL = req.UpstreamURL
		}
		if req.Methods != nil {
			r.Methods = req.Methods
		}
		if req.StripPath != nil {
			r.StripPath = *req.StripPath
		}
		if req.Enabled != nil {
			r.Enabled = *req.Enabled
		}
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, route)
}

func (h *Handler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteRoute(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleRouteEffectivePolicy previews the policy a route's plugin
// overrides would produce merged with its tenant's base policy (spec
// §4.E: route overrides "shadow TenantPolicy for requests matching the
// route"), so an operator can inspect the result of EnableDefensePlugin
// before traffic ever exercises it.
func (h *Handler) handleRouteEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "unconfigured"})
		return
	}
	id := chi.URLParam(r, "id")
	eff, route, err := h.cache.RoutePolicy(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"route_id": route.RouteID, "effective_policy": eff})
}

func (h *Handler) handleListSSL(w http.ResponseWriter, r *http.Request) {
	tenant := r.Header.Get("X-Tenant-ID")
	certs, err := h.store.ListSSLCerts(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"certificates": certs})
}

type createSSLRequest struct {
	TenantID  string    `json:"tenant_id" validate:"required"`
	Domain    string    `json:"domain" validate:"required"`
	CertPEM   string    `json:"cert_pem" validate:"required"`
	KeyPEM    string    `json:"key_pem" validate:"required"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleCreateSSL(w http.ResponseWriter, r *http.Request) {
	var req createSSLRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	cert := policy.SSLCertificate{
		CertID:    policy.CertID(req.TenantID, req.Domain),
		TenantID:  req.TenantID,
		Domain:    req.Domain,
		CertPEM:   req.CertPEM,
		KeyPEM:    req.KeyPEM,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.store.SetSSLCert(r.Context(), cert); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, cert)
}

type applyDefensePluginRequest struct {
	RouteID       string                     `json:"route_id" validate:"required"`
	DefenseConfig policy.DefensePluginConfig `json:"defense_config"`
}

func (h *Handler) handleApplyDefensePlugin(w http.ResponseWriter, r *http.Request) {
	var req applyDefensePluginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	route, err := h.store.EnableDefensePlugin(r.Context(), req.RouteID, req.DefenseConfig)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, route)
}

type updateAllDefensePluginsRequest struct {
	DefenseConfig policy.DefensePluginConfig `json:"defense_config"`
}

func (h *Handler) handleUpdateAllDefensePlugins(w http.ResponseWriter, r *http.Request) {
	var req updateAllDefensePluginsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	updated, err := h.store.UpdateAllDefensePlugins(r.Context(), req.DefenseConfig)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "unconfigured"})
		return
	}
	status := h.sync.Status()
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"last_sync_at": status.LastSyncAt,
		"cache_size":   status.CacheSize,
		"degraded":     status.Degraded,
		"watch_ok":     status.WatchOK,
	})
}

func (h *Handler) handleSyncRefresh(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "no local node synchronizer configured")
		return
	}
	if err := h.sync.Refresh(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (h *Handler) handleMonitorGlobalSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "unconfigured"})
		return
	}
	status := h.sync.Status()
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"last_sync_at":    status.LastSyncAt,
		"cache_size":      status.CacheSize,
		"degraded":        status.Degraded,
		"watch_ok":        status.WatchOK,
		"propagation_lag": time.Since(status.LastSyncAt).Seconds(),
	})
}
