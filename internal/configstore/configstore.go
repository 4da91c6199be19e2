// Package configstore implements the Global Config Store (spec §4.G): the
// authoritative hierarchical key space in Cold KV, grounded on
// original_source/backend/global_sync_manager.py's GlobalConfigManager.
// cmd/configd writes through it for the Config API, and cmd/edged also
// holds one for its POST /config tenant-policy write; edge nodes read
// through internal/nodesync's mirror.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/kv"
	"github.com/wisbric/cdndefense/internal/policy"
)

const (
	configPrefix = "/cdn-defense/config/"
	routePrefix  = "/cdn-defense/routes/"
	sslPrefix    = "/cdn-defense/ssl/"
	eventPrefix  = "/cdn-defense/events/"

	// Prefix is the root watched by every node synchronizer.
	Prefix = "/cdn-defense/"
)

// Store is the authoritative writer over the Cold KV back-end.
//
// Writes are last-writer-wins by write order: every put replaces the
// stored value even when its version (the writer's wall clock in ms) is
// older than the stored one. No compare-and-swap is done, so clock skew
// between writers can reorder updates; no skew bound is enforced.
type Store struct {
	cold kv.ColdStore
	now  func() time.Time
}

// New creates a Store over the given Cold KV back-end.
func New(cold kv.ColdStore) *Store {
	return &Store{cold: cold, now: time.Now}
}

func (s *Store) putEnvelope(ctx context.Context, key string, payload any) error {
	env := map[string]any{
		"payload":    payload,
		"updated_at": s.now().UnixMilli(),
		"version":    policy.NowMillis(s.now()),
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return defenseerr.Wrap(defenseerr.Internal, "marshaling envelope", err)
	}
	if _, err := s.cold.Put(ctx, key, string(buf)); err != nil {
		return err
	}
	return nil
}

func (s *Store) publishEvent(ctx context.Context, kind, id string, payload any) {
	key := fmt.Sprintf("%s%s/%s", eventPrefix, kind, id)
	buf, err := json.Marshal(map[string]any{
		"type":      kind,
		"id":        id,
		"payload":   payload,
		"timestamp": s.now().UnixMilli(),
	})
	if err != nil {
		return
	}
	// Event markers are best-effort notification (spec §4.G: "a sibling
	// under /cdn-defense/events/...") — a failure here must not fail the
	// authoritative write, which already succeeded.
	_, _ = s.cold.Put(ctx, key, string(buf))
}

func decodeEnvelope[T any](raw string) (policy.Envelope[T], error) {
	var wire struct {
		Payload   T     `json:"payload"`
		UpdatedAt int64 `json:"updated_at"`
		Version   int64 `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		var zero policy.Envelope[T]
		return zero, defenseerr.Wrap(defenseerr.Internal, "unmarshaling envelope", err)
	}
	return policy.Envelope[T]{Payload: wire.Payload, UpdatedAt: wire.UpdatedAt, Version: wire.Version}, nil
}

func tenantPolicyKey(tenantID string) string { return configPrefix + tenantID }
func routeKeyFor(routeID string) string      { return routePrefix + routeID }
func sslKeyFor(certID string) string         { return sslPrefix + certID }

// SetTenantPolicy validates and writes the authoritative TenantPolicy for
// tenantID, rejecting invariant violations before the Cold KV put (spec
// §7: "Policy invariants violated on a write are rejected before the Cold
// KV put").
func (s *Store) SetTenantPolicy(ctx context.Context, tenantID string, p policy.TenantPolicy) error {
	if err := p.Validate(); err != nil {
		return defenseerr.Wrap(defenseerr.InvalidPayload, "invalid tenant policy", err)
	}
	p.Version = policy.NowMillis(s.now())
	if err := s.putEnvelope(ctx, tenantPolicyKey(tenantID), p); err != nil {
		return err
	}
	s.publishEvent(ctx, "config", tenantID, p)
	return nil
}

// GetTenantPolicy reads the authoritative TenantPolicy for tenantID.
func (s *Store) GetTenantPolicy(ctx context.Context, tenantID string) (policy.TenantPolicy, error) {
	raw, found, err := s.cold.Get(ctx, tenantPolicyKey(tenantID))
	if err != nil {
		return policy.TenantPolicy{}, err
	}
	if !found {
		return policy.TenantPolicy{}, defenseerr.New(defenseerr.PolicyNotFound, "no policy for tenant "+tenantID)
	}
	env, err := decodeEnvelope[policy.TenantPolicy](raw)
	if err != nil {
		return policy.TenantPolicy{}, err
	}
	return env.Payload, nil
}

// GetAllTenantPolicies returns every tenant policy in the store, keyed by
// tenant id (spec §6: GET /global-config/all).
func (s *Store) GetAllTenantPolicies(ctx context.Context) (map[string]policy.TenantPolicy, error) {
	items, _, err := s.cold.GetPrefix(ctx, configPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]policy.TenantPolicy, len(items))
	for key, raw := range items {
		env, err := decodeEnvelope[policy.TenantPolicy](raw)
		if err != nil {
			continue
		}
		tenantID := strings.TrimPrefix(key, configPrefix)
		out[tenantID] = env.Payload
	}
	return out, nil
}

// SetRoute writes route as the authoritative definition for its RouteID.
func (s *Store) SetRoute(ctx context.Context, route policy.Route) error {
	route.Version = policy.NowMillis(s.now())
	if err := s.putEnvelope(ctx, routeKeyFor(route.RouteID), route); err != nil {
		return err
	}
	s.publishEvent(ctx, "route", route.RouteID, route)
	return nil
}

// GetRoute reads a single route by id.
func (s *Store) GetRoute(ctx context.Context, routeID string) (policy.Route, error) {
	raw, found, err := s.cold.Get(ctx, routeKeyFor(routeID))
	if err != nil {
		return policy.Route{}, err
	}
	if !found {
		return policy.Route{}, defenseerr.New(defenseerr.PolicyNotFound, "no route "+routeID)
	}
	env, err := decodeEnvelope[policy.Route](raw)
	if err != nil {
		return policy.Route{}, err
	}
	return env.Payload, nil
}

// UpdateRoute performs a read-modify-write: it loads the current route,
// applies mutate, and writes the result back (spec §4.G: "UpdateRoute
// (read-modify-write)").
func (s *Store) UpdateRoute(ctx context.Context, routeID string, mutate func(*policy.Route)) (policy.Route, error) {
	route, err := s.GetRoute(ctx, routeID)
	if err != nil {
		return policy.Route{}, err
	}
	mutate(&route)
	if err := s.SetRoute(ctx, route); err != nil {
		return policy.Route{}, err
	}
	return route, nil
}

// DeleteRoute removes a route. A subsequent GetRoute returns
// PolicyNotFound (spec §8 invariant 5).
func (s *Store) DeleteRoute(ctx context.Context, routeID string) error {
	if err := s.cold.Delete(ctx, routeKeyFor(routeID)); err != nil {
		return err
	}
	s.publishEvent(ctx, "route_delete", routeID, nil)
	return nil
}

// ListRoutes returns every route for tenantID, or every route across all
// tenants when tenantID is empty.
func (s *Store) ListRoutes(ctx context.Context, tenantID string) ([]policy.Route, error) {
	items, _, err := s.cold.GetPrefix(ctx, routePrefix)
	if err != nil {
		return nil, err
	}
	routes := make([]policy.Route, 0, len(items))
	for _, raw := range items {
		env, err := decodeEnvelope[policy.Route](raw)
		if err != nil {
			continue
		}
		if tenantID == "" || env.Payload.TenantID == tenantID {
			routes = append(routes, env.Payload)
		}
	}
	return routes, nil
}

// SetSSLCert writes cert as the authoritative TLS material for its CertID.
func (s *Store) SetSSLCert(ctx context.Context, cert policy.SSLCertificate) error {
	cert.Version = policy.NowMillis(s.now())
	if err := s.putEnvelope(ctx, sslKeyFor(cert.CertID), cert); err != nil {
		return err
	}
	s.publishEvent(ctx, "ssl", cert.CertID, cert)
	return nil
}

// GetSSLCert reads a single certificate by id.
func (s *Store) GetSSLCert(ctx context.Context, certID string) (policy.SSLCertificate, error) {
	raw, found, err := s.cold.Get(ctx, sslKeyFor(certID))
	if err != nil {
		return policy.SSLCertificate{}, err
	}
	if !found {
		return policy.SSLCertificate{}, defenseerr.New(defenseerr.PolicyNotFound, "no ssl cert "+certID)
	}
	env, err := decodeEnvelope[policy.SSLCertificate](raw)
	if err != nil {
		return policy.SSLCertificate{}, err
	}
	return env.Payload, nil
}

// DeleteSSLCert destroys a certificate (spec §3: "destroyed by admin or on
// expiry sweep").
func (s *Store) DeleteSSLCert(ctx context.Context, certID string) error {
	if err := s.cold.Delete(ctx, sslKeyFor(certID)); err != nil {
		return err
	}
	s.publishEvent(ctx, "ssl_delete", certID, nil)
	return nil
}

// ListSSLCerts returns every certificate for tenantID, or all certificates
// when tenantID is empty.
func (s *Store) ListSSLCerts(ctx context.Context, tenantID string) ([]policy.SSLCertificate, error) {
	items, _, err := s.cold.GetPrefix(ctx, sslPrefix)
	if err != nil {
		return nil, err
	}
	certs := make([]policy.SSLCertificate, 0, len(items))
	for _, raw := range items {
		env, err := decodeEnvelope[policy.SSLCertificate](raw)
		if err != nil {
			continue
		}
		if tenantID == "" || env.Payload.TenantID == tenantID {
			certs = append(certs, env.Payload)
		}
	}
	return certs, nil
}

// EnableDefensePlugin binds cfg to route routeID (spec §4.G, §9: "the
// plugin binding is an attribute of the route").
func (s *Store) EnableDefensePlugin(ctx context.Context, routeID string, cfg policy.DefensePluginConfig) (policy.Route, error) {
	return s.UpdateRoute(ctx, routeID, func(r *policy.Route) {
		r.DefensePlugin = &cfg
	})
}

// DisableDefensePlugin removes the plugin binding from route routeID.
func (s *Store) DisableDefensePlugin(ctx context.Context, routeID string) (policy.Route, error) {
	return s.UpdateRoute(ctx, routeID, func(r *policy.Route) {
		r.DefensePlugin = nil
	})
}

// UpdateAllDefensePlugins batch-applies cfg to every route that already
// carries a tenant id, returning the count updated (spec §4.G:
// update_all_defense_configs; preserved per SPEC_FULL.md §4).
func (s *Store) UpdateAllDefensePlugins(ctx context.Context, cfg policy.DefensePluginConfig) (int, error) {
	routes, err := s.ListRoutes(ctx, "")
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, r := range routes {
		if r.TenantID == "" {
			continue
		}
		routeCfg := cfg
		routeCfg.TenantID = r.TenantID
		if _, err := s.EnableDefensePlugin(ctx, r.RouteID, routeCfg); err != nil {
			continue
		}
		updated++
	}
	return updated, nil
}

// Ping checks Cold KV connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.cold.Ping(ctx)
}
