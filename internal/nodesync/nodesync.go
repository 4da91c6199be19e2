// Package nodesync implements the Node Synchronizer (spec §4.H): the
// per-edge-node long-lived watch over the Global Config Store, the
// in-memory mirror it maintains, and the degraded-after-30s health
// signal, grounded on
// original_source/backend/global_sync_manager.py's GlobalConfigManager
// watch loop and wisbric-nightowl/internal/app/app.go's background-loop
// shutdown pattern.
package nodesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/cdndefense/internal/configstore"
	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/kv"
	"github.com/wisbric/cdndefense/internal/policy"
)

// DegradedAfter is how long a broken, unrecovered watch must persist
// before the node reports itself degraded (spec §5: "A node whose watch
// has been broken longer than 30s without recovery marks itself
// degraded").
const DegradedAfter = 30 * time.Second

// ChangeKind distinguishes the subkey a change notification falls under.
type ChangeKind string

const (
	ChangeTenantPolicy ChangeKind = "tenant_policy"
	ChangeRoute        ChangeKind = "route"
	ChangeSSLCert      ChangeKind = "ssl_cert"
)

// Change is a single cache mutation the synchronizer reports to listeners
// (spec §4.H: "notify 4.E" on every put/delete).
type Change struct {
	Kind    ChangeKind
	ID      string
	Deleted bool
}

// Status reports node synchronizer health (spec §4.H: "Status() where
// status includes last-sync time, cache size, and watch health").
type Status struct {
	LastSyncAt time.Time
	CacheSize  int
	Degraded   bool
	WatchOK    bool
}

type cacheEntry struct {
	policies map[string]policy.TenantPolicy
	routes   map[string]policy.Route
	certs    map[string]policy.SSLCertificate
}

func newCacheEntry() *cacheEntry {
	return &cacheEntry{
		policies: make(map[string]policy.TenantPolicy),
		routes:   make(map[string]policy.Route),
		certs:    make(map[string]policy.SSLCertificate),
	}
}

func (c *cacheEntry) clone() *cacheEntry {
	out := newCacheEntry()
	for k, v := range c.policies {
		out.policies[k] = v
	}
	for k, v := range c.routes {
		out.routes[k] = v
	}
	for k, v := range c.certs {
		out.certs[k] = v
	}
	return out
}

// Synchronizer maintains a node-local, copy-on-write mirror of the
// Global Config Store, fed by a full prefix scan followed by a
// long-lived watch (spec §4.H).
type Synchronizer struct {
	cold kv.ColdStore
	log  *slog.Logger

	mu          sync.Mutex
	cache       *cacheEntry
	lastSync    time.Time
	watchOK     bool
	brokenSince time.Time

	listenersMu sync.Mutex
	listeners   []func(Change)
}

// New creates a Synchronizer over the given Cold KV back-end.
func New(cold kv.ColdStore, log *slog.Logger) *Synchronizer {
	return &Synchronizer{
		cold:  cold,
		log:   log,
		cache: newCacheEntry(),
	}
}

// OnChange registers fn to be called after every cache mutation (spec
// §4.H: "notify 4.E"). Not safe to call concurrently with Run.
func (s *Synchronizer) OnChange(fn func(Change)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Synchronizer) notify(c Change) {
	s.listenersMu.Lock()
	fns := append([]func(Change){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Run performs the initial full prefix scan, then watches
// /cdn-defense/ forever, recovering via a fresh scan+watch cycle on
// every watch break, until ctx is cancelled (spec §4.H: "On startup and
// after any watch break, the synchronizer performs a full prefix scan,
// then restarts the watch from the revision returned by the scan").
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		revision, err := s.scan(ctx)
		if err != nil {
			s.log.Error("nodesync: full scan failed", "error", err)
			s.markBroken()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		s.markHealthy()

		events, err := s.cold.WatchPrefix(ctx, configstore.Prefix, revision)
		if err != nil {
			s.log.Error("nodesync: watch start failed", "error", err)
			s.markBroken()
			continue
		}
		s.watch(ctx, events)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// events closed: the watch broke. Loop back to a fresh scan.
		s.markBroken()
	}
}

// Refresh triggers an out-of-band full prefix scan, used by the admin
// plane's POST /sync/refresh (spec §6) to force a resync without
// waiting for the next watch break.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	_, err := s.scan(ctx)
	return err
}

func (s *Synchronizer) scan(ctx context.Context) (int64, error) {
	items, revision, err := s.cold.GetPrefix(ctx, configstore.Prefix)
	if err != nil {
		return 0, err
	}
	next := newCacheEntry()
	for key, raw := range items {
		s.applyPut(next, key, raw)
	}

	s.mu.Lock()
	s.cache = next
	s.lastSync = time.Now()
	s.mu.Unlock()
	return revision, nil
}

func (s *Synchronizer) watch(ctx context.Context, events <-chan kv.WatchEvent) {
	for ev := range events {
		s.mu.Lock()
		next := s.cache.clone()
		var change *Change
		switch ev.Type {
		case kv.EventPut:
			change = s.applyPut(next, ev.Key, ev.Value)
		case kv.EventDelete:
			change = s.applyDelete(next, ev.Key)
		}
		s.cache = next
		s.lastSync = time.Now()
		s.mu.Unlock()

		if change != nil {
			s.notify(*change)
		}
	}
}

func (s *Synchronizer) markBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchOK = false
	if s.brokenSince.IsZero() {
		s.brokenSince = time.Now()
	}
}

func (s *Synchronizer) markHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchOK = true
	s.brokenSince = time.Time{}
}

const (
	configPrefix = "/cdn-defense/config/"
	routePrefix  = "/cdn-defense/routes/"
	sslPrefix    = "/cdn-defense/ssl/"
)

// applyPut decodes an envelope at key into the appropriate map of next,
// skipping event-marker keys (/cdn-defense/events/...), which carry no
// cacheable state. Returns the Change to notify, or nil when the key
// wasn't a recognized policy subkey.
func (s *Synchronizer) applyPut(next *cacheEntry, key, raw string) *Change {
	switch {
	case strings.HasPrefix(key, configPrefix):
		id := strings.TrimPrefix(key, configPrefix)
		var env policy.Envelope[policy.TenantPolicy]
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.log.Warn("nodesync: malformed tenant policy envelope", "key", key, "error", err)
			return nil
		}
		if err := env.Payload.Validate(); err != nil {
			s.log.Warn("nodesync: invalid tenant policy, rejecting install", "key", key, "error", err)
			return nil
		}
		next.policies[id] = env.Payload
		return &Change{Kind: ChangeTenantPolicy, ID: id}
	case strings.HasPrefix(key, routePrefix):
		id := strings.TrimPrefix(key, routePrefix)
		var env policy.Envelope[policy.Route]
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.log.Warn("nodesync: malformed route envelope", "key", key, "error", err)
			return nil
		}
		next.routes[id] = env.Payload
		return &Change{Kind: ChangeRoute, ID: id}
	case strings.HasPrefix(key, sslPrefix):
		id := strings.TrimPrefix(key, sslPrefix)
		var env policy.Envelope[policy.SSLCertificate]
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.log.Warn("nodesync: malformed ssl cert envelope", "key", key, "error", err)
			return nil
		}
		next.certs[id] = env.Payload
		return &Change{Kind: ChangeSSLCert, ID: id}
	default:
		return nil
	}
}

func (s *Synchronizer) applyDelete(next *cacheEntry, key string) *Change {
	switch {
	case strings.HasPrefix(key, configPrefix):
		id := strings.TrimPrefix(key, configPrefix)
		delete(next.policies, id)
		return &Change{Kind: ChangeTenantPolicy, ID: id, Deleted: true}
	case strings.HasPrefix(key, routePrefix):
		id := strings.TrimPrefix(key, routePrefix)
		delete(next.routes, id)
		return &Change{Kind: ChangeRoute, ID: id, Deleted: true}
	case strings.HasPrefix(key, sslPrefix):
		id := strings.TrimPrefix(key, sslPrefix)
		delete(next.certs, id)
		return &Change{Kind: ChangeSSLCert, ID: id, Deleted: true}
	default:
		return nil
	}
}

// LookupPolicy returns the authoritative tenant policy from the local
// mirror, or PolicyNotFound.
func (s *Synchronizer) LookupPolicy(tenantID string) (policy.TenantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.policies[tenantID]
	if !ok {
		return policy.TenantPolicy{}, defenseerr.New(defenseerr.PolicyNotFound, "no policy for tenant "+tenantID)
	}
	return p, nil
}

// LookupRoute returns a single route from the local mirror, or
// PolicyNotFound.
func (s *Synchronizer) LookupRoute(routeID string) (policy.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache.routes[routeID]
	if !ok {
		return policy.Route{}, defenseerr.New(defenseerr.PolicyNotFound, "no route "+routeID)
	}
	return r, nil
}

// ListRoutes returns every route for tenantID from the local mirror.
func (s *Synchronizer) ListRoutes(tenantID string) []policy.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make([]policy.Route, 0)
	for _, r := range s.cache.routes {
		if r.TenantID == tenantID {
			routes = append(routes, r)
		}
	}
	return routes
}

// LookupCert returns a tenant's certificate for domain from the local
// mirror, or PolicyNotFound.
func (s *Synchronizer) LookupCert(tenantID, domain string) (policy.SSLCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache.certs[policy.CertID(tenantID, domain)]
	if !ok {
		return policy.SSLCertificate{}, defenseerr.New(defenseerr.PolicyNotFound, "no cert for "+tenantID+":"+domain)
	}
	return c, nil
}

// Status reports last-sync time, cache size, and watch health (spec
// §4.H).
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	degraded := !s.watchOK && !s.brokenSince.IsZero() && time.Since(s.brokenSince) > DegradedAfter
	return Status{
		LastSyncAt: s.lastSync,
		CacheSize:  len(s.cache.policies) + len(s.cache.routes) + len(s.cache.certs),
		Degraded:   degraded,
		WatchOK:    s.watchOK,
	}
}
