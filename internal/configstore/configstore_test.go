package configstore

import (
	"context"
	"testing"

	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/kv/kvtest"
	"github.com/wisbric/cdndefense/internal/policy"
)

func TestSetGetTenantPolicy(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	p := policy.DefaultTenantPolicy()
	p.RatePerMinute = 42
	if err := s.SetTenantPolicy(context.Background(), "tenant-a", p); err != nil {
		t.Fatalf("SetTenantPolicy: %v", err)
	}

	got, err := s.GetTenantPolicy(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetTenantPolicy: %v", err)
	}
	if got.RatePerMinute != 42 {
		t.Fatalf("RatePerMinute = %d, want 42", got.RatePerMinute)
	}
}

func TestSetTenantPolicy_RejectsInvalidInvariant(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	p := policy.DefaultTenantPolicy()
	p.JSChallengeThreshold = 90
	p.BlockThreshold = 50 // violates js_challenge_threshold <= block_threshold

	err := s.SetTenantPolicy(context.Background(), "tenant-a", p)
	if defenseerr.KindOf(err) != defenseerr.InvalidPayload {
		t.Fatalf("error = %v, want InvalidPayload", err)
	}
}

func TestGetTenantPolicy_NotFound(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	_, err := s.GetTenantPolicy(context.Background(), "unknown")
	if defenseerr.KindOf(err) != defenseerr.PolicyNotFound {
		t.Fatalf("error = %v, want PolicyNotFound", err)
	}
}

func TestGetAllTenantPolicies(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	for _, tenant := range []string{"a", "b", "c"} {
		if err := s.SetTenantPolicy(context.Background(), tenant, policy.DefaultTenantPolicy()); err != nil {
			t.Fatalf("SetTenantPolicy(%s): %v", tenant, err)
		}
	}

	all, err := s.GetAllTenantPolicies(context.Background())
	if err != nil {
		t.Fatalf("GetAllTenantPolicies: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}

func TestRouteLifecycle(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	route := policy.Route{RouteID: "r1", TenantID: "tenant-a", PathPattern: "/api/*", UpstreamURL: "http://origin"}
	if err := s.SetRoute(context.Background(), route); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}

	got, err := s.GetRoute(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if got.PathPattern != "/api/*" {
		t.Fatalf("PathPattern = %q", got.PathPattern)
	}

	updated, err := s.UpdateRoute(context.Background(), "r1", func(r *policy.Route) {
		r.Enabled = true
	})
	if err != nil {
		t.Fatalf("UpdateRoute: %v", err)
	}
	if !updated.Enabled {
		t.Fatal("Enabled = false after UpdateRoute set it true")
	}

	if err := s.DeleteRoute(context.Background(), "r1"); err != nil {
		t.Fatalf("DeleteRoute: %v", err)
	}
	_, err = s.GetRoute(context.Background(), "r1")
	if defenseerr.KindOf(err) != defenseerr.PolicyNotFound {
		t.Fatalf("error after delete = %v, want PolicyNotFound", err)
	}
}

func TestListRoutes_FiltersByTenant(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r1", TenantID: "tenant-a"}); err != nil {
		t.Fatalf("SetRoute r1: %v", err)
	}
	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r2", TenantID: "tenant-b"}); err != nil {
		t.Fatalf("SetRoute r2: %v", err)
	}

	routes, err := s.ListRoutes(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].RouteID != "r1" {
		t.Fatalf("routes = %+v, want only r1", routes)
	}
}

func TestEnableDefensePlugin(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r1", TenantID: "tenant-a"}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}

	route, err := s.EnableDefensePlugin(context.Background(), "r1", policy.DefensePluginConfig{EnableJSChallenge: true})
	if err != nil {
		t.Fatalf("EnableDefensePlugin: %v", err)
	}
	if route.DefensePlugin == nil || !route.DefensePlugin.EnableJSChallenge {
		t.Fatalf("DefensePlugin = %+v, want EnableJSChallenge=true", route.DefensePlugin)
	}
}

func TestUpdateAllDefensePlugins(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r1", TenantID: "tenant-a"}); err != nil {
		t.Fatalf("SetRoute r1: %v", err)
	}
	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r2", TenantID: "tenant-b"}); err != nil {
		t.Fatalf("SetRoute r2: %v", err)
	}
	// A route with no tenant id is skipped (spec §4.G: only bound routes).
	if err := s.SetRoute(context.Background(), policy.Route{RouteID: "r3"}); err != nil {
		t.Fatalf("SetRoute r3: %v", err)
	}

	updated, err := s.UpdateAllDefensePlugins(context.Background(), policy.DefensePluginConfig{EnableJSChallenge: true})
	if err != nil {
		t.Fatalf("UpdateAllDefensePlugins: %v", err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2", updated)
	}
}

func TestSSLCertLifecycle(t *testing.T) {
	cold := kvtest.NewColdStore()
	s := New(cold)

	cert := policy.SSLCertificate{CertID: policy.CertID("tenant-a", "example.com"), TenantID: "tenant-a", Domain: "example.com"}
	if err := s.SetSSLCert(context.Background(), cert); err != nil {
		t.Fatalf("SetSSLCert: %v", err)
	}

	got, err := s.GetSSLCert(context.Background(), cert.CertID)
	if err != nil {
		t.Fatalf("GetSSLCert: %v", err)
	}
	if got.Domain != "example.com" {
		t.Fatalf("Domain = %q", got.Domain)
	}

	if err := s.DeleteSSLCert(context.Background(), cert.CertID); err != nil {
		t.Fatalf("DeleteSSLCert: %v", err)
	}
	_, err = s.GetSSLCert(context.Background(), cert.CertID)
	if defenseerr.KindOf(err) != defenseerr.PolicyNotFound {
		t.Fatalf("error after delete = %v, want PolicyNotFound", err)
	}
}
