package decision

import (
	"context"
	"time"
)

func blacklistKey(tenant, ip string) string      { return "blacklist:" + tenant + ":" + ip }
func whitelistKey(tenant, ip string) string      { return "whitelist:" + tenant + ":" + ip }
func blacklistIndexKey(tenant string) string     { return "blacklist_index:" + tenant }
func whitelistIndexKey(tenant string) string     { return "whitelist_index:" + tenant }

// listIndexTTL bounds how long a list index entry survives without a
// fresh add; it is refreshed on every write and is generous relative to
// any individual entry's own TTL so enumeration stays correct for
// permanent (duration=0) entries too.
const listIndexTTL = 90 * 24 * time.Hour

// AddToBlacklist denies ip for tenant for duration (0 = permanent,
// matching whitelist's "omitted duration = permanent" convention; spec
// §6 documents this for whitelist and the source applies it symmetrically).
func (e *Engine) AddToBlacklist(ctx context.Context, tenant, ip string, duration time.Duration) error {
	if err := e.hot.Set(ctx, blacklistKey(tenant, ip), "1", duration); err != nil {
		return err
	}
	return e.hot.SetAdd(ctx, blacklistIndexKey(tenant), ip, listIndexTTL)
}

// RemoveFromBlacklist lifts a denylist entry early.
func (e *Engine) RemoveFromBlacklist(ctx context.Context, tenant, ip string) error {
	return e.hot.Delete(ctx, blacklistKey(tenant, ip))
}

// IsBlacklisted reports whether ip is currently denylisted for tenant.
func (e *Engine) IsBlacklisted(ctx context.Context, tenant, ip string) (bool, error) {
	return e.hot.Exists(ctx, blacklistKey(tenant, ip))
}

// ListBlacklist enumerates every IP ever added to tenant's denylist
// index, filtered down to those still actually denylisted (the index
// entry itself tracks membership over a much longer horizon than any
// individual ban, since Hot KV exposes no key-pattern scan to enumerate
// live entries directly — see internal/fingerprint.TrustStore for the
// same pattern).
func (e *Engine) ListBlacklist(ctx context.Context, tenant string) ([]string, error) {
	return e.filterLiveIPs(ctx, tenant, blacklistIndexKey(tenant), blacklistKey)
}

// AddToWhitelist always-allows ip for tenant for duration (0 =
// permanent; spec §6: "omitted duration on whitelist = permanent").
func (e *Engine) AddToWhitelist(ctx context.Context, tenant, ip string, duration time.Duration) error {
	if err := e.hot.Set(ctx, whitelistKey(tenant, ip), "1", duration); err != nil {
		return err
	}
	return e.hot.SetAdd(ctx, whitelistIndexKey(tenant), ip, listIndexTTL)
}

// RemoveFromWhitelist revokes an allowlist entry.
func (e *Engine) RemoveFromWhitelist(ctx context.Context, tenant, ip string) error {
	return e.hot.Delete(ctx, whitelistKey(tenant, ip))
}

// IsWhitelisted reports whether ip is currently allowlisted for tenant.
func (e *Engine) IsWhitelisted(ctx context.Context, tenant, ip string) (bool, error) {
	return e.hot.Exists(ctx, whitelistKey(tenant, ip))
}

// ListWhitelist enumerates every IP currently allowlisted for tenant.
func (e *Engine) ListWhitelist(ctx context.Context, tenant string) ([]string, error) {
	return e.filterLiveIPs(ctx, tenant, whitelistIndexKey(tenant), whitelistKey)
}

func (e *Engine) filterLiveIPs(ctx context.Context, tenant, indexKey string, keyFor func(tenant, ip string) string) ([]string, error) {
	candidates, err := e.hot.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(candidates))
	for _, ip := range candidates {
		ok, err := e.hot.Exists(ctx, keyFor(tenant, ip))
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, ip)
		}
	}
	return live, nil
}
