// Package kvtest provides in-memory fakes of both kv.HotStore and
// kv.ColdStore for unit tests, per spec §9 ("tests use an in-memory fake
// with watch callbacks, as the source's mock does").
package kvtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/cdndefense/internal/kv"
)

// HotStore is an in-memory fake of kv.HotStore. All TTLs are tracked but
// never actively swept; Get/Exists/etc. check expiry lazily. Safe for
// concurrent use.
type HotStore struct {
	mu       sync.Mutex
	strings_ map[string]hotEntry
	lists    map[string][]string
	sets     map[string]map[string]struct{}
	expiry   map[string]time.Time
	subs     map[string][]chan string
	now      func() time.Time
}

type hotEntry struct {
	value string
}

// NewHotStore creates an empty fake Hot KV. nowFn defaults to time.Now.
func NewHotStore(nowFn func() time.Time) *HotStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &HotStore{
		strings_: make(map[string]hotEntry),
		lists:    make(map[string][]string),
		sets:     make(map[string]map[string]struct{}),
		expiry:   make(map[string]time.Time),
		subs:     make(map[string][]chan string),
		now:      nowFn,
	}
}

var _ kv.HotStore = (*HotStore)(nil)

func (h *HotStore) expired(key string) bool {
	exp, ok := h.expiry[key]
	return ok && h.now().After(exp)
}

func (h *HotStore) sweep(key string) {
	if h.expired(key) {
		delete(h.strings_, key)
		delete(h.lists, key)
		delete(h.sets, key)
		delete(h.expiry, key)
	}
}

func (h *HotStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)

	e, existed := h.strings_[key]
	var n int64
	if existed {
		n = parseInt(e.value) + 1
	} else {
		n = 1
	}
	h.strings_[key] = hotEntry{value: itoa(n)}
	if n == 1 {
		h.expiry[key] = h.now().Add(ttl)
	}
	return n, nil
}

func (h *HotStore) Get(_ context.Context, key string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	e, ok := h.strings_[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (h *HotStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strings_[key] = hotEntry{value: value}
	if ttl > 0 {
		h.expiry[key] = h.now().Add(ttl)
	} else {
		delete(h.expiry, key)
	}
	return nil
}

func (h *HotStore) Exists(_ context.Context, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	if _, ok := h.strings_[key]; ok {
		return true, nil
	}
	if l, ok := h.lists[key]; ok && len(l) > 0 {
		return true, nil
	}
	if s, ok := h.sets[key]; ok && len(s) > 0 {
		return true, nil
	}
	return false, nil
}

func (h *HotStore) Delete(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.strings_, key)
	delete(h.lists, key)
	delete(h.sets, key)
	delete(h.expiry, key)
	return nil
}

func (h *HotStore) TTL(_ context.Context, key string) (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.expiry[key]
	if !ok {
		return -1, nil
	}
	d := exp.Sub(h.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (h *HotStore) ListPush(_ context.Context, key, value string, maxLen int, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	l := append([]string{value}, h.lists[key]...)
	if len(l) > maxLen {
		l = l[:maxLen]
	}
	h.lists[key] = l
	if ttl > 0 {
		h.expiry[key] = h.now().Add(ttl)
	}
	return nil
}

func (h *HotStore) ListRange(_ context.Context, key string, limit int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	l := h.lists[key]
	if limit < len(l) {
		l = l[:limit]
	}
	out := make([]string, len(l))
	copy(out, l)
	return out, nil
}

func (h *HotStore) ListLen(_ context.Context, key string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	return int64(len(h.lists[key])), nil
}

func (h *HotStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	set, ok := h.sets[key]
	if !ok {
		set = make(map[string]struct{})
		h.sets[key] = set
	}
	set[member] = struct{}{}
	if ttl > 0 {
		h.expiry[key] = h.now().Add(ttl)
	}
	return nil
}

func (h *HotStore) SetCard(_ context.Context, key string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	return int64(len(h.sets[key])), nil
}

func (h *HotStore) SetMembers(_ context.Context, key string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweep(key)
	out := make([]string, 0, len(h.sets[key]))
	for m := range h.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (h *HotStore) Publish(_ context.Context, channel, payload string) error {
	h.mu.Lock()
	subs := append([]chan string(nil), h.subs[channel]...)
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (h *HotStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 64)
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], ch)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[channel]
		for i, c := range subs {
			if c == ch {
				h.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsubscribe, nil
}

func (h *HotStore) Ping(context.Context) error { return nil }

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func parseInt(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// ColdStore is an in-memory fake of kv.ColdStore with watch support,
// grounded on the same need the source's own tests expressed
// (test_global_sync.py exercises GlobalConfigManager/NodeSyncManager against
// a live etcd; this fake lets the Go port exercise internal/nodesync and
// internal/configstore without one).
type ColdStore struct {
	mu       sync.Mutex
	data     map[string]string
	revision int64
	watchers []*coldWatcher
}

type coldWatcher struct {
	prefix string
	ch     chan kv.WatchEvent
	done   chan struct{}
}

// NewColdStore creates an empty fake Cold KV.
func NewColdStore() *ColdStore {
	return &ColdStore{data: make(map[string]string)}
}

var _ kv.ColdStore = (*ColdStore)(nil)

func (c *ColdStore) Put(_ context.Context, key, value string) (int64, error) {
	c.mu.Lock()
	c.revision++
	rev := c.revision
	c.data[key] = value
	watchers := append([]*coldWatcher(nil), c.watchers...)
	c.mu.Unlock()

	c.notify(watchers, kv.WatchEvent{Type: kv.EventPut, Key: key, Value: value, Revision: rev})
	return rev, nil
}

func (c *ColdStore) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *ColdStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	c.revision++
	rev := c.revision
	delete(c.data, key)
	watchers := append([]*coldWatcher(nil), c.watchers...)
	c.mu.Unlock()

	c.notify(watchers, kv.WatchEvent{Type: kv.EventDelete, Key: key, Revision: rev})
	return nil
}

func (c *ColdStore) GetPrefix(_ context.Context, prefix string) (map[string]string, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make(map[string]string)
	for k, v := range c.data {
		if strings.HasPrefix(k, prefix) {
			items[k] = v
		}
	}
	return items, c.revision, nil
}

func (c *ColdStore) WatchPrefix(ctx context.Context, prefix string, _ int64) (<-chan kv.WatchEvent, error) {
	w := &coldWatcher{
		prefix: prefix,
		ch:     make(chan kv.WatchEvent, 64),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.watchers = append(c.watchers, w)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		found := false
		for i, ww := range c.watchers {
			if ww == w {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				found = true
				break
			}
		}
		c.mu.Unlock()
		// A watcher no longer registered was already closed by Break.
		if found {
			close(w.done)
			close(w.ch)
		}
	}()

	return w.ch, nil
}

func (c *ColdStore) notify(watchers []*coldWatcher, ev kv.WatchEvent) {
	for _, w := range watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		case <-w.done:
		}
	}
}

func (c *ColdStore) Ping(context.Context) error { return nil }

// Break simulates a watch disconnect by closing every active watcher
// channel, exercising internal/nodesync's full-scan-then-watch recovery.
func (c *ColdStore) Break() {
	c.mu.Lock()
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()
	for _, w := range watchers {
		close(w.done)
		close(w.ch)
	}
}
