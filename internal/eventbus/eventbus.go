// Package eventbus implements the Cluster Event Bus (spec §4.I): a
// best-effort, at-most-once pub/sub channel over Hot KV for operational
// signals, grounded on pkg/escalation/engine.go's
// rdb.Subscribe(ctx, "nightowl:alert:ack") pattern.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisbric/cdndefense/internal/defenseerr"
)

// EventType names the operational signal kinds the bus carries (spec
// §4.I).
type EventType string

const (
	EventRequestAnalyzed EventType = "request_analyzed"
	EventBlacklistUpdate EventType = "blacklist_update"
	EventConfigUpdate    EventType = "config_update"
)

const channel = "cdn-defense:events"

// Event is the envelope every message on the bus carries (spec §4.I:
// "Messages carry {type, node_id, timestamp, payload}").
type Event struct {
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// hotStore is the subset of kv.HotStore the bus uses.
type hotStore interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// Bus publishes and consumes Events over Hot KV pub/sub. Delivery is
// best-effort and at-most-once; there is no replay (spec §4.I).
type Bus struct {
	hot    hotStore
	nodeID string
	now    func() time.Time
}

// New creates a Bus for nodeID, stamped into every event this node
// publishes.
func New(hot hotStore, nodeID string) *Bus {
	return &Bus{hot: hot, nodeID: nodeID, now: time.Now}
}

// Publish marshals payload and fans it out as an Event of the given
// type.
func (b *Bus) Publish(ctx context.Context, eventType EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return defenseerr.Wrap(defenseerr.Internal, "marshaling event payload", err)
	}
	ev := Event{
		Type:      eventType,
		NodeID:    b.nodeID,
		Timestamp: b.now().UnixMilli(),
		Payload:   raw,
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return defenseerr.Wrap(defenseerr.Internal, "marshaling event", err)
	}
	return b.hot.Publish(ctx, channel, string(buf))
}

// Subscribe returns a channel of decoded Events and an unsubscribe
// function the caller must call to release resources. Malformed
// messages are dropped silently rather than surfaced as errors, since a
// single bad message must not break the whole consumer loop.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	raw, unsubscribe, err := b.hot.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range raw {
			var ev Event
			if err := json.Unmarshal([]byte(msg), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, unsubscribe, nil
}
