package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/registry"
)

// eventNotice is the bus form of a broadcast.
type eventNotice struct {
	Origin string        `json:"origin"`
	Event  envelope.Wire `json:"event"`
	Target []string      `json:"target,omitempty"`
}

// BroadcastEvent delivers an event to the local subscribers of eventType and,
// with a store, publishes it for sibling instances.
func (g *Gateway) BroadcastEvent(ctx context.Context, eventType string, data map[string]any, target ...string) (kephasgate.Delivery, error) {
	if eventType == "" {
		return kephasgate.Delivery{}, kephasgate.NewValidationError(kephasgate.CodeMissingField, "missing required field eventType")
	}
	if data == nil {
		data = map[string]any{}
	}

	env, err := envelope.Encode(envelope.TypeEvent, map[string]any{
		"eventType": eventType,
		"payload":   data,
	}, 0, "")
	if err != nil {
		return kephasgate.Delivery{}, err
	}

	d := g.deliver(ctx, env, recipients(g.index.SubscribersOf(eventType), target), true)

	if g.store != nil {
		body, err := json.Marshal(eventNotice{Origin: g.cfg.InstanceID, Event: env.ToWire(), Target: target})
		if err != nil {
			g.log.Error("failed to encode event notice", zap.String("event_type", eventType), zap.Error(err))
		} else if err := g.store.Publish(ctx, kephasgate.ChannelEvents, body); err != nil {
			g.metrics.BusError()
			g.log.Error("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
		}
	}

	g.metrics.Broadcast(d.Delivered, d.Queued)
	g.log.Debug("event broadcast",
		zap.String("event_type", eventType),
		zap.Int("delivered", d.Delivered),
		zap.Int("queued", d.Queued))
	return d, nil
}

// recipients narrows subscribers to target when target is non-empty.
func recipients(subscribers, target []string) []string {
	if len(target) == 0 {
		return subscribers
	}
	wanted := make(map[string]struct{}, len(target))
	for _, id := range target {
		wanted[id] = struct{}{}
	}
	out := subscribers[:0:0]
	for _, id := range subscribers {
		if _, ok := wanted[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// deliver sends env to each client with a live connection. Clients without
// one, or whose send fails, get env queued when enqueueOffline is set.
func (g *Gateway) deliver(ctx context.Context, env *envelope.Envelope, clientIDs []string, enqueueOffline bool) kephasgate.Delivery {
	var d kephasgate.Delivery
	for _, id := range clientIDs {
		mu := g.stripe(id)
		mu.Lock()
		sent := false
		if conn, ok := g.registry.Get(id); ok {
			if err := conn.Send(ctx, env); err != nil {
				g.log.Debug("live delivery failed", zap.String("client_id", id), zap.Error(err))
			} else {
				sent = true
			}
		}
		if sent {
			d.Delivered++
		} else if enqueueOffline && g.queue.Enqueue(ctx, id, env) {
			d.Queued++
		}
		mu.Unlock()
	}
	return d
}

// applyRemoteEvent delivers an event published by a sibling instance to the
// subscribers held here, queueing for those offline. A client's
// subscriptions live on the last instance that held its session, so no
// other instance queues for it.
func (g *Gateway) applyRemoteEvent(ctx context.Context, payload []byte) {
	var n eventNotice
	if err := json.Unmarshal(payload, &n); err != nil {
		g.log.Warn("dropping unreadable event notice", zap.Error(err))
		return
	}
	if n.Origin == g.cfg.InstanceID {
		return
	}
	env, err := envelope.FromWire(n.Event)
	if err != nil {
		g.log.Warn("dropping invalid remote event", zap.String("origin", n.Origin), zap.Error(err))
		return
	}

	eventType := env.StringValue("eventType")
	d := g.deliver(ctx, env, recipients(g.index.SubscribersOf(eventType), n.Target), true)
	g.log.Debug("remote event delivered",
		zap.String("origin", n.Origin),
		zap.String("event_type", eventType),
		zap.Int("delivered", d.Delivered),
		zap.Int("queued", d.Queued))
}

// pingCycle drops connections silent past the ping timeout, marks idle ones
// as reconnecting and pings the rest.
func (g *Gateway) pingCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PingInterval)
	defer cancel()

	for _, conn := range g.registry.StaleSweep(g.cfg.PingTimeout) {
		g.finishDisconnect(ctx, conn, reasonTimeout)
	}

	now := g.clock.Now().UTC().Format(time.RFC3339Nano)
	for _, conn := range g.registry.Snapshot() {
		if conn.State() == registry.StateConnected && conn.IdleFor() > g.cfg.PingInterval {
			_ = conn.Transition(registry.StateReconnecting)
		}
		g.reply(ctx, conn, envelope.TypePing, map[string]any{"timestamp": now})
	}
}
