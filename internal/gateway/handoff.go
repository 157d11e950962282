package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/security"
)

func subscriptionsKey(clientID string) string {
	return kephasgate.KeySubscriptionsPrefix + clientID
}

// mirrorSubscriptions records a subscribe or unsubscribe in the store so the
// instance that adopts the session can rebuild the client's subscriptions.
func (g *Gateway) mirrorSubscriptions(ctx context.Context, clientID string, eventTypes []string, subscribed bool) {
	if g.store == nil || len(eventTypes) == 0 {
		return
	}
	key := subscriptionsKey(clientID)

	var err error
	if subscribed {
		err = g.store.SetAdd(ctx, key, eventTypes...)
	} else {
		err = g.store.SetRemove(ctx, key, eventTypes...)
	}
	if err == nil {
		err = g.store.Expire(ctx, key, g.cfg.StateTTL)
	}
	if err != nil {
		g.log.Warn("failed to mirror subscriptions", zap.String("client_id", clientID), zap.Error(err))
	}
}

// restoreSubscriptions loads a resumed client's mirrored subscriptions when
// this instance holds none for it.
func (g *Gateway) restoreSubscriptions(ctx context.Context, clientID string) {
	if g.store == nil || len(g.index.SubscriptionsOf(clientID)) > 0 {
		return
	}
	types, err := g.store.SetMembers(ctx, subscriptionsKey(clientID))
	if err != nil {
		g.log.Warn("failed to load mirrored subscriptions", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if len(types) == 0 {
		return
	}
	g.index.Subscribe(clientID, types...)
	g.log.Debug("subscriptions restored", zap.String("client_id", clientID), zap.Strings("event_types", types))
}

func (g *Gateway) dropSubscriptionMirror(ctx context.Context, clientID string) {
	if g.store == nil {
		return
	}
	if err := g.store.Delete(ctx, subscriptionsKey(clientID)); err != nil {
		g.log.Warn("failed to delete mirrored subscriptions", zap.String("client_id", clientID), zap.Error(err))
	}
}

// onSessionMoved hands a client over to the sibling that adopted its
// session. Local subscriptions and the in-memory queue are released; the
// store mirrors stay for the new owner.
func (g *Gateway) onSessionMoved(s security.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mu := g.stripe(s.ClientID)
	mu.Lock()
	g.index.RemoveClient(s.ClientID)
	g.queue.Forget(s.ClientID)
	mu.Unlock()

	if conn, ok := g.registry.Get(s.ClientID); ok && conn.SessionID == s.SessionID {
		g.closeConnection(ctx, conn, reasonReplaced)
	}
}
