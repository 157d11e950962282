package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/rpc"
)

// HandleMessage decodes, validates and routes one inbound frame.
func (g *Gateway) HandleMessage(ctx context.Context, conn *registry.Connection, raw []byte) {
	conn.Touch()
	if conn.State() == registry.StateReconnecting {
		_ = conn.Transition(registry.StateConnected)
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		kind := kephasgate.KindOf(err)
		g.metrics.MessageError(kind.String())
		if kind == kephasgate.KindIntegrity {
			n := conn.IntegrityFailure()
			g.log.Warn("integrity check failed",
				zap.String("client_id", conn.ClientID),
				zap.Int("failures", n),
				zap.Error(err))
			if g.cfg.MaxIntegrityFailures > 0 && n >= g.cfg.MaxIntegrityFailures {
				g.sendError(ctx, conn, "", err)
				g.closeConnection(ctx, conn, reasonSecurity)
				return
			}
		}
		g.sendError(ctx, conn, "", err)
		return
	}

	if !g.security.ValidateMessage(ctx, conn.SessionID, env, len(raw)) {
		if _, ok := g.security.Session(conn.SessionID); !ok {
			// Normally already closed by the invalidation hook.
			g.closeConnection(ctx, conn, reasonSessionEnded)
			return
		}
		g.metrics.MessageError(kephasgate.KindSecurity.String())
		g.sendError(ctx, conn, env.RequestID,
			kephasgate.NewSecurityError(kephasgate.CodeMessageRejected, "message rejected"))
		return
	}

	g.metrics.Message(env.Type.String())
	g.route(ctx, conn, env)
}

func (g *Gateway) route(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeRPCRequest:
		go g.handleRPC(ctx, conn, env)

	case envelope.TypeRPCNotification:
		g.handleNotification(ctx, conn, env)

	case envelope.TypeSubscribe:
		g.handleSubscribe(ctx, conn, env)

	case envelope.TypeUnsubscribe:
		g.handleUnsubscribe(ctx, conn, env)

	case envelope.TypeSyncRequest:
		g.handleSync(ctx, conn, env)

	case envelope.TypePing:
		g.reply(ctx, conn, envelope.TypePong, map[string]any{
			"requestId": env.RequestID,
			"timestamp": g.clock.Now().UTC().Format(time.RFC3339Nano),
		})

	case envelope.TypePong:
		// Touch already recorded the liveness.

	case envelope.TypeTokenRefresh, envelope.TypeAuthRequest:
		g.handleTokenRefresh(ctx, conn, env)

	case envelope.TypeDisconnect:
		g.closeConnection(ctx, conn, reasonClientRequest)

	case envelope.TypeConnect, envelope.TypeAuthResponse, envelope.TypeRPCResponse,
		envelope.TypeEvent, envelope.TypeSyncResponse, envelope.TypeSyncComplete,
		envelope.TypeError, envelope.TypeUnknown:
		g.unsupported(ctx, conn, env)

	default:
		g.unsupported(ctx, conn, env)
	}
}

func (g *Gateway) unsupported(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	g.sendError(ctx, conn, env.RequestID,
		kephasgate.NewValidationError(kephasgate.CodeUnsupportedType, "clients may not send "+env.Type.String()+" messages"))
}

func (g *Gateway) forbidden(ctx context.Context, conn *registry.Connection, requestID, action, resource string) {
	g.log.Info("action denied",
		zap.String("client_id", conn.ClientID),
		zap.String("action", action),
		zap.String("resource", resource))
	g.sendError(ctx, conn, requestID,
		kephasgate.NewSecurityError(kephasgate.CodeForbidden, action+" on "+resource+" is not allowed"))
}

func (g *Gateway) handleRPC(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	method := env.StringValue("method")
	if !g.security.AuthorizeAction(ctx, conn.SessionID, "rpc", method) {
		g.forbidden(ctx, conn, env.RequestID, "rpc", method)
		return
	}

	resp, err := g.bridge.Handle(ctx, rpc.Request{
		Method:    method,
		Params:    env.Object("params"),
		RequestID: env.RequestID,
	})
	if err != nil {
		g.sendError(ctx, conn, env.RequestID, err)
		return
	}

	out, err := envelope.Encode(envelope.TypeRPCResponse, resp.Data(), 0, env.RequestID)
	if err != nil {
		// The handler result may not be JSON serialisable.
		g.sendError(ctx, conn, env.RequestID, err)
		return
	}
	if err := conn.Send(ctx, out); err != nil {
		g.log.Debug("failed to send rpc response",
			zap.String("client_id", conn.ClientID),
			zap.String("method", method),
			zap.Error(err))
	}
}

func (g *Gateway) handleNotification(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	method := env.StringValue("method")
	if !g.security.AuthorizeAction(ctx, conn.SessionID, "rpc", method) {
		g.forbidden(ctx, conn, env.RequestID, "rpc", method)
		return
	}
	err := g.bridge.Dispatch(ctx, rpc.Request{
		Method:    method,
		Params:    env.Object("params"),
		RequestID: env.RequestID,
	})
	if err != nil {
		g.sendError(ctx, conn, env.RequestID, err)
	}
}

// eventTypes reads the eventTypes list, falling back to a single eventType.
func eventTypes(env *envelope.Envelope) []string {
	if types := env.StringList("eventTypes"); len(types) > 0 {
		return types
	}
	if t := env.StringValue("eventType"); t != "" {
		return []string{t}
	}
	return nil
}

func (g *Gateway) handleSubscribe(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	types := eventTypes(env)
	if len(types) == 0 {
		g.sendError(ctx, conn, env.RequestID,
			kephasgate.NewValidationError(kephasgate.CodeMissingField, "missing required field eventTypes"))
		return
	}
	for _, t := range types {
		if !g.security.AuthorizeAction(ctx, conn.SessionID, "subscribe", t) {
			g.forbidden(ctx, conn, env.RequestID, "subscribe", t)
			return
		}
	}

	all := g.index.Subscribe(conn.ClientID, types...)
	conn.TrackSubscriptions(types...)
	g.mirrorSubscriptions(ctx, conn.ClientID, types, true)
	g.log.Debug("subscribed", zap.String("client_id", conn.ClientID), zap.Strings("event_types", types))
	g.reply(ctx, conn, envelope.TypeSubscribe, map[string]any{
		"requestId":     env.RequestID,
		"eventTypes":    types,
		"subscriptions": all,
	})
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	types := eventTypes(env)
	if len(types) == 0 {
		g.sendError(ctx, conn, env.RequestID,
			kephasgate.NewValidationError(kephasgate.CodeMissingField, "missing required field eventTypes"))
		return
	}

	remaining := g.index.Unsubscribe(conn.ClientID, types...)
	conn.UntrackSubscriptions(types...)
	g.mirrorSubscriptions(ctx, conn.ClientID, types, false)
	g.reply(ctx, conn, envelope.TypeUnsubscribe, map[string]any{
		"requestId":     env.RequestID,
		"eventTypes":    types,
		"subscriptions": remaining,
	})
}

// handleSync hands over anything queued since the connection opened.
func (g *Gateway) handleSync(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	mu := g.stripe(conn.ClientID)
	mu.Lock()
	pending := g.queue.DequeueAll(ctx, conn.ClientID)
	mu.Unlock()

	messages := make([]any, 0, len(pending))
	for _, m := range pending {
		messages = append(messages, map[string]any{
			"envelope": m.Envelope.ToWire(),
			"queuedAt": m.QueuedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.reply(ctx, conn, envelope.TypeSyncResponse, map[string]any{
		"requestId": env.RequestID,
		"messages":  messages,
		"count":     len(pending),
	})
	g.reply(ctx, conn, envelope.TypeSyncComplete, map[string]any{
		"requestId": env.RequestID,
		"count":     len(pending),
	})
}

func (g *Gateway) handleTokenRefresh(ctx context.Context, conn *registry.Connection, env *envelope.Envelope) {
	info, err := g.security.RefreshToken(ctx, conn.SessionID, env.StringValue("token"))
	if err != nil {
		g.sendError(ctx, conn, env.RequestID, err)
		return
	}
	g.reply(ctx, conn, envelope.TypeAuthResponse, map[string]any{
		"requestId":       env.RequestID,
		"success":         true,
		"sessionId":       info.SessionID,
		"clientId":        info.ClientID,
		"deviceId":        info.DeviceID,
		"authenticatedAt": info.AuthenticatedAt.UTC().Format(time.RFC3339Nano),
	})
}
