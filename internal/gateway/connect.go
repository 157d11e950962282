package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/security"
)

// reason says why a connection ended.
type reason string

const (
	reasonClientClosed  reason = "client_closed"
	reasonClientRequest reason = "client_request"
	reasonTimeout       reason = "ping_timeout"
	reasonSecurity      reason = "security_violation"
	reasonSessionEnded  reason = "session_ended"
	reasonReplaced      reason = "replaced"
	reasonShutdown      reason = "shutdown"
)

func (r reason) closeCode() int {
	switch r {
	case reasonSecurity, reasonSessionEnded:
		return kephasgate.ClosePolicyViolation
	case reasonShutdown, reasonTimeout:
		return kephasgate.CloseGoingAway
	default:
		return kephasgate.CloseNormal
	}
}

// HandleConnect admits a freshly accepted transport link.
//
// The global capacity is checked before authentication. On success the
// client joins its device room, receives a connect envelope followed by
// everything queued while it was offline, and only then any live traffic.
// On failure an error envelope is sent and the link is closed.
func (g *Gateway) HandleConnect(ctx context.Context, client kephasgate.Client, creds security.Credentials, ip string) (*registry.Connection, error) {
	if !g.registry.HasCapacity() {
		err := kephasgate.NewSecurityError(kephasgate.CodeCapacityExceeded, "gateway is at capacity")
		g.refuse(ctx, client, err, kephasgate.CloseTryAgainLater)
		return nil, err
	}

	info, err := g.security.AuthenticateConnection(ctx, creds, ip, client.ID())
	if err != nil {
		g.refuse(ctx, client, err, kephasgate.ClosePolicyViolation)
		return nil, err
	}

	if old, ok := g.registry.Get(info.ClientID); ok {
		g.closeConnection(ctx, old, reasonReplaced)
	}
	if info.Resumed {
		g.restoreSubscriptions(ctx, info.ClientID)
	}

	conn := registry.NewConnection(client, registry.Info{
		ClientID:  info.ClientID,
		DeviceID:  info.DeviceID,
		SessionID: info.SessionID,
		RemoteIP:  ip,
		Resumed:   info.Resumed,
	}, g.clock)

	mu := g.stripe(info.ClientID)
	mu.Lock()
	if err := g.registry.Add(conn); err != nil {
		mu.Unlock()
		_ = conn.Transition(registry.StateError)
		if !info.Resumed {
			g.security.InvalidateSession(ctx, info.SessionID)
		}
		code := kephasgate.ClosePolicyViolation
		if kephasgate.CodeOf(err) == kephasgate.CodeCapacityExceeded {
			code = kephasgate.CloseTryAgainLater
		}
		g.refuse(ctx, client, err, code)
		return nil, err
	}
	pending := g.queue.DequeueAll(ctx, info.ClientID)
	mu.Unlock()

	g.registry.JoinRoom(info.ClientID, kephasgate.DeviceRoomPrefix+info.DeviceID)
	conn.TrackSubscriptions(g.index.SubscriptionsOf(info.ClientID)...)

	welcome, err := envelope.Encode(envelope.TypeConnect, map[string]any{
		"clientId":  info.ClientID,
		"sessionId": info.SessionID,
		"deviceId":  info.DeviceID,
		"resumed":   info.Resumed,
		"queued":    len(pending),
	}, 0, "")
	if err != nil {
		g.log.Error("failed to encode connect envelope", zap.Error(err))
	} else if err := conn.SendNow(ctx, welcome); err != nil {
		g.log.Warn("failed to send connect envelope", zap.String("client_id", info.ClientID), zap.Error(err))
	}

	for _, m := range pending {
		if err := conn.SendNow(ctx, m.Envelope); err != nil {
			g.log.Warn("failed to flush queued envelope, requeueing",
				zap.String("client_id", info.ClientID),
				zap.Error(err))
			g.queue.Enqueue(ctx, info.ClientID, m.Envelope)
		}
	}

	if err := conn.Transition(registry.StateConnected); err != nil {
		g.log.Warn("unexpected connection state", zap.String("client_id", info.ClientID), zap.Error(err))
	}
	if err := conn.Open(ctx); err != nil {
		g.log.Warn("failed to send held envelopes", zap.String("client_id", info.ClientID), zap.Error(err))
	}

	g.metrics.SetConnections(g.registry.Count())
	g.log.Info("client connected",
		zap.String("client_id", info.ClientID),
		zap.String("device_id", info.DeviceID),
		zap.String("transport_id", client.ID()),
		zap.Bool("resumed", info.Resumed),
		zap.Int("flushed", len(pending)))
	return conn, nil
}

// HandleTransportMessage routes a raw frame from client.
func (g *Gateway) HandleTransportMessage(ctx context.Context, client kephasgate.Client, raw []byte) {
	conn, ok := g.registry.GetByTransport(client.ID())
	if !ok {
		g.log.Debug("frame from unregistered transport", zap.String("transport_id", client.ID()))
		return
	}
	g.HandleMessage(ctx, conn, raw)
}

// HandleTransportClosed handles a link the client or the network closed.
// The session survives so the client can resume it.
func (g *Gateway) HandleTransportClosed(ctx context.Context, client kephasgate.Client) {
	conn, ok := g.registry.GetByTransport(client.ID())
	if !ok {
		return
	}
	g.closeConnection(ctx, conn, reasonClientClosed)
}

// closeConnection detaches conn and finishes the disconnect. It is a no-op
// for a connection that is no longer registered.
func (g *Gateway) closeConnection(ctx context.Context, conn *registry.Connection, r reason) bool {
	mu := g.stripe(conn.ClientID)
	mu.Lock()
	detached := g.registry.Detach(conn)
	mu.Unlock()

	if !detached {
		return false
	}
	g.finishDisconnect(ctx, conn, r)
	return true
}

// finishDisconnect runs the teardown for a connection already out of the
// registry. Subscriptions stay so the client keeps receiving queued events,
// except after a security violation which ends the session too.
func (g *Gateway) finishDisconnect(ctx context.Context, conn *registry.Connection, r reason) {
	// ctx is often the link's own context, which ends with the close below.
	ctx = context.WithoutCancel(ctx)

	to := registry.StateDisconnected
	if r == reasonSecurity {
		to = registry.StateError
	}
	_ = conn.Transition(to)

	if conn.Client.IsAlive() {
		if r == reasonSessionEnded {
			g.notifySessionEnded(ctx, conn)
		}
		if err := conn.Client.CloseWithCode(ctx, r.closeCode(), string(r)); err != nil {
			g.log.Debug("close failed", zap.String("client_id", conn.ClientID), zap.Error(err))
		}
	}
	switch r {
	case reasonSecurity:
		g.security.InvalidateSession(ctx, conn.SessionID)
	case reasonClientClosed, reasonClientRequest, reasonTimeout, reasonShutdown:
		g.security.Persist(ctx, conn.SessionID)
	}

	g.metrics.Disconnect(string(r))
	g.metrics.SetConnections(g.registry.Count())
	g.log.Info("client disconnected",
		zap.String("client_id", conn.ClientID),
		zap.String("device_id", conn.DeviceID),
		zap.String("reason", string(r)))
}

// onSessionInvalidated releases everything tied to a dead session.
func (g *Gateway) onSessionInvalidated(s security.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.index.RemoveClient(s.ClientID)
	g.queue.Drop(ctx, s.ClientID)
	g.dropSubscriptionMirror(ctx, s.ClientID)

	if conn, ok := g.registry.Get(s.ClientID); ok && conn.SessionID == s.SessionID {
		g.closeConnection(ctx, conn, reasonSessionEnded)
	}
}

// notifySessionEnded tells the client its session is gone so it
// re-authenticates instead of resuming.
func (g *Gateway) notifySessionEnded(ctx context.Context, conn *registry.Connection) {
	err := kephasgate.NewAuthenticationError(kephasgate.CodeSessionExpired, "session has ended")
	env, encErr := envelope.Encode(envelope.TypeError, errorData("", err), 0, "")
	if encErr != nil {
		return
	}
	if err := conn.SendNow(ctx, env); err != nil {
		g.log.Debug("failed to send session notice", zap.String("client_id", conn.ClientID), zap.Error(err))
	}
}

// refuse tells a client why it was not admitted and closes the link.
func (g *Gateway) refuse(ctx context.Context, client kephasgate.Client, err error, code int) {
	ctx = context.WithoutCancel(ctx)
	env, encErr := envelope.Encode(envelope.TypeError, errorData("", err), 1, "")
	if encErr == nil {
		if body, encErr := envelope.Marshal(env); encErr == nil {
			_ = client.Send(ctx, body)
		}
	}
	if cerr := client.CloseWithCode(ctx, code, kephasgate.CodeOf(err)); cerr != nil {
		g.log.Debug("close failed", zap.String("transport_id", client.ID()), zap.Error(cerr))
	}
	g.log.Info("connection refused",
		zap.String("transport_id", client.ID()),
		zap.String("remote_addr", client.RemoteAddr()),
		zap.Error(err))
}

// errorData is the body of an error envelope.
func errorData(requestID string, err error) map[string]any {
	kind, code, msg := kephasgate.KindInternal, "internal_error", "internal error"
	var ge *kephasgate.Error
	if errors.As(err, &ge) {
		kind, code, msg = ge.Kind, ge.Code, ge.Message
		if msg == "" {
			msg = ge.Error()
		}
	}
	data := map[string]any{
		"kind":    kind.String(),
		"code":    code,
		"message": msg,
	}
	if requestID != "" {
		data["requestId"] = requestID
	}
	return data
}

func (g *Gateway) sendError(ctx context.Context, conn *registry.Connection, requestID string, err error) {
	g.reply(ctx, conn, envelope.TypeError, errorData(requestID, err))
}

func (g *Gateway) reply(ctx context.Context, conn *registry.Connection, typ envelope.MessageType, data map[string]any) {
	env, err := envelope.Encode(typ, data, 0, "")
	if err != nil {
		g.log.Error("failed to encode reply", zap.Stringer("type", typ), zap.Error(err))
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		g.log.Debug("failed to send reply",
			zap.String("client_id", conn.ClientID),
			zap.Stringer("type", typ),
			zap.Error(err))
	}
}
