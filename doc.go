// Package kephasgate provides a real-time session and messaging gateway for
// mobile and IDE clients.
//
// The gateway brokers persistent websocket connections against a distributed
// backend. It authenticates devices, opens sessions, throttles abusive
// peers, verifies the integrity of every message, fans events out to
// subscribers, queues messages for offline clients and bridges RPC calls to
// registered handlers.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate"
//	    "github.com/luciancaetano/kephasgate/ws"
//	)
//
//	cfg := ws.DefaultConfig()
//	server, err := ws.New(cfg, ws.NewJWTValidator(secret, ""))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server.RegisterRPC("device.status", kephasgate.RPCHandlerFunc(func(ctx context.Context, params map[string]any) (any, error) {
//	    return map[string]any{"status": "ok"}, nil
//	}))
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	server.BroadcastEvent(ctx, "price_update", map[string]any{"symbol": "ACME", "price": 12.5})
//
// # Envelope Format
//
// Every frame is a JSON envelope:
//
//	{"type":"rpc_request","requestId":"...","timestamp":"2026-01-02T15:04:05.999Z",
//	 "sequence":3,"data":{"method":"add","params":{"a":1,"b":2}},"hash":"..."}
//
// The hash is the hex SHA-256 of the canonical (sorted keys) JSON form of the
// other five fields. Envelopes with a missing or wrong hash are rejected;
// repeated integrity failures terminate the connection.
//
// # Connecting
//
// Clients open the websocket with a bearer token and a device id:
//
//	GET /ws?device_id=dev-1
//	Authorization: Bearer <jwt>
//
// Passing session_id resumes a live session owned by the same device, which
// keeps the client id, its subscriptions and its offline queue.
//
// # Security
//
//   - IP blocklist shared across instances
//   - Per-IP connection attempt throttling and failed-attempt lockout
//   - Per-IP and per-device connection caps
//   - Idle session expiry
//   - Per-session message throttling, size limit and content denylist
//   - Per-frame flood guard at the transport
//
// # Distributed Mode
//
// With a Redis store configured, session invalidations, IP blocks, broadcast
// events and RPC notifications propagate to every gateway instance, and
// offline queues are mirrored with a TTL.
package kephasgate
