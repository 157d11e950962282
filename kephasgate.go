package kephasgate

import "context"

// Gateway defines the public surface of a session and messaging gateway.
//
// All messages exchanged between the gateway and clients are JSON envelopes
// carrying a type, a request id, a timestamp, a per-connection sequence
// number, a data object and an integrity hash.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasgate/ws"
//
//	server, err := ws.New(ws.DefaultConfig(), ws.NewJWTValidator(secret, ""))
//	if err != nil {
//	    return err
//	}
//
//	server.RegisterRPC("device.status", kephasgate.RPCHandlerFunc(func(ctx context.Context, params map[string]any) (any, error) {
//	    return map[string]any{"status": "ok"}, nil
//	}))
//
//	server.Start(ctx)
type Gateway interface {
	// Start launches the background tasks (expiry sweep, ping loop and the
	// distributed bus listener when a store is configured).
	//
	// Returns an error if the gateway is already running.
	Start(ctx context.Context) error

	// Stop cancels the background tasks and closes every live connection.
	Stop(ctx context.Context) error

	// RegisterRPC registers a handler for an RPC method. The last
	// registration for a method wins.
	//
	// Example:
	//
	//	gw.RegisterRPC("add", kephasgate.RPCHandlerFunc(func(ctx context.Context, params map[string]any) (any, error) {
	//	    a, _ := params["a"].(float64)
	//	    b, _ := params["b"].(float64)
	//	    return a + b, nil
	//	}))
	RegisterRPC(method string, handler RPCHandler)

	// UnregisterRPC removes the handler for method, if any.
	UnregisterRPC(method string)

	// BroadcastEvent delivers an event to every subscriber of eventType.
	//
	// Subscribers with a live connection receive it immediately; subscribers
	// without one get it queued for their next connection. When a
	// distributed store is configured the event is also published so sibling
	// gateway instances can deliver it to their own subscribers.
	//
	// When target is non-empty only the listed client ids are considered.
	BroadcastEvent(ctx context.Context, eventType string, data map[string]any, target ...string) (Delivery, error)

	// Notify publishes a fire-and-forget RPC notification on the distributed
	// bus. Publish failures are logged, never returned.
	Notify(ctx context.Context, method string, params map[string]any)
}

// Delivery summarises the local outcome of a broadcast.
type Delivery struct {
	// Delivered counts subscribers reached over a live connection.
	Delivered int
	// Queued counts subscribers whose copy went to the offline queue.
	Queued int
}

// RPCHandler handles one RPC method.
//
// Handlers run in their own goroutine with a bounded context. A returned
// error becomes a failed rpc_response; it never terminates the connection.
type RPCHandler interface {
	Handle(ctx context.Context, params map[string]any) (any, error)
}

// RPCHandlerFunc adapts an ordinary function to the RPCHandler interface.
type RPCHandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Handle calls f(ctx, params).
func (f RPCHandlerFunc) Handle(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Client represents one live transport link to a device.
//
// Each client has a unique transport identifier. The client's context is
// cancelled when the connection closes, which stops any queued writes.
type Client interface {
	// ID returns the transport identifier, generated when the socket is
	// accepted and constant for the lifetime of the link.
	ID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the client's lifecycle context.
	Context() context.Context

	// Send queues an encoded frame for delivery. Send never blocks on a slow
	// peer: when the outbound buffer is full it fails immediately.
	//
	// Returns an error if the connection is closed or the buffer is full.
	Send(ctx context.Context, data []byte) error

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific close code and reason.
	//
	// Common close codes:
	//   - 1000 (CloseNormal): Normal closure
	//   - 1001 (CloseGoingAway): Endpoint going away
	//   - 1008 (ClosePolicyViolation): Authentication or security failure
	//   - 1013 (CloseTryAgainLater): Gateway at capacity
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}
