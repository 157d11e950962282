// Package rpc dispatches RPC requests and notifications to registered
// handlers.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds a handler when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Request is one RPC invocation.
type Request struct {
	Method    string
	Params    map[string]any
	RequestID string
}

// Response is the outcome of a handled request. Handler failures are
// carried in Error with Success false.
type Response struct {
	Success   bool
	RequestID string
	Result    any
	Error     string
	Timestamp time.Time
}

// Data returns r as an envelope data object.
func (r Response) Data() map[string]any {
	data := map[string]any{
		"success":   r.Success,
		"requestId": r.RequestID,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if r.Success {
		data["result"] = r.Result
	} else {
		data["error"] = r.Error
	}
	return data
}

// notice is the bus form of a notification.
type notice struct {
	Origin string         `json:"origin"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout bounds every handler invocation.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithPublisher sends notifications over the distributed bus.
func WithPublisher(p store.Publisher) Option {
	return func(b *Bridge) { b.publisher = p }
}

func WithInstanceID(id string) Option {
	return func(b *Bridge) { b.instanceID = id }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) { b.clock = clk }
}

// Bridge is the method registry.
type Bridge struct {
	mu       sync.RWMutex
	handlers map[string]kephasgate.RPCHandler

	timeout    time.Duration
	publisher  store.Publisher
	instanceID string
	clock      clock.Clock
	log        *zap.Logger
	metrics    *observability.Metrics
}

func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{handlers: make(map[string]kephasgate.RPCHandler)}
	for _, opt := range opts {
		opt(b)
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.log = b.log.With(zap.String("component", "rpc"))
	return b
}

// Register binds handler to method, replacing any previous handler.
func (b *Bridge) Register(method string, handler kephasgate.RPCHandler) {
	b.mu.Lock()
	b.handlers[method] = handler
	b.mu.Unlock()
}

func (b *Bridge) Unregister(method string) {
	b.mu.Lock()
	delete(b.handlers, method)
	b.mu.Unlock()
}

// Methods returns the registered method names, sorted.
func (b *Bridge) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.handlers))
	for m := range b.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) lookup(method string) (kephasgate.RPCHandler, error) {
	if method == "" {
		return nil, kephasgate.NewValidationError(kephasgate.CodeMissingMethod, "rpc request has no method")
	}
	b.mu.RLock()
	h, ok := b.handlers[method]
	b.mu.RUnlock()
	if !ok {
		return nil, kephasgate.NewValidationError(kephasgate.CodeUnknownMethod, fmt.Sprintf("method %q is not registered", method))
	}
	return h, nil
}

type outcome struct {
	result any
	err    error
}

// invoke runs h in its own goroutine and waits for it or ctx.
func (b *Bridge) invoke(ctx context.Context, method string, h kephasgate.RPCHandler, params map[string]any) (any, error) {
	done := make(chan outcome, 1)
	start := b.clock.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("rpc handler panicked", zap.String("method", method), zap.Any("panic", r))
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			b.metrics.ObserveRPC(method, "timeout", start)
			return nil, kephasgate.NewTimeoutError(kephasgate.CodeRPCTimeout, fmt.Sprintf("method %q did not complete", method)).Wrap(ctx.Err())
		}
		status := "ok"
		if o.err != nil {
			status = "error"
		}
		b.metrics.ObserveRPC(method, status, start)
		return o.result, o.err
	case <-ctx.Done():
		b.metrics.ObserveRPC(method, "timeout", start)
		return nil, kephasgate.NewTimeoutError(kephasgate.CodeRPCTimeout, fmt.Sprintf("method %q did not complete", method)).Wrap(ctx.Err())
	}
}

// Handle runs the handler for req under the bridge timeout.
//
// A missing or unknown method and a timeout are returned as errors; a
// handler error or panic becomes a failed Response.
func (b *Bridge) Handle(ctx context.Context, req Request) (Response, error) {
	h, err := b.lookup(req.Method)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	result, err := b.invoke(ctx, req.Method, h, req.Params)
	if kephasgate.KindOf(err) == kephasgate.KindTimeout {
		return Response{}, err
	}

	resp := Response{RequestID: req.RequestID, Timestamp: b.clock.Now()}
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	resp.Success = true
	resp.Result = result
	return resp, nil
}

// Dispatch invokes the handler for req without waiting for it. Handler
// failures are logged.
func (b *Bridge) Dispatch(ctx context.Context, req Request) error {
	h, err := b.lookup(req.Method)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		if _, err := b.invoke(ctx, req.Method, h, req.Params); err != nil {
			b.log.Warn("rpc notification failed", zap.String("method", req.Method), zap.Error(err))
		}
	}()
	return nil
}

// Notify asks every gateway instance to run method. With a bus configured
// the notification is published and each instance, this one included, runs
// it on receipt; otherwise it runs locally. Failures are logged only.
func (b *Bridge) Notify(ctx context.Context, method string, params map[string]any) {
	if b.publisher == nil {
		if err := b.Dispatch(ctx, Request{Method: method, Params: params}); err != nil {
			b.log.Debug("notification has no local handler", zap.String("method", method), zap.Error(err))
		}
		return
	}

	body, err := json.Marshal(notice{Origin: b.instanceID, Method: method, Params: params})
	if err != nil {
		b.log.Error("failed to encode notification", zap.String("method", method), zap.Error(err))
		return
	}
	if err := b.publisher.Publish(ctx, kephasgate.ChannelRPCNotify, body); err != nil {
		b.metrics.BusError()
		b.log.Error("failed to publish notification", zap.String("method", method), zap.Error(err))
	}
}

// HandleNotice runs a notification received from the bus. Methods without a
// local handler are ignored.
func (b *Bridge) HandleNotice(ctx context.Context, payload []byte) {
	var n notice
	if err := json.Unmarshal(payload, &n); err != nil {
		b.log.Warn("dropping unreadable notification", zap.Error(err))
		return
	}
	if err := b.Dispatch(ctx, Request{Method: n.Method, Params: n.Params}); err != nil {
		b.log.Debug("notification has no local handler", zap.String("method", n.Method), zap.String("origin", n.Origin))
	}
}
