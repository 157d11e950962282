package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/store"
)

func add(_ context.Context, params map[string]any) (any, error) {
	a, _ := params["a"].(float64)
	b, _ := params["b"].(float64)
	return a + b, nil
}

// TestBridge_Handle tests successful, failing and panicking handlers
func TestBridge_Handle(t *testing.T) {
	t.Parallel()

	b := NewBridge()
	b.Register("add", kephasgate.RPCHandlerFunc(add))
	b.Register("fail", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("device offline")
	}))
	b.Register("panic", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) {
		panic("boom")
	}))

	tests := []struct {
		name        string
		method      string
		wantSuccess bool
		wantResult  any
		wantError   string
	}{
		{"success", "add", true, 3.0, ""},
		{"handler error", "fail", false, nil, "device offline"},
		{"handler panic", "panic", false, nil, "handler panicked: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := b.Handle(context.Background(), Request{
				Method:    tt.method,
				Params:    map[string]any{"a": 1.0, "b": 2.0},
				RequestID: "req-" + tt.name,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, resp.Success)
			assert.Equal(t, tt.wantResult, resp.Result)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, "req-"+tt.name, resp.RequestID)
			assert.False(t, resp.Timestamp.IsZero())
		})
	}
}

// TestBridge_HandleValidation tests missing and unknown methods
func TestBridge_HandleValidation(t *testing.T) {
	t.Parallel()

	b := NewBridge()

	_, err := b.Handle(context.Background(), Request{})
	require.ErrorIs(t, err, kephasgate.ErrValidation)
	assert.Equal(t, kephasgate.CodeMissingMethod, kephasgate.CodeOf(err))

	_, err = b.Handle(context.Background(), Request{Method: "nope"})
	require.ErrorIs(t, err, kephasgate.ErrValidation)
	assert.Equal(t, kephasgate.CodeUnknownMethod, kephasgate.CodeOf(err))
}

// TestBridge_Timeout tests a slow handler yields a timeout error
func TestBridge_Timeout(t *testing.T) {
	t.Parallel()

	b := NewBridge(WithTimeout(20 * time.Millisecond))
	b.Register("slow", kephasgate.RPCHandlerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := b.Handle(context.Background(), Request{Method: "slow"})
	assert.ErrorIs(t, err, kephasgate.ErrTimeout)
}

// TestBridge_RegisterLastWins tests re-registration and removal
func TestBridge_RegisterLastWins(t *testing.T) {
	t.Parallel()

	b := NewBridge()
	b.Register("v", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) { return 1, nil }))
	b.Register("v", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) { return 2, nil }))

	resp, err := b.Handle(context.Background(), Request{Method: "v"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Result)
	assert.Equal(t, []string{"v"}, b.Methods())

	b.Unregister("v")
	_, err = b.Handle(context.Background(), Request{Method: "v"})
	assert.ErrorIs(t, err, kephasgate.ErrValidation)
}

// TestBridge_Dispatch tests fire-and-forget invocation
func TestBridge_Dispatch(t *testing.T) {
	t.Parallel()

	b := NewBridge()
	called := make(chan map[string]any, 1)
	b.Register("log", kephasgate.RPCHandlerFunc(func(_ context.Context, params map[string]any) (any, error) {
		called <- params
		return nil, nil
	}))

	require.NoError(t, b.Dispatch(context.Background(), Request{Method: "log", Params: map[string]any{"line": "x"}}))
	select {
	case params := <-called:
		assert.Equal(t, "x", params["line"])
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	assert.ErrorIs(t, b.Dispatch(context.Background(), Request{Method: "missing"}), kephasgate.ErrValidation)
}

// TestBridge_NotifyOverBus tests notifications reach every bridge on the bus
func TestBridge_NotifyOverBus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := store.NewMemoryStore(nil)
	sub, err := bus.Subscribe(ctx, kephasgate.ChannelRPCNotify)
	require.NoError(t, err)
	defer sub.Close()

	sender := NewBridge(WithPublisher(bus), WithInstanceID("gw-a"))
	receiver := NewBridge(WithPublisher(bus), WithInstanceID("gw-b"))

	var mu sync.Mutex
	var got map[string]any
	done := make(chan struct{})
	receiver.Register("cache.flush", kephasgate.RPCHandlerFunc(func(_ context.Context, params map[string]any) (any, error) {
		mu.Lock()
		got = params
		mu.Unlock()
		close(done)
		return nil, nil
	}))

	sender.Notify(ctx, "cache.flush", map[string]any{"scope": "all"})

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	receiver.HandleNotice(ctx, msg.Payload)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("notification not handled")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "all", got["scope"])
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("bus down")
}

// TestBridge_NotifyFailureIsSilent tests publish failures are not surfaced
func TestBridge_NotifyFailureIsSilent(t *testing.T) {
	t.Parallel()

	b := NewBridge(WithPublisher(brokenPublisher{}))
	assert.NotPanics(t, func() {
		b.Notify(context.Background(), "x", nil)
	})
}

// TestResponse_Data tests the envelope form of a response
func TestResponse_Data(t *testing.T) {
	t.Parallel()

	ok := Response{Success: true, RequestID: "r", Result: 3.0, Timestamp: time.Unix(0, 0)}.Data()
	assert.Equal(t, true, ok["success"])
	assert.Equal(t, 3.0, ok["result"])
	assert.NotContains(t, ok, "error")

	failed := Response{RequestID: "r", Error: "boom"}.Data()
	assert.Equal(t, false, failed["success"])
	assert.Equal(t, "boom", failed["error"])
	assert.NotContains(t, failed, "result")
}
