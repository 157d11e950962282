package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/store"
)

// tokenValidator accepts tokens of the form "tok:<deviceId>".
var tokenValidator = AuthValidatorFunc(func(_ context.Context, token string) (DeviceIdentity, error) {
	device, ok := strings.CutPrefix(token, "tok:")
	if !ok {
		return DeviceIdentity{}, kephasgate.NewAuthenticationError(kephasgate.CodeInvalidToken, "bad token")
	}
	return DeviceIdentity{DeviceID: device, Fingerprint: "fp-" + device}, nil
})

func creds(device string) Credentials {
	return Credentials{Token: "tok:" + device, DeviceID: device}
}

func newManager(t *testing.T, opts ...Option) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	m, err := NewManager(DefaultConfig(), tokenValidator, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return m, clk
}

// TestManager_Authenticate tests a successful authentication
func TestManager_Authenticate(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	info, err := m.AuthenticateConnection(context.Background(), creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	assert.NotEmpty(t, info.SessionID)
	assert.NotEmpty(t, info.ClientID)
	assert.Equal(t, "dev-1", info.DeviceID)
	assert.False(t, info.Resumed)

	s, ok := m.Session(info.SessionID)
	require.True(t, ok)
	assert.Equal(t, "fp-dev-1", s.DeviceFingerprint)
	assert.Equal(t, "t1", s.TransportID)
	assert.Equal(t, 1, m.ConnectionsFrom("10.0.0.1"))
	assert.Equal(t, 1, m.ConnectionsOf("dev-1"))
}

// TestManager_AuthenticateFailures tests every rejection reason
func TestManager_AuthenticateFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(t *testing.T, m *Manager)
		creds    Credentials
		wantKind error
		wantCode string
	}{
		{
			name:     "blocked ip",
			setup:    func(t *testing.T, m *Manager) { require.NoError(t, m.BlockIP(context.Background(), "10.0.0.1")) },
			creds:    creds("dev-1"),
			wantKind: kephasgate.ErrSecurity,
			wantCode: kephasgate.CodeIPBlocked,
		},
		{
			name:     "missing token",
			creds:    Credentials{DeviceID: "dev-1"},
			wantKind: kephasgate.ErrAuthentication,
			wantCode: kephasgate.CodeMissingCredentials,
		},
		{
			name:     "missing device",
			creds:    Credentials{Token: "tok:dev-1"},
			wantKind: kephasgate.ErrAuthentication,
			wantCode: kephasgate.CodeMissingCredentials,
		},
		{
			name:     "invalid token",
			creds:    Credentials{Token: "garbage", DeviceID: "dev-1"},
			wantKind: kephasgate.ErrAuthentication,
			wantCode: kephasgate.CodeInvalidToken,
		},
		{
			name:     "device mismatch",
			creds:    Credentials{Token: "tok:dev-2", DeviceID: "dev-1"},
			wantKind: kephasgate.ErrAuthentication,
			wantCode: kephasgate.CodeDeviceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t)
			if tt.setup != nil {
				tt.setup(t, m)
			}
			_, err := m.AuthenticateConnection(context.Background(), tt.creds, "10.0.0.1", "t1")
			require.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantCode, kephasgate.CodeOf(err))
			assert.Equal(t, 0, m.SessionCount())
		})
	}
}

// TestManager_ValidatorErrorIsAuthentication tests foreign validator errors are wrapped
func TestManager_ValidatorErrorIsAuthentication(t *testing.T) {
	t.Parallel()

	v := AuthValidatorFunc(func(context.Context, string) (DeviceIdentity, error) {
		return DeviceIdentity{}, errors.New("upstream unavailable")
	})
	m, err := NewManager(DefaultConfig(), v)
	require.NoError(t, err)

	_, err = m.AuthenticateConnection(context.Background(), creds("dev-1"), "10.0.0.1", "t1")
	require.ErrorIs(t, err, kephasgate.ErrAuthentication)
	assert.Equal(t, kephasgate.CodeInvalidToken, kephasgate.CodeOf(err))
}

// TestManager_Lockout tests repeated failures lock the address out until they age out
func TestManager_Lockout(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.AuthenticateConnection(ctx, Credentials{Token: "bad", DeviceID: "dev-1"}, "10.0.0.1", "t")
		require.ErrorIs(t, err, kephasgate.ErrAuthentication)
	}

	_, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t")
	require.ErrorIs(t, err, kephasgate.ErrSecurity)
	assert.Equal(t, kephasgate.CodeLockedOut, kephasgate.CodeOf(err))

	_, err = m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.2", "t")
	assert.NoError(t, err, "lockout is per address")

	clk.Add(5*time.Minute + time.Second)
	_, err = m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t")
	assert.NoError(t, err)
}

// TestManager_SuccessClearsFailures tests a good login resets the failure history
func TestManager_SuccessClearsFailures(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = m.AuthenticateConnection(ctx, Credentials{Token: "bad", DeviceID: "dev-1"}, "10.0.0.1", "t")
	}
	_, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _ = m.AuthenticateConnection(ctx, Credentials{Token: "bad", DeviceID: "dev-1"}, "10.0.0.1", "t")
	}
	_, err = m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t")
	assert.NoError(t, err)
}

// TestManager_ConnectionRate tests the per-address connection rate limit
func TestManager_ConnectionRate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConnectionRateMax = 3
	clk := clock.NewMock()
	m, err := NewManager(cfg, tokenValidator, WithClock(clk))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.AuthenticateConnection(ctx, creds(fmt.Sprintf("dev-%d", i)), "10.0.0.1", "t")
		require.NoError(t, err)
	}
	_, err = m.AuthenticateConnection(ctx, creds("dev-9"), "10.0.0.1", "t")
	require.ErrorIs(t, err, kephasgate.ErrSecurity)
	assert.Equal(t, kephasgate.CodeRateLimited, kephasgate.CodeOf(err))

	clk.Add(time.Minute + time.Second)
	_, err = m.AuthenticateConnection(ctx, creds("dev-9"), "10.0.0.1", "t")
	assert.NoError(t, err)
}

// TestManager_IPCap tests the 11th connection from one address is refused
func TestManager_IPCap(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.AuthenticateConnection(ctx, creds(fmt.Sprintf("dev-%d", i)), "10.0.0.1", "t")
		require.NoError(t, err)
	}
	_, err := m.AuthenticateConnection(ctx, creds("dev-10"), "10.0.0.1", "t")
	require.ErrorIs(t, err, kephasgate.ErrSecurity)
	assert.Equal(t, kephasgate.CodeIPCapExceeded, kephasgate.CodeOf(err))
	assert.Equal(t, 10, m.ConnectionsFrom("10.0.0.1"))
}

// TestManager_DeviceCap tests the 6th connection from one device is refused
func TestManager_DeviceCap(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	var first SessionInfo
	for i := 0; i < 5; i++ {
		info, err := m.AuthenticateConnection(ctx, creds("dev-1"), fmt.Sprintf("10.0.0.%d", i), "t")
		require.NoError(t, err)
		if i == 0 {
			first = info
		}
	}
	_, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.1.1", "t")
	require.ErrorIs(t, err, kephasgate.ErrSecurity)
	assert.Equal(t, kephasgate.CodeDeviceCapExceeded, kephasgate.CodeOf(err))

	// Invalidation releases the slot.
	require.True(t, m.InvalidateSession(ctx, first.SessionID))
	assert.Equal(t, 4, m.ConnectionsOf("dev-1"))
	_, err = m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.1.1", "t")
	assert.NoError(t, err)
}

// TestManager_CapIsAtomic tests concurrent logins never exceed the device cap
func TestManager_CapIsAtomic(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConnectionRateMax = 1000
	cfg.MaxConnectionsPerIP = 1000
	m, err := NewManager(cfg, tokenValidator)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AuthenticateConnection(context.Background(), creds("dev-1"), "10.0.0.1", "t"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, cfg.MaxConnectionsPerDevice, admitted)
	assert.Equal(t, cfg.MaxConnectionsPerDevice, m.ConnectionsOf("dev-1"))
}

// TestManager_Resume tests reconnecting with a session id keeps the session
func TestManager_Resume(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	clk.Add(time.Minute)
	c := creds("dev-1")
	c.SessionID = info.SessionID
	resumed, err := m.AuthenticateConnection(ctx, c, "10.0.0.2", "t2")
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	assert.Equal(t, info.SessionID, resumed.SessionID)
	assert.Equal(t, info.ClientID, resumed.ClientID)
	assert.Equal(t, 1, m.SessionCount())
	assert.Equal(t, 0, m.ConnectionsFrom("10.0.0.1"))
	assert.Equal(t, 1, m.ConnectionsFrom("10.0.0.2"))

	s, _ := m.Session(info.SessionID)
	assert.Equal(t, "t2", s.TransportID)
	assert.Equal(t, clk.Now(), s.LastActivityAt)

	// Another device cannot take the session over.
	other := creds("dev-2")
	other.SessionID = info.SessionID
	fresh, err := m.AuthenticateConnection(ctx, other, "10.0.0.3", "t3")
	require.NoError(t, err)
	assert.False(t, fresh.Resumed)
	assert.NotEqual(t, info.SessionID, fresh.SessionID)
}

// TestManager_ResumeExpired tests an expired session yields a fresh one
func TestManager_ResumeExpired(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	clk.Add(31 * time.Minute)
	c := creds("dev-1")
	c.SessionID = info.SessionID
	fresh, err := m.AuthenticateConnection(ctx, c, "10.0.0.1", "t2")
	require.NoError(t, err)

	assert.False(t, fresh.Resumed)
	assert.NotEqual(t, info.SessionID, fresh.SessionID)
	assert.Equal(t, 1, m.SessionCount())
}

// TestManager_SessionExpiry tests an idle session is denied and removed
func TestManager_SessionExpiry(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	var invalidated []string
	m.OnInvalidate(func(s Session) { invalidated = append(invalidated, s.SessionID) })

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	assert.True(t, m.AuthorizeAction(ctx, info.SessionID, "rpc", "add"))

	clk.Add(31 * time.Minute)
	assert.False(t, m.AuthorizeAction(ctx, info.SessionID, "rpc", "add"))

	_, ok := m.Session(info.SessionID)
	assert.False(t, ok)
	assert.Equal(t, []string{info.SessionID}, invalidated)
	assert.Equal(t, 0, m.ConnectionsFrom("10.0.0.1"))
	assert.False(t, m.AuthorizeAction(ctx, info.SessionID, "rpc", "add"))
}

// TestManager_ActivityExtendsSession tests authorised actions refresh activity
func TestManager_ActivityExtendsSession(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clk.Add(20 * time.Minute)
		require.True(t, m.AuthorizeAction(ctx, info.SessionID, "rpc", ""))
	}
	assert.Equal(t, 0, m.Sweep(ctx))
}

// TestManager_Sweep tests the sweep invalidates only idle sessions
func TestManager_Sweep(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	idle, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	clk.Add(20 * time.Minute)
	busy, err := m.AuthenticateConnection(ctx, creds("dev-2"), "10.0.0.2", "t2")
	require.NoError(t, err)
	clk.Add(11 * time.Minute)

	assert.Equal(t, 1, m.Sweep(ctx))
	_, ok := m.Session(idle.SessionID)
	assert.False(t, ok)
	_, ok = m.Session(busy.SessionID)
	assert.True(t, ok)
}

// TestManager_SweepSparesTouchedSession tests activity between the scan and
// the removal keeps a session alive
func TestManager_SweepSparesTouchedSession(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	clk.Add(31 * time.Minute)

	m.afterScan = func() { m.touch(info.SessionID) }

	assert.Equal(t, 0, m.Sweep(ctx))
	_, ok := m.Session(info.SessionID)
	assert.True(t, ok)
	assert.Equal(t, 1, m.ConnectionsFrom("10.0.0.1"))
}

// TestManager_ResumeOnSibling tests a session created on one instance is
// adopted by another through the store mirror
func TestManager_ResumeOnSibling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shared := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = shared.Close() })

	a, err := NewManager(DefaultConfig(), tokenValidator, WithStore(shared), WithInstanceID("a"))
	require.NoError(t, err)
	b, err := NewManager(DefaultConfig(), tokenValidator, WithStore(shared), WithInstanceID("b"))
	require.NoError(t, err)

	sub, err := shared.Subscribe(ctx, kephasgate.ChannelSessionInvalidate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	orig, err := a.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	resume := creds("dev-1")
	resume.SessionID = orig.SessionID
	info, err := b.AuthenticateConnection(ctx, resume, "10.0.0.2", "t2")
	require.NoError(t, err)
	assert.True(t, info.Resumed)
	assert.Equal(t, orig.SessionID, info.SessionID)
	assert.Equal(t, orig.ClientID, info.ClientID)
	assert.Equal(t, 1, b.ConnectionsFrom("10.0.0.2"))
	assert.Equal(t, 1, b.ConnectionsOf("dev-1"))

	var invalidated, moved []Session
	a.OnInvalidate(func(s Session) { invalidated = append(invalidated, s) })
	a.OnMoved(func(s Session) { moved = append(moved, s) })

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.Receive(rctx)
	require.NoError(t, err)
	a.ApplyNotice(ctx, msg.Channel, msg.Payload)

	_, ok := a.Session(orig.SessionID)
	assert.False(t, ok, "the old instance releases the session")
	assert.Equal(t, 0, a.ConnectionsFrom("10.0.0.1"))
	assert.Empty(t, invalidated)
	require.Len(t, moved, 1)
	assert.Equal(t, orig.ClientID, moved[0].ClientID)
	_, ok = b.Session(orig.SessionID)
	assert.True(t, ok)

	// Another device cannot take the session over.
	other := creds("dev-2")
	other.SessionID = orig.SessionID
	fresh, err := a.AuthenticateConnection(ctx, other, "10.0.0.3", "t3")
	require.NoError(t, err)
	assert.False(t, fresh.Resumed)
	assert.NotEqual(t, orig.ClientID, fresh.ClientID)
}

// TestManager_ResumeMirrorExpired tests an idle mirrored session is not adopted
func TestManager_ResumeMirrorExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewMock()
	shared := store.NewMemoryStore(clk)
	cfg := DefaultConfig()

	a, err := NewManager(cfg, tokenValidator, WithStore(shared), WithClock(clk), WithInstanceID("a"))
	require.NoError(t, err)
	b, err := NewManager(cfg, tokenValidator, WithStore(shared), WithClock(clk), WithInstanceID("b"))
	require.NoError(t, err)

	orig, err := a.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	clk.Add(cfg.SessionTimeout + time.Minute)

	resume := creds("dev-1")
	resume.SessionID = orig.SessionID
	info, err := b.AuthenticateConnection(ctx, resume, "10.0.0.2", "t2")
	require.NoError(t, err)
	assert.False(t, info.Resumed)
	assert.NotEqual(t, orig.ClientID, info.ClientID)
}

// TestManager_Policy tests the pluggable action policy
func TestManager_Policy(t *testing.T) {
	t.Parallel()

	policy, err := NewExprPolicy(`action != "admin" || deviceId startsWith "ops-"`)
	require.NoError(t, err)
	m, _ := newManager(t, WithPolicy(policy))
	ctx := context.Background()

	user, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	ops, err := m.AuthenticateConnection(ctx, creds("ops-1"), "10.0.0.1", "t2")
	require.NoError(t, err)

	assert.True(t, m.AuthorizeAction(ctx, user.SessionID, "rpc", "add"))
	assert.False(t, m.AuthorizeAction(ctx, user.SessionID, "admin", ""))
	assert.True(t, m.AuthorizeAction(ctx, ops.SessionID, "admin", ""))
}

func message(t *testing.T, data map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Encode(envelope.TypeRPCRequest, data, 1, "")
	require.NoError(t, err)
	return env
}

// TestManager_ValidateMessage tests size, content and rate screening
func TestManager_ValidateMessage(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxMessageSize = 512
	cfg.MessageRateMax = 3
	clk := clock.NewMock()
	m, err := NewManager(cfg, tokenValidator, WithClock(clk))
	require.NoError(t, err)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	clean := message(t, map[string]any{"method": "add", "params": map[string]any{"a": 1}})
	assert.True(t, m.ValidateMessage(ctx, info.SessionID, clean, 100))
	assert.False(t, m.ValidateMessage(ctx, info.SessionID, clean, 513), "oversized")
	assert.False(t, m.ValidateMessage(ctx, "nope", clean, 100), "unknown session")

	hostile := []map[string]any{
		{"note": "<script>alert(1)</script>"},
		{"params": map[string]any{"q": "1 UNION SELECT password FROM users"}},
		{"params": []any{"ok", "x; rm -rf /"}},
		{"name": "$(whoami)"},
		{"link": "javascript:alert(1)"},
	}
	for _, data := range hostile {
		assert.False(t, m.ValidateMessage(ctx, info.SessionID, message(t, data), 100), "%v", data)
	}

	assert.True(t, m.ValidateMessage(ctx, info.SessionID, clean, 100))
	assert.True(t, m.ValidateMessage(ctx, info.SessionID, clean, 100))
	assert.False(t, m.ValidateMessage(ctx, info.SessionID, clean, 100), "rate limited")

	clk.Add(time.Minute + time.Second)
	assert.True(t, m.ValidateMessage(ctx, info.SessionID, clean, 100))
}

// TestManager_RefreshToken tests token refresh for a live session
func TestManager_RefreshToken(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	ctx := context.Background()

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	clk.Add(time.Minute)
	refreshed, err := m.RefreshToken(ctx, info.SessionID, "tok:dev-1")
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, refreshed.SessionID)
	assert.Equal(t, clk.Now(), refreshed.AuthenticatedAt)

	_, err = m.RefreshToken(ctx, info.SessionID, "tok:dev-2")
	assert.ErrorIs(t, err, kephasgate.ErrAuthentication)

	_, err = m.RefreshToken(ctx, info.SessionID, "junk")
	assert.ErrorIs(t, err, kephasgate.ErrAuthentication)

	_, err = m.RefreshToken(ctx, "missing", "tok:dev-1")
	assert.ErrorIs(t, err, kephasgate.ErrNotFound)
}

// TestManager_DistributedInvalidation tests session and blocklist notices between instances
func TestManager_DistributedInvalidation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := store.NewMemoryStore(nil)
	sub, err := bus.Subscribe(ctx, kephasgate.ChannelSessionInvalidate, kephasgate.ChannelIPBlock)
	require.NoError(t, err)
	defer sub.Close()

	a, err := NewManager(DefaultConfig(), tokenValidator, WithStore(bus), WithInstanceID("gw-a"))
	require.NoError(t, err)
	b, err := NewManager(DefaultConfig(), tokenValidator, WithStore(bus), WithInstanceID("gw-b"))
	require.NoError(t, err)

	info, err := a.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	mirrored, err := bus.Get(ctx, kephasgate.KeySessionPrefix+info.SessionID)
	require.NoError(t, err)
	assert.Contains(t, string(mirrored), info.SessionID)

	require.True(t, a.InvalidateSession(ctx, info.SessionID))
	_, err = bus.Get(ctx, kephasgate.KeySessionPrefix+info.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, kephasgate.ChannelSessionInvalidate, msg.Channel)

	// The origin ignores its own notice.
	a.ApplyNotice(ctx, msg.Channel, msg.Payload)

	require.NoError(t, a.BlockIP(ctx, "10.9.9.9"))
	msg, err = sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, kephasgate.ChannelIPBlock, msg.Channel)

	assert.False(t, b.IsBlocked("10.9.9.9"))
	b.ApplyNotice(ctx, msg.Channel, msg.Payload)
	assert.True(t, b.IsBlocked("10.9.9.9"))

	// A fresh instance loads the mirrored blocklist.
	c, err := NewManager(DefaultConfig(), tokenValidator, WithStore(bus))
	require.NoError(t, err)
	require.NoError(t, c.LoadBlocklist(ctx))
	assert.True(t, c.IsBlocked("10.9.9.9"))

	require.NoError(t, a.UnblockIP(ctx, "10.9.9.9"))
	assert.False(t, a.IsBlocked("10.9.9.9"))
}

// TestManager_RemoteSessionNotice tests a peer's invalidation applies locally and runs hooks
func TestManager_RemoteSessionNotice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newManager(t, WithInstanceID("gw-b"))

	info, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)

	var hooked Session
	m.OnInvalidate(func(s Session) { hooked = s })

	payload, err := json.Marshal(sessionNotice{Origin: "gw-a", SessionID: info.SessionID, ClientID: info.ClientID})
	require.NoError(t, err)
	m.ApplyNotice(ctx, kephasgate.ChannelSessionInvalidate, payload)

	assert.Equal(t, 0, m.SessionCount())
	assert.Equal(t, info.ClientID, hooked.ClientID)

	m.ApplyNotice(ctx, kephasgate.ChannelSessionInvalidate, []byte("{"))
}

// TestManager_BlockIPInvalidatesSessions tests blocking drops live sessions from the address
func TestManager_BlockIPInvalidatesSessions(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.AuthenticateConnection(ctx, creds("dev-1"), "10.0.0.1", "t1")
	require.NoError(t, err)
	_, err = m.AuthenticateConnection(ctx, creds("dev-2"), "10.0.0.2", "t2")
	require.NoError(t, err)

	require.NoError(t, m.BlockIP(ctx, "10.0.0.1"))
	assert.Equal(t, 1, m.SessionCount())
	assert.Equal(t, 0, m.ConnectionsFrom("10.0.0.1"))
}

// TestNewManager_Errors tests constructor validation
func TestNewManager_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewManager(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Denylist = []string{"("}
	_, err = NewManager(cfg, tokenValidator)
	assert.Error(t, err)
}
