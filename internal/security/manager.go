// Package security authenticates connections and guards sessions against
// abuse: blocklists, rate limits, brute-force lockout, connection caps and
// message content checks.
package security

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
	"github.com/luciancaetano/kephasgate/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the manager's limits.
type Config struct {
	MaxConnectionsPerIP     int
	MaxConnectionsPerDevice int
	SessionTimeout          time.Duration

	ConnectionRateMax    int
	ConnectionRateWindow time.Duration
	MessageRateMax       int
	MessageRateWindow    time.Duration

	FailedAttemptLimit  int
	FailedAttemptWindow time.Duration

	// MaxMessageSize is the largest serialised envelope ValidateMessage accepts.
	MaxMessageSize int
	// Denylist adds patterns to the built-in content signatures.
	Denylist []string
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP:     10,
		MaxConnectionsPerDevice: 5,
		SessionTimeout:          30 * time.Minute,
		ConnectionRateMax:       20,
		ConnectionRateWindow:    time.Minute,
		MessageRateMax:          100,
		MessageRateWindow:       time.Minute,
		FailedAttemptLimit:      5,
		FailedAttemptWindow:     5 * time.Minute,
		MaxMessageSize:          1 << 20,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore mirrors sessions and the blocklist into s and propagates
// invalidations over its bus.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithPolicy replaces the default allow-all action policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithInstanceID tags bus notices so this instance can skip its own.
func WithInstanceID(id string) Option {
	return func(m *Manager) { m.instanceID = id }
}

// Manager owns the session table.
type Manager struct {
	cfg        Config
	validator  AuthValidator
	policy     Policy
	store      store.Store
	clock      clock.Clock
	log        *zap.Logger
	metrics    *observability.Metrics
	instanceID string

	limiter  *ratelimit.Limiter
	attempts *ratelimit.AttemptTracker
	deny     denylist

	mu          sync.RWMutex
	sessions    map[string]*Session
	ipCount     map[string]int
	deviceCount map[string]int

	blockMu sync.RWMutex
	blocked map[string]struct{}

	hookMu     sync.RWMutex
	hooks      []func(Session)
	movedHooks []func(Session)

	// afterScan runs between Sweep's scan and its removals. Tests only.
	afterScan func()
}

// NewManager creates a Manager that resolves tokens with validator.
func NewManager(cfg Config, validator AuthValidator, opts ...Option) (*Manager, error) {
	if validator == nil {
		return nil, errors.New("security: auth validator is required")
	}
	deny, err := compileDenylist(cfg.Denylist)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		validator:   validator,
		deny:        deny,
		sessions:    make(map[string]*Session),
		ipCount:     make(map[string]int),
		deviceCount: make(map[string]int),
		blocked:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = AllowAll
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.instanceID == "" {
		m.instanceID = uuid.NewString()
	}
	m.log = m.log.With(zap.String("component", "security"))
	m.limiter = ratelimit.NewLimiter(m.clock)
	m.attempts = ratelimit.NewAttemptTracker(m.clock)
	return m, nil
}

// AuthenticateConnection admits a connecting client.
//
// Checks run in order: blocklist, connection rate, brute-force lockout,
// credential presence, token validation, device match, then the per-IP and
// per-device caps. The cap check and the counter increment happen under the
// same lock. A session id in creds resumes that session when it is live and
// owned by the same device.
func (m *Manager) AuthenticateConnection(ctx context.Context, creds Credentials, ip, transportID string) (SessionInfo, error) {
	if m.IsBlocked(ip) {
		return m.reject("ip_blocked", kephasgate.NewSecurityError(kephasgate.CodeIPBlocked, "address is blocked"))
	}
	if !m.limiter.Allow("conn:"+ip, m.cfg.ConnectionRateMax, m.cfg.ConnectionRateWindow) {
		return m.reject("rate_limited", kephasgate.NewSecurityError(kephasgate.CodeRateLimited, "too many connection attempts"))
	}
	if m.attempts.IsBlocked(ip, m.cfg.FailedAttemptLimit, m.cfg.FailedAttemptWindow) {
		return m.reject("locked_out", kephasgate.NewSecurityError(kephasgate.CodeLockedOut, "too many failed attempts"))
	}

	if creds.Token == "" || creds.DeviceID == "" {
		m.attempts.RecordFailure(ip)
		return m.reject("missing_credentials", kephasgate.NewAuthenticationError(kephasgate.CodeMissingCredentials, "token and device id are required"))
	}

	ident, err := m.validator.ValidateToken(ctx, creds.Token)
	if err != nil {
		m.attempts.RecordFailure(ip)
		if kephasgate.KindOf(err) != kephasgate.KindAuthentication {
			err = kephasgate.NewAuthenticationError(kephasgate.CodeInvalidToken, "token validation failed").Wrap(err)
		}
		return m.reject("invalid_token", err)
	}
	if ident.DeviceID != creds.DeviceID {
		m.attempts.RecordFailure(ip)
		return m.reject("device_mismatch", kephasgate.NewAuthenticationError(kephasgate.CodeDeviceMismatch, "token was not issued to this device"))
	}

	if creds.SessionID != "" {
		info, ok, err := m.resume(ctx, creds.SessionID, ident, ip, transportID)
		if err != nil {
			return m.reject(kephasgate.CodeOf(err), err)
		}
		if ok {
			m.attempts.Clear(ip)
			m.metrics.AuthResult("resumed")
			return info, nil
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.ipCount[ip] >= m.cfg.MaxConnectionsPerIP {
		m.mu.Unlock()
		return m.reject("ip_cap_exceeded", kephasgate.NewSecurityError(kephasgate.CodeIPCapExceeded, fmt.Sprintf("address already holds %d connections", m.cfg.MaxConnectionsPerIP)))
	}
	if m.deviceCount[ident.DeviceID] >= m.cfg.MaxConnectionsPerDevice {
		m.mu.Unlock()
		return m.reject("device_cap_exceeded", kephasgate.NewSecurityError(kephasgate.CodeDeviceCapExceeded, fmt.Sprintf("device already holds %d connections", m.cfg.MaxConnectionsPerDevice)))
	}
	s := &Session{
		SessionID:         uuid.NewString(),
		ClientID:          uuid.NewString(),
		DeviceID:          ident.DeviceID,
		DeviceFingerprint: ident.Fingerprint,
		DeviceInfo:        ident.DeviceInfo,
		IPAddress:         ip,
		TransportID:       transportID,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	m.sessions[s.SessionID] = s
	m.ipCount[ip]++
	m.deviceCount[s.DeviceID]++
	snapshot := *s
	total := len(m.sessions)
	m.mu.Unlock()

	m.attempts.Clear(ip)
	m.mirror(ctx, snapshot)
	m.metrics.SetSessions(total)
	m.metrics.AuthResult("success")
	m.log.Info("session created",
		zap.String("session_id", snapshot.SessionID),
		zap.String("device_id", snapshot.DeviceID),
		zap.String("ip", ip))

	return snapshot.info(false), nil
}

func (m *Manager) reject(result string, err error) (SessionInfo, error) {
	m.metrics.AuthResult(result)
	m.log.Debug("authentication rejected", zap.String("result", result), zap.Error(err))
	return SessionInfo{}, err
}

// resume rebinds a live session to a new transport. ok is false when the
// session cannot be resumed and a new one should be created instead.
func (m *Manager) resume(ctx context.Context, sessionID string, ident DeviceIdentity, ip, transportID string) (SessionInfo, bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	s, found := m.sessions[sessionID]
	if !found {
		m.mu.Unlock()
		return m.adopt(ctx, sessionID, ident, ip, transportID)
	}
	if s.DeviceID != ident.DeviceID {
		m.mu.Unlock()
		return SessionInfo{}, false, nil
	}
	if s.expired(now, m.cfg.SessionTimeout) {
		m.mu.Unlock()
		m.InvalidateSession(ctx, sessionID)
		return SessionInfo{}, false, nil
	}
	if s.IPAddress != ip {
		if m.ipCount[ip] >= m.cfg.MaxConnectionsPerIP {
			m.mu.Unlock()
			return SessionInfo{}, false, kephasgate.NewSecurityError(kephasgate.CodeIPCapExceeded, fmt.Sprintf("address already holds %d connections", m.cfg.MaxConnectionsPerIP))
		}
		decrement(m.ipCount, s.IPAddress)
		m.ipCount[ip]++
		s.IPAddress = ip
	}
	s.TransportID = transportID
	s.DeviceFingerprint = ident.Fingerprint
	s.DeviceInfo = ident.DeviceInfo
	s.touch(now)
	snapshot := *s
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	m.log.Info("session resumed",
		zap.String("session_id", snapshot.SessionID),
		zap.String("device_id", snapshot.DeviceID),
		zap.String("ip", ip))
	return snapshot.info(true), true, nil
}

// adopt takes over a session another instance mirrored into the store. The
// session keeps its client id, so its mirrored queue and subscriptions
// follow it. Siblings are told to release their copy.
func (m *Manager) adopt(ctx context.Context, sessionID string, ident DeviceIdentity, ip, transportID string) (SessionInfo, bool, error) {
	if m.store == nil {
		return SessionInfo{}, false, nil
	}
	body, err := m.store.Get(ctx, kephasgate.KeySessionPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("failed to read session mirror", zap.String("session_id", sessionID), zap.Error(err))
		}
		return SessionInfo{}, false, nil
	}
	var mirrored Session
	if err := json.Unmarshal(body, &mirrored); err != nil {
		m.log.Warn("dropping unreadable session mirror", zap.String("session_id", sessionID), zap.Error(err))
		return SessionInfo{}, false, nil
	}

	now := m.clock.Now()
	if mirrored.SessionID != sessionID || mirrored.ClientID == "" ||
		mirrored.DeviceID != ident.DeviceID || mirrored.expired(now, m.cfg.SessionTimeout) {
		return SessionInfo{}, false, nil
	}

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		// Adopted by a concurrent resume on this instance.
		m.mu.Unlock()
		return SessionInfo{}, false, nil
	}
	if m.ipCount[ip] >= m.cfg.MaxConnectionsPerIP {
		m.mu.Unlock()
		return SessionInfo{}, false, kephasgate.NewSecurityError(kephasgate.CodeIPCapExceeded, fmt.Sprintf("address already holds %d connections", m.cfg.MaxConnectionsPerIP))
	}
	if m.deviceCount[ident.DeviceID] >= m.cfg.MaxConnectionsPerDevice {
		m.mu.Unlock()
		return SessionInfo{}, false, kephasgate.NewSecurityError(kephasgate.CodeDeviceCapExceeded, fmt.Sprintf("device already holds %d connections", m.cfg.MaxConnectionsPerDevice))
	}
	s := &mirrored
	s.IPAddress = ip
	s.TransportID = transportID
	s.DeviceFingerprint = ident.Fingerprint
	s.DeviceInfo = ident.DeviceInfo
	s.touch(now)
	m.sessions[sessionID] = s
	m.ipCount[ip]++
	m.deviceCount[s.DeviceID]++
	snapshot := *s
	total := len(m.sessions)
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	m.publish(ctx, kephasgate.ChannelSessionInvalidate, sessionNotice{
		Origin:    m.instanceID,
		SessionID: snapshot.SessionID,
		ClientID:  snapshot.ClientID,
		Moved:     true,
	})
	m.metrics.SetSessions(total)
	m.log.Info("session adopted from store",
		zap.String("session_id", snapshot.SessionID),
		zap.String("client_id", snapshot.ClientID),
		zap.String("ip", ip))
	return snapshot.info(true), true, nil
}

// Persist writes the session's current state to the store mirror, so a
// sibling instance can adopt it with an accurate activity time.
func (m *Manager) Persist(ctx context.Context, sessionID string) {
	if m.store == nil {
		return
	}
	s, ok := m.Session(sessionID)
	if !ok {
		return
	}
	m.mirror(ctx, s)
}

// live returns a snapshot of a session that exists and has not expired. An
// expired session is invalidated on the spot.
func (m *Manager) live(ctx context.Context, sessionID string) (Session, bool) {
	now := m.clock.Now()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	var snapshot Session
	expired := false
	if ok {
		snapshot = *s
		expired = s.expired(now, m.cfg.SessionTimeout)
	}
	m.mu.RUnlock()

	if !ok {
		return Session{}, false
	}
	if expired {
		m.log.Debug("session expired", zap.String("session_id", sessionID))
		m.InvalidateSession(ctx, sessionID)
		return Session{}, false
	}
	return snapshot, true
}

func (m *Manager) touch(sessionID string) {
	now := m.clock.Now()
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.touch(now)
	}
	m.mu.Unlock()
}

// AuthorizeAction reports whether the session may perform action on
// resource. A missing or expired session is denied, and an expired one is
// invalidated.
func (m *Manager) AuthorizeAction(ctx context.Context, sessionID, action, resource string) bool {
	s, ok := m.live(ctx, sessionID)
	if !ok {
		return false
	}
	m.touch(sessionID)
	return m.policy.Allow(s, action, resource)
}

// ValidateMessage screens an inbound envelope of size serialised bytes.
func (m *Manager) ValidateMessage(ctx context.Context, sessionID string, env *envelope.Envelope, size int) bool {
	if env == nil {
		return false
	}
	if _, ok := m.live(ctx, sessionID); !ok {
		return false
	}
	if m.cfg.MaxMessageSize > 0 && size > m.cfg.MaxMessageSize {
		m.log.Warn("message exceeds size limit",
			zap.String("session_id", sessionID),
			zap.Int("size", size),
			zap.Int("max", m.cfg.MaxMessageSize))
		return false
	}
	if m.deny.matches(env.Data) {
		m.log.Warn("message matched a content signature",
			zap.String("session_id", sessionID),
			zap.Stringer("type", env.Type))
		return false
	}
	if !m.limiter.Allow("msg:"+sessionID, m.cfg.MessageRateMax, m.cfg.MessageRateWindow) {
		m.log.Debug("message rate exceeded", zap.String("session_id", sessionID))
		return false
	}
	m.touch(sessionID)
	return true
}

// RefreshToken re-validates token for a live session. The token must
// belong to the session's device.
func (m *Manager) RefreshToken(ctx context.Context, sessionID, token string) (SessionInfo, error) {
	s, ok := m.live(ctx, sessionID)
	if !ok {
		return SessionInfo{}, kephasgate.NewNotFoundError(kephasgate.CodeUnknownSession, "session does not exist or has expired")
	}
	if token == "" {
		return SessionInfo{}, kephasgate.NewAuthenticationError(kephasgate.CodeMissingCredentials, "token is required")
	}

	ident, err := m.validator.ValidateToken(ctx, token)
	if err != nil {
		m.attempts.RecordFailure(s.IPAddress)
		if kephasgate.KindOf(err) != kephasgate.KindAuthentication {
			err = kephasgate.NewAuthenticationError(kephasgate.CodeInvalidToken, "token validation failed").Wrap(err)
		}
		return SessionInfo{}, err
	}
	if ident.DeviceID != s.DeviceID {
		m.attempts.RecordFailure(s.IPAddress)
		return SessionInfo{}, kephasgate.NewAuthenticationError(kephasgate.CodeDeviceMismatch, "token was not issued to this device")
	}

	now := m.clock.Now()
	m.mu.Lock()
	cur, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return SessionInfo{}, kephasgate.NewNotFoundError(kephasgate.CodeUnknownSession, "session was invalidated")
	}
	cur.DeviceFingerprint = ident.Fingerprint
	cur.DeviceInfo = ident.DeviceInfo
	cur.touch(now)
	snapshot := *cur
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	return snapshot.info(false), nil
}

// drop removes a session and releases its cap slots.
func (m *Manager) drop(sessionID string) (Session, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, len(m.sessions), false
	}
	delete(m.sessions, sessionID)
	decrement(m.ipCount, s.IPAddress)
	decrement(m.deviceCount, s.DeviceID)
	return *s, len(m.sessions), true
}

func decrement(counts map[string]int, key string) {
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}

// InvalidateSession removes a session immediately. With a store configured
// the mirror is deleted and sibling instances are told. It returns false if
// the session did not exist.
func (m *Manager) InvalidateSession(ctx context.Context, sessionID string) bool {
	s, total, ok := m.drop(sessionID)
	if !ok {
		return false
	}
	m.released(ctx, s, total)
	return true
}

// dropIfExpired removes the session only if it is still idle past the
// timeout at now.
func (m *Manager) dropIfExpired(sessionID string, now time.Time) (Session, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.expired(now, m.cfg.SessionTimeout) {
		return Session{}, len(m.sessions), false
	}
	delete(m.sessions, sessionID)
	decrement(m.ipCount, s.IPAddress)
	decrement(m.deviceCount, s.DeviceID)
	return *s, len(m.sessions), true
}

// released finishes an invalidation after the session left the table.
func (m *Manager) released(ctx context.Context, s Session, total int) {
	sessionID := s.SessionID
	m.limiter.Reset("msg:" + sessionID)
	m.metrics.SetSessions(total)

	if m.store != nil {
		if err := m.store.Delete(ctx, kephasgate.KeySessionPrefix+sessionID); err != nil {
			m.log.Warn("failed to delete session mirror", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.publish(ctx, kephasgate.ChannelSessionInvalidate, sessionNotice{
			Origin:    m.instanceID,
			SessionID: s.SessionID,
			ClientID:  s.ClientID,
		})
	}

	m.log.Info("session invalidated", zap.String("session_id", sessionID), zap.String("device_id", s.DeviceID))
	m.runHooks(s)
}

// OnInvalidate registers fn to run after any session is invalidated,
// locally or by a sibling instance.
func (m *Manager) OnInvalidate(fn func(Session)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

// OnMoved registers fn to run after a sibling instance adopts a session
// held here. The session is gone locally but stays valid.
func (m *Manager) OnMoved(fn func(Session)) {
	m.hookMu.Lock()
	m.movedHooks = append(m.movedHooks, fn)
	m.hookMu.Unlock()
}

func (m *Manager) runHooks(s Session) {
	m.hookMu.RLock()
	hooks := slices.Clone(m.hooks)
	m.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(s)
	}
}

func (m *Manager) runMovedHooks(s Session) {
	m.hookMu.RLock()
	hooks := slices.Clone(m.movedHooks)
	m.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// BlockIP refuses further connections from ip and invalidates its sessions.
func (m *Manager) BlockIP(ctx context.Context, ip string) error {
	m.setBlocked(ip, true)
	m.invalidateIP(ctx, ip)

	if m.store == nil {
		return nil
	}
	if err := m.store.SetAdd(ctx, kephasgate.KeyBlockedIPs, ip); err != nil {
		return fmt.Errorf("mirror blocked ip: %w", err)
	}
	m.publish(ctx, kephasgate.ChannelIPBlock, ipNotice{Origin: m.instanceID, IP: ip, Blocked: true})
	return nil
}

// UnblockIP lifts a block.
func (m *Manager) UnblockIP(ctx context.Context, ip string) error {
	m.setBlocked(ip, false)

	if m.store == nil {
		return nil
	}
	if err := m.store.SetRemove(ctx, kephasgate.KeyBlockedIPs, ip); err != nil {
		return fmt.Errorf("mirror unblocked ip: %w", err)
	}
	m.publish(ctx, kephasgate.ChannelIPBlock, ipNotice{Origin: m.instanceID, IP: ip, Blocked: false})
	return nil
}

func (m *Manager) IsBlocked(ip string) bool {
	m.blockMu.RLock()
	defer m.blockMu.RUnlock()
	_, ok := m.blocked[ip]
	return ok
}

func (m *Manager) setBlocked(ip string, blocked bool) {
	m.blockMu.Lock()
	if blocked {
		m.blocked[ip] = struct{}{}
	} else {
		delete(m.blocked, ip)
	}
	m.blockMu.Unlock()
}

func (m *Manager) invalidateIP(ctx context.Context, ip string) {
	for _, id := range m.sessionsFrom(ip) {
		m.InvalidateSession(ctx, id)
	}
}

func (m *Manager) sessionsFrom(ip string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, s := range m.sessions {
		if s.IPAddress == ip {
			ids = append(ids, id)
		}
	}
	return ids
}

// LoadBlocklist replaces the local blocklist with the store's copy.
func (m *Manager) LoadBlocklist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	members, err := m.store.SetMembers(ctx, kephasgate.KeyBlockedIPs)
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}

	blocked := make(map[string]struct{}, len(members))
	for _, ip := range members {
		blocked[ip] = struct{}{}
	}
	m.blockMu.Lock()
	m.blocked = blocked
	m.blockMu.Unlock()

	m.log.Info("blocklist loaded", zap.Int("count", len(members)))
	return nil
}

// ApplyNotice applies a session or blocklist notice from a sibling
// instance. Notices this instance published are ignored and nothing is
// republished.
func (m *Manager) ApplyNotice(ctx context.Context, channel string, payload []byte) {
	switch channel {
	case kephasgate.ChannelSessionInvalidate:
		var n sessionNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			m.log.Warn("dropping unreadable session notice", zap.Error(err))
			return
		}
		if n.Origin == m.instanceID {
			return
		}
		s, total, ok := m.drop(n.SessionID)
		if !ok {
			return
		}
		m.limiter.Reset("msg:" + n.SessionID)
		m.metrics.SetSessions(total)
		if n.Moved {
			m.log.Info("session moved to peer", zap.String("session_id", n.SessionID), zap.String("origin", n.Origin))
			m.runMovedHooks(s)
			return
		}
		m.log.Info("session invalidated by peer", zap.String("session_id", n.SessionID), zap.String("origin", n.Origin))
		m.runHooks(s)

	case kephasgate.ChannelIPBlock:
		var n ipNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			m.log.Warn("dropping unreadable ip notice", zap.Error(err))
			return
		}
		if n.Origin == m.instanceID || n.IP == "" {
			return
		}
		m.setBlocked(n.IP, n.Blocked)
		if n.Blocked {
			m.invalidateLocalIP(n.IP)
		}
	}
}

// invalidateLocalIP drops sessions from ip without republishing.
func (m *Manager) invalidateLocalIP(ip string) {
	for _, id := range m.sessionsFrom(ip) {
		if s, total, ok := m.drop(id); ok {
			m.metrics.SetSessions(total)
			m.runHooks(s)
		}
	}
}

// Sweep invalidates every session idle past the timeout and prunes stale
// rate and attempt windows. Expired ids are collected under a read lock;
// each is re-checked under the write lock before it is dropped, so activity
// after the scan keeps a session alive.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.expired(now, m.cfg.SessionTimeout) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if m.afterScan != nil {
		m.afterScan()
	}

	n := 0
	for _, id := range expired {
		if ctx.Err() != nil {
			break
		}
		s, total, ok := m.dropIfExpired(id, m.clock.Now())
		if !ok {
			continue
		}
		m.released(ctx, s, total)
		n++
	}

	window := m.cfg.ConnectionRateWindow
	if m.cfg.MessageRateWindow > window {
		window = m.cfg.MessageRateWindow
	}
	pruned := m.limiter.Prune(window)
	pruned += m.attempts.Prune(m.cfg.FailedAttemptWindow)

	if n > 0 || pruned > 0 {
		m.log.Debug("security sweep", zap.Int("expired", n), zap.Int("pruned_windows", pruned))
	}
	return n
}

// Session returns a copy of the session with id.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ConnectionsFrom returns the number of sessions held by ip.
func (m *Manager) ConnectionsFrom(ip string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ipCount[ip]
}

// ConnectionsOf returns the number of sessions held by a device.
func (m *Manager) ConnectionsOf(deviceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceCount[deviceID]
}

func (m *Manager) mirror(ctx context.Context, s Session) {
	if m.store == nil {
		return
	}
	body, err := json.Marshal(s)
	if err != nil {
		m.log.Error("failed to encode session", zap.String("session_id", s.SessionID), zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, kephasgate.KeySessionPrefix+s.SessionID, body, m.cfg.SessionTimeout); err != nil {
		m.log.Warn("failed to mirror session", zap.String("session_id", s.SessionID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, channel string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		m.log.Error("failed to encode notice", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := m.store.Publish(ctx, channel, body); err != nil {
		m.metrics.BusError()
		m.log.Warn("failed to publish notice", zap.String("channel", channel), zap.Error(err))
	}
}
