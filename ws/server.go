// Package ws builds a ready-to-run gateway server: the websocket transport
// wired to the session, subscription, queue and RPC components.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/queue"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/rpc"
	"github.com/luciancaetano/kephasgate/internal/security"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

type Config = config.Config
type AuthValidator = security.AuthValidator
type AuthValidatorFunc = security.AuthValidatorFunc
type DeviceIdentity = security.DeviceIdentity
type Policy = security.Policy
type Store = store.Store
type Stats = gateway.Stats

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return config.Default()
}

// NewJWTValidator validates HMAC-signed device tokens. When issuer is
// non-empty the iss claim must match it.
func NewJWTValidator(secret, issuer string) AuthValidator {
	return security.NewJWTValidator(secret, issuer)
}

// NewExprPolicy compiles an expr rule over session, action and resource.
func NewExprPolicy(rule string) (Policy, error) {
	p, err := security.NewExprPolicy(rule)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewMemoryStore returns an in-process store, for sharing one bus between
// gateways in the same process.
func NewMemoryStore() Store {
	return store.NewMemoryStore(nil)
}

type options struct {
	store    Store
	policy   Policy
	logger   *zap.Logger
	registry prometheus.Registerer
	clock    clock.Clock
}

// Option configures a Server.
type Option func(*options)

// WithStore enables distributed mode over s.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithPolicy sets the action policy, overriding security.policy_rule.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMetrics registers the gateway collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// Server is a gateway bound to a websocket listener.
type Server struct {
	*gateway.Gateway
	transport *websocket.Server
	log       *zap.Logger
}

var _ kephasgate.Gateway = (*Server)(nil)

// New validates cfg and wires every component.
func New(cfg Config, validator AuthValidator, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.policy == nil && cfg.Security.PolicyRule != "" {
		p, err := security.NewExprPolicy(cfg.Security.PolicyRule)
		if err != nil {
			return nil, err
		}
		o.policy = p
	}
	var metrics *observability.Metrics
	if o.registry != nil {
		metrics = observability.NewMetrics(o.registry)
	}

	instanceID := cfg.Gateway.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	sec, err := security.NewManager(securityConfig(cfg.Security), validator,
		security.WithStore(o.store),
		security.WithPolicy(o.policy),
		security.WithClock(o.clock),
		security.WithLogger(o.logger),
		security.WithMetrics(metrics),
		security.WithInstanceID(instanceID),
	)
	if err != nil {
		return nil, fmt.Errorf("security manager: %w", err)
	}

	bridge := rpc.NewBridge(
		rpc.WithTimeout(cfg.Gateway.RPCTimeout),
		rpc.WithPublisher(o.store),
		rpc.WithInstanceID(instanceID),
		rpc.WithClock(o.clock),
		rpc.WithLogger(o.logger),
		rpc.WithMetrics(metrics),
	)

	q := queue.New(queue.Config{MaxSize: cfg.Queue.MaxSize, TTL: cfg.Queue.TTL},
		queue.WithStore(o.store),
		queue.WithClock(o.clock),
		queue.WithLogger(o.logger),
		queue.WithMetrics(metrics),
	)

	gw, err := gateway.New(gateway.Config{
		InstanceID:           instanceID,
		MaxConnections:       cfg.Gateway.MaxConnections,
		PingInterval:         cfg.Gateway.PingInterval,
		PingTimeout:          cfg.Gateway.PingTimeout,
		SweepInterval:        cfg.Security.SweepInterval,
		MaxIntegrityFailures: cfg.Gateway.MaxIntegrityFailures,
		StateTTL:             cfg.Security.SessionTimeout,
	}, gateway.Deps{
		Security: sec,
		Bridge:   bridge,
		Registry: registry.New(cfg.Gateway.MaxConnections),
		Queue:    q,
		Store:    o.store,
		Clock:    o.clock,
		Logger:   o.logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{Gateway: gw, log: o.logger.With(zap.String("component", "ws"))}
	s.transport = websocket.New(&websocket.ServerConfig{
		Addr:               cfg.Server.Addr,
		Path:               cfg.Server.Path,
		RateLimitConfig:    frameLimit(cfg.Server),
		CheckOrigin:        checkOrigin(cfg.Server.AllowedOrigins),
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		ReadLimit:          cfg.Server.ReadLimit,
		SendBuffer:         cfg.Server.SendBuffer,
		Logger:             o.logger,
		OnConnect:          s.onConnect,
		OnMessage:          s.onMessage,
		OnClientDisconnect: s.onDisconnect,
	})
	return s, nil
}

func (s *Server) onConnect(ctx context.Context, client *websocket.Client, hs websocket.Handshake) bool {
	_, err := s.HandleConnect(ctx, client, hs.Credentials, hs.RemoteIP)
	return err == nil
}

func (s *Server) onMessage(ctx context.Context, client *websocket.Client, data []byte) {
	s.HandleTransportMessage(ctx, client, data)
}

func (s *Server) onDisconnect(ctx context.Context, client *websocket.Client) {
	s.HandleTransportClosed(ctx, client)
}

// Start launches the gateway's background tasks, then the listener.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Gateway.Start(ctx); err != nil {
		return err
	}
	if err := s.transport.Start(ctx); err != nil {
		return multierr.Append(err, s.Gateway.Stop(ctx))
	}
	return nil
}

// Stop closes every connection as a shutdown, then stops the listener.
func (s *Server) Stop(ctx context.Context) error {
	return multierr.Combine(
		s.Gateway.Stop(ctx),
		s.transport.Stop(ctx),
	)
}

// Handle mounts an extra HTTP handler next to the websocket endpoint.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.transport.Handle(pattern, handler)
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.transport.Handler()
}

// BlockIP blocks ip on every instance and closes its sessions.
func (s *Server) BlockIP(ctx context.Context, ip string) error {
	return s.Security().BlockIP(ctx, ip)
}

func (s *Server) UnblockIP(ctx context.Context, ip string) error {
	return s.Security().UnblockIP(ctx, ip)
}

func securityConfig(c config.SecurityConfig) security.Config {
	return security.Config{
		MaxConnectionsPerIP:     c.MaxConnectionsPerIP,
		MaxConnectionsPerDevice: c.MaxConnectionsPerDevice,
		SessionTimeout:          c.SessionTimeout,
		ConnectionRateMax:       c.ConnectionRateMax,
		ConnectionRateWindow:    c.ConnectionRateWindow,
		MessageRateMax:          c.MessageRateMax,
		MessageRateWindow:       c.MessageRateWindow,
		FailedAttemptLimit:      c.FailedAttemptLimit,
		FailedAttemptWindow:     c.FailedAttemptWindow,
		MaxMessageSize:          c.MaxMessageSize,
		Denylist:                c.Denylist,
	}
}

func frameLimit(c config.ServerConfig) *websocket.RateLimitConfig {
	if c.FrameRate <= 0 {
		return websocket.NoRateLimit()
	}
	return &websocket.RateLimitConfig{
		MessagesPerSecond: rate.Limit(c.FrameRate),
		Burst:             c.FrameBurst,
		Enabled:           true,
	}
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browsers whose origin is listed. "*" accepts any.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
