// Package gateway orchestrates connections, sessions, subscriptions, offline
// queues and RPC dispatch for one gateway instance.
package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/queue"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/rpc"
	"github.com/luciancaetano/kephasgate/internal/security"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/internal/subscription"
)

// Config holds orchestrator settings.
type Config struct {
	// InstanceID tags bus messages from this gateway. Components sharing the
	// bus must be built with the same id.
	InstanceID     string
	MaxConnections int
	PingInterval   time.Duration
	// PingTimeout is how long a connection may stay silent before it is
	// dropped.
	PingTimeout   time.Duration
	SweepInterval time.Duration
	// MaxIntegrityFailures is how many hash mismatches a connection may
	// send before it is closed as a security violation.
	MaxIntegrityFailures int
	// StateTTL bounds how long mirrored subscriptions outlive their last
	// change.
	StateTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:       10000,
		PingInterval:         30 * time.Second,
		PingTimeout:          90 * time.Second,
		SweepInterval:        time.Minute,
		MaxIntegrityFailures: 3,
		StateTTL:             30 * time.Minute,
	}
}

// Deps are the components a Gateway drives. Security and Bridge are
// required; the rest default to in-memory instances.
type Deps struct {
	Security *security.Manager
	Bridge   *rpc.Bridge
	Registry *registry.Registry
	Index    *subscription.Index
	Queue    *queue.Queue
	// Store enables the distributed bus listener. Nil means single-instance.
	Store   store.Store
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

const stripeCount = 64

// Gateway is one gateway instance.
type Gateway struct {
	cfg      Config
	security *security.Manager
	bridge   *rpc.Bridge
	registry *registry.Registry
	index    *subscription.Index
	queue    *queue.Queue
	store    store.Store
	clock    clock.Clock
	log      *zap.Logger
	metrics  *observability.Metrics

	// stripes serialise live-or-queued decisions per client against
	// connection admission.
	stripes [stripeCount]sync.Mutex

	mu        sync.Mutex
	running   bool
	tasks     *tasks
	cancelBus context.CancelFunc
	busDone   chan struct{}
}

var _ kephasgate.Gateway = (*Gateway)(nil)

// New wires a Gateway from deps.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Security == nil {
		return nil, errors.New("gateway: security manager is required")
	}
	if deps.Bridge == nil {
		return nil, errors.New("gateway: rpc bridge is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * cfg.PingInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultConfig().StateTTL
	}

	g := &Gateway{
		cfg:      cfg,
		security: deps.Security,
		bridge:   deps.Bridge,
		registry: deps.Registry,
		index:    deps.Index,
		queue:    deps.Queue,
		store:    deps.Store,
		clock:    deps.Clock,
		log:      deps.Logger,
		metrics:  deps.Metrics,
	}
	if g.registry == nil {
		g.registry = registry.New(cfg.MaxConnections)
	}
	if g.index == nil {
		g.index = subscription.NewIndex()
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	g.log = g.log.With(zap.String("component", "gateway"), zap.String("instance_id", cfg.InstanceID))
	if g.queue == nil {
		g.queue = queue.New(queue.Config{MaxSize: 100}, queue.WithClock(g.clock), queue.WithLogger(g.log))
	}

	g.security.OnInvalidate(g.onSessionInvalidated)
	g.security.OnMoved(g.onSessionMoved)
	g.registerSystemMethods()
	return g, nil
}

// InstanceID returns the id this gateway tags bus messages with.
func (g *Gateway) InstanceID() string {
	return g.cfg.InstanceID
}

// Security returns the security manager, for blocklist administration.
func (g *Gateway) Security() *security.Manager {
	return g.security
}

// Start schedules the session sweep and ping loop and, with a store,
// starts the bus listener.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return kephasgate.ErrAlreadyRunning
	}

	if g.store != nil {
		if err := g.security.LoadBlocklist(ctx); err != nil {
			g.log.Warn("failed to load blocklist", zap.Error(err))
		}
	}

	t := newTasks(g.log)
	if err := t.Schedule("session-sweep", g.cfg.SweepInterval, g.sweep); err != nil {
		return err
	}
	if err := t.Schedule("ping", g.cfg.PingInterval, g.pingCycle); err != nil {
		return err
	}
	t.Start()
	g.tasks = t

	if g.store != nil {
		busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g.cancelBus = cancel
		g.busDone = make(chan struct{})
		go g.listen(busCtx, g.busDone)
	}

	g.running = true
	g.log.Info("gateway started",
		zap.Duration("ping_interval", g.cfg.PingInterval),
		zap.Duration("sweep_interval", g.cfg.SweepInterval),
		zap.Bool("distributed", g.store != nil))
	return nil
}

// Stop cancels the background tasks and closes every live connection.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	t, cancel, done := g.tasks, g.cancelBus, g.busDone
	g.tasks, g.cancelBus, g.busDone = nil, nil, nil
	g.mu.Unlock()

	t.Stop(ctx)
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	for _, conn := range g.registry.Snapshot() {
		g.closeConnection(ctx, conn, reasonShutdown)
	}
	g.log.Info("gateway stopped")
	return nil
}

func (g *Gateway) RegisterRPC(method string, handler kephasgate.RPCHandler) {
	g.bridge.Register(method, handler)
}

func (g *Gateway) UnregisterRPC(method string) {
	g.bridge.Unregister(method)
}

// Notify asks every instance to run method. Failures are logged only.
func (g *Gateway) Notify(ctx context.Context, method string, params map[string]any) {
	g.bridge.Notify(ctx, method, params)
}

// Stats is a point-in-time summary of the gateway.
type Stats struct {
	InstanceID    string   `json:"instanceId"`
	Connections   int      `json:"connections"`
	Sessions      int      `json:"sessions"`
	Subscribers   int      `json:"subscribers"`
	Subscriptions int      `json:"subscriptions"`
	Queued        int      `json:"queued"`
	Methods       []string `json:"methods"`
}

func (g *Gateway) Stats() Stats {
	clients, edges := g.index.Stats()
	return Stats{
		InstanceID:    g.cfg.InstanceID,
		Connections:   g.registry.Count(),
		Sessions:      g.security.SessionCount(),
		Subscribers:   clients,
		Subscriptions: edges,
		Queued:        g.queue.Total(),
		Methods:       g.bridge.Methods(),
	}
}

func (g *Gateway) registerSystemMethods() {
	g.bridge.Register("system.ping", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{
			"pong":      true,
			"timestamp": g.clock.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}))
	g.bridge.Register("system.stats", kephasgate.RPCHandlerFunc(func(context.Context, map[string]any) (any, error) {
		s := g.Stats()
		return map[string]any{
			"instanceId":    s.InstanceID,
			"connections":   s.Connections,
			"sessions":      s.Sessions,
			"subscribers":   s.Subscribers,
			"subscriptions": s.Subscriptions,
			"queued":        s.Queued,
			"methods":       s.Methods,
		}, nil
	}))
}

// stripe returns the lock guarding delivery decisions for clientID.
func (g *Gateway) stripe(clientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return &g.stripes[h.Sum32()%stripeCount]
}

func (g *Gateway) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SweepInterval)
	defer cancel()

	n := g.security.Sweep(ctx)
	g.metrics.SetSessions(g.security.SessionCount())
	if n > 0 {
		g.log.Info("expired sessions swept", zap.Int("count", n))
	}
}
