package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
)

// Info identifies a connection.
type Info struct {
	ClientID  string
	DeviceID  string
	SessionID string
	RemoteIP  string
	// Resumed connections start in StateReconnecting.
	Resumed bool
}

// Connection is one live transport link bound to a session.
//
// Outbound envelopes are held until Open is called so that anything queued
// while the client was offline is written first.
type Connection struct {
	Info
	Client      kephasgate.Client
	ConnectedAt time.Time

	clock clock.Clock
	seq   atomic.Uint64

	mu                sync.RWMutex
	state             State
	rooms             map[string]struct{}
	subscriptions     map[string]struct{}
	lastPingAt        time.Time
	reconnectAttempts int
	integrityFailures int

	sendMu  sync.Mutex
	open    bool
	pending []*envelope.Envelope
}

// NewConnection binds client to info. A nil clock uses the wall clock.
func NewConnection(client kephasgate.Client, info Info, clk clock.Clock) *Connection {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	c := &Connection{
		Info:          info,
		Client:        client,
		ConnectedAt:   now,
		clock:         clk,
		state:         StateConnecting,
		rooms:         make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
		lastPingAt:    now,
	}
	if info.Resumed {
		c.state = StateReconnecting
		c.reconnectAttempts = 1
	}
	return c
}

// TransportID returns the id of the underlying transport link.
func (c *Connection) TransportID() string {
	return c.Client.ID()
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves the connection to state to. Illegal moves fail with a
// validation error and leave the state unchanged.
func (c *Connection) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == to {
		return nil
	}
	if !CanTransition(c.state, to) {
		return kephasgate.NewValidationError(kephasgate.CodeInvalidTransition, fmt.Sprintf("cannot move from %s to %s", c.state, to))
	}
	if to == StateReconnecting {
		c.reconnectAttempts++
	}
	c.state = to
	return nil
}

// Touch records inbound activity. It never moves the timestamp backwards.
func (c *Connection) Touch() {
	now := c.clock.Now()
	c.mu.Lock()
	if now.After(c.lastPingAt) {
		c.lastPingAt = now
	}
	c.mu.Unlock()
}

func (c *Connection) LastPingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingAt
}

// IdleFor returns how long the connection has been silent.
func (c *Connection) IdleFor() time.Duration {
	return c.clock.Since(c.LastPingAt())
}

func (c *Connection) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectAttempts
}

// IntegrityFailure records a hash mismatch and returns the running total.
func (c *Connection) IntegrityFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrityFailures++
	return c.integrityFailures
}

// Rooms returns the rooms the connection belongs to, sorted.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.rooms)
}

func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// TrackSubscriptions records event types the client listens to.
func (c *Connection) TrackSubscriptions(eventTypes ...string) {
	c.mu.Lock()
	for _, t := range eventTypes {
		c.subscriptions[t] = struct{}{}
	}
	c.mu.Unlock()
}

// UntrackSubscriptions forgets event types.
func (c *Connection) UntrackSubscriptions(eventTypes ...string) {
	c.mu.Lock()
	for _, t := range eventTypes {
		delete(c.subscriptions, t)
	}
	c.mu.Unlock()
}

func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subscriptions)
}

// NextSequence returns the next outbound sequence number.
func (c *Connection) NextSequence() uint64 {
	return c.seq.Add(1)
}

// Send writes env with the connection's next sequence number, or holds it
// until Open when the connection is not yet open.
func (c *Connection) Send(ctx context.Context, env *envelope.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.open {
		c.pending = append(c.pending, env)
		return nil
	}
	return c.write(ctx, env)
}

// SendNow writes env immediately, ignoring the hold.
func (c *Connection) SendNow(ctx context.Context, env *envelope.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.write(ctx, env)
}

// Open writes every held envelope in order and lifts the hold.
func (c *Connection) Open(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var firstErr error
	for _, env := range c.pending {
		if err := c.write(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.pending = nil
	c.open = true
	return firstErr
}

func (c *Connection) write(ctx context.Context, env *envelope.Envelope) error {
	out, err := env.Restamp(c.NextSequence())
	if err != nil {
		return err
	}
	data, err := envelope.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.Client.Send(ctx, data)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
