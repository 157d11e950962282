// Package queue holds envelopes for clients without a live connection.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/envelope"
	"github.com/luciancaetano/kephasgate/internal/observability"
	"github.com/luciancaetano/kephasgate/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is a queued envelope.
type Message struct {
	Envelope *envelope.Envelope
	QueuedAt time.Time

	// mirrored is set once the entry is in the store list.
	mirrored bool
}

// record is the mirrored form: the wire envelope plus queuedAt.
type record struct {
	envelope.Wire
	QueuedAt time.Time `json:"queuedAt"`
}

// Config bounds every per-client queue.
type Config struct {
	// MaxSize is the per-client cap; the oldest entry is evicted on overflow.
	MaxSize int
	// TTL is how long the store mirror survives without new entries.
	TTL time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore mirrors every queue into s.
func WithStore(s store.Store) Option {
	return func(q *Queue) { q.store = s }
}

func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clock = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a bounded FIFO per client with an optional store mirror.
type Queue struct {
	cfg     Config
	store   store.Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	queues map[string][]Message
}

// New creates a Queue. A MaxSize below one is treated as one.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	q := &Queue{
		cfg:    cfg,
		queues: make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	q.log = q.log.With(zap.String("component", "queue"))
	return q
}

func key(clientID string) string {
	return kephasgate.KeyQueuePrefix + clientID
}

// Enqueue appends env to clientID's queue, evicting the oldest entry when
// the queue is full. The store mirror is best effort: a failed write is
// logged and the in-memory entry stays.
func (q *Queue) Enqueue(ctx context.Context, clientID string, env *envelope.Envelope) bool {
	if clientID == "" || env == nil {
		return false
	}

	msg := Message{Envelope: env, QueuedAt: q.clock.Now()}
	if q.store != nil {
		msg.mirrored = q.mirror(ctx, clientID, msg)
	}

	q.mu.Lock()
	list := append(q.queues[clientID], msg)
	evicted := false
	if len(list) > q.cfg.MaxSize {
		list = append([]Message(nil), list[len(list)-q.cfg.MaxSize:]...)
		evicted = true
	}
	q.queues[clientID] = list
	q.mu.Unlock()

	q.metrics.Enqueued(evicted)
	if evicted {
		q.log.Debug("queue full, evicted oldest entry", zap.String("client_id", clientID))
	}
	return true
}

func (q *Queue) mirror(ctx context.Context, clientID string, msg Message) bool {
	body, err := json.Marshal(record{Wire: msg.Envelope.ToWire(), QueuedAt: msg.QueuedAt})
	if err != nil {
		q.log.Error("failed to encode queued envelope", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	if err := q.store.ListPush(ctx, key(clientID), body, q.cfg.MaxSize, q.cfg.TTL); err != nil {
		q.log.Warn("failed to mirror queued envelope", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	return true
}

// DequeueAll drains clientID's queue. In-memory and mirrored entries are
// merged, de-duplicated by request id and returned oldest first; both
// copies are cleared.
//
// When the store answers, it is authoritative for mirrored entries: one
// missing from the drained list was already delivered by another instance
// or expired, and its local copy is discarded. Entries whose mirror write
// failed are always kept.
func (q *Queue) DequeueAll(ctx context.Context, clientID string) []Message {
	q.mu.Lock()
	local := q.queues[clientID]
	delete(q.queues, clientID)
	q.mu.Unlock()

	drained, ok := q.drainStore(ctx, clientID)
	inStore := make(map[string]struct{}, len(drained))
	for _, m := range drained {
		inStore[m.Envelope.RequestID] = struct{}{}
	}

	merged := make([]Message, 0, len(local)+len(drained))
	seen := make(map[string]int, len(local)+len(drained))
	for _, m := range local {
		if ok && m.mirrored {
			if _, found := inStore[m.Envelope.RequestID]; !found {
				continue
			}
		}
		seen[m.Envelope.RequestID] = len(merged)
		merged = append(merged, m)
	}

	for _, m := range drained {
		if i, dup := seen[m.Envelope.RequestID]; dup {
			if m.QueuedAt.Before(merged[i].QueuedAt) {
				merged[i].QueuedAt = m.QueuedAt
			}
			continue
		}
		seen[m.Envelope.RequestID] = len(merged)
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].QueuedAt.Before(merged[j].QueuedAt)
	})
	if len(merged) > q.cfg.MaxSize {
		merged = merged[len(merged)-q.cfg.MaxSize:]
	}
	return merged
}

// drainStore empties the mirrored list. ok is false without a store or
// when the store could not be read.
func (q *Queue) drainStore(ctx context.Context, clientID string) ([]Message, bool) {
	if q.store == nil {
		return nil, false
	}

	raw, err := q.store.ListDrain(ctx, key(clientID))
	if err != nil {
		q.log.Warn("failed to drain mirrored queue", zap.String("client_id", clientID), zap.Error(err))
		return nil, false
	}

	out := make([]Message, 0, len(raw))
	for _, body := range raw {
		var rec record
		if err := json.Unmarshal(body, &rec); err != nil {
			q.log.Warn("skipping unreadable queued envelope", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		env, err := envelope.FromWire(rec.Wire)
		if err != nil {
			q.log.Warn("skipping queued envelope that failed verification", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		out = append(out, Message{Envelope: env, QueuedAt: rec.QueuedAt, mirrored: true})
	}
	return out, true
}

// SizeOf returns the in-memory queue length for clientID.
func (q *Queue) SizeOf(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[clientID])
}

// Total returns the number of envelopes queued in memory across clients.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, list := range q.queues {
		n += len(list)
	}
	return n
}

// Drop discards clientID's queue and its mirror.
func (q *Queue) Drop(ctx context.Context, clientID string) {
	q.mu.Lock()
	delete(q.queues, clientID)
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.Delete(ctx, key(clientID)); err != nil {
			q.log.Warn("failed to delete mirrored queue", zap.String("client_id", clientID), zap.Error(err))
		}
	}
}

// Forget discards the in-memory copy of clientID's queue and leaves the
// mirror for the instance the client moved to.
func (q *Queue) Forget(clientID string) {
	q.mu.Lock()
	delete(q.queues, clientID)
	q.mu.Unlock()
}
