package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const memorySubscriptionBuffer = 64

type memoryEntry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Pub/sub only reaches subscribers of
// the same MemoryStore, which makes it a stand-in for Redis in tests and a
// shared bus for several gateways in one process.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*memoryEntry
	sets    map[string]map[string]struct{}
	subs    map[*memorySubscription]struct{}
	closed  bool
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:   clk,
		entries: make(map[string]*memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[*memorySubscription]struct{}),
	}
}

// entry returns the live entry for key, dropping it if expired. Caller holds mu.
func (m *MemoryStore) entry(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if e == nil || e.list != nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memoryEntry{value: append([]byte(nil), value...), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.entry(key); e != nil {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemoryStore) ListPush(_ context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if e == nil {
		e = &memoryEntry{list: [][]byte{}}
		m.entries[key] = e
	}
	e.list = append(e.list, append([]byte(nil), value...))
	if maxLen > 0 && len(e.list) > maxLen {
		e.list = append([][]byte(nil), e.list[len(e.list)-maxLen:]...)
	}
	if ttl > 0 {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) ListRange(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	return copyList(e.list), nil
}

func (m *MemoryStore) ListDrain(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	delete(m.entries, key)
	return e.list, nil
}

func (m *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// Publish delivers payload to every matching subscriber without blocking;
// a subscriber whose buffer is full misses the message.
func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.ch <- Message{Channel: channel, Payload: append([]byte(nil), payload...)}:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		owner:    m,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, memorySubscriptionBuffer),
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every open subscription.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*memorySubscription]struct{})
	m.closed = true
	m.mu.Unlock()

	for sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
	}
	return nil
}

type memorySubscription struct {
	owner     *MemoryStore
	channels  map[string]struct{}
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func copyList(list [][]byte) [][]byte {
	out := make([][]byte, len(list))
	for i, v := range list {
		out[i] = append([]byte(nil), v...)
	}
	return out
}
