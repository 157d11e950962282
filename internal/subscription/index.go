// Package subscription keeps the client to event-type subscription table in
// both directions.
package subscription

import (
	"sort"
	"sync"
)

// Index is a bidirectional (clientID, eventType) edge set.
// All methods are safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	byEvent  map[string]map[string]struct{} // eventType → clientIDs
	byClient map[string]map[string]struct{} // clientID → eventTypes
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		byEvent:  make(map[string]map[string]struct{}),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds an edge for every event type. Existing edges are left as
// they are.
//
// Precondition: clientID must be non-empty; empty event types are ignored.
// Postcondition: Returns the client's subscriptions after the change.
func (x *Index) Subscribe(clientID string, eventTypes ...string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, et := range eventTypes {
		if et == "" {
			continue
		}
		add(x.byEvent, et, clientID)
		add(x.byClient, clientID, et)
	}
	return sorted(x.byClient[clientID])
}

// Unsubscribe removes the edge for every event type. Removing a client's
// last subscription drops its entry entirely.
//
// Postcondition: Returns the client's remaining subscriptions.
func (x *Index) Unsubscribe(clientID string, eventTypes ...string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, et := range eventTypes {
		remove(x.byEvent, et, clientID)
		remove(x.byClient, clientID, et)
	}
	return sorted(x.byClient[clientID])
}

// RemoveClient drops every edge of clientID and returns the event types it
// was subscribed to.
func (x *Index) RemoveClient(clientID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	events := x.byClient[clientID]
	for et := range events {
		remove(x.byEvent, et, clientID)
	}
	delete(x.byClient, clientID)
	return sorted(events)
}

// SubscribersOf returns the clients subscribed to eventType, sorted.
func (x *Index) SubscribersOf(eventType string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sorted(x.byEvent[eventType])
}

// SubscriptionsOf returns the event types clientID is subscribed to, sorted.
func (x *Index) SubscriptionsOf(clientID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sorted(x.byClient[clientID])
}

// IsSubscribed reports whether the edge exists.
func (x *Index) IsSubscribed(clientID, eventType string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byClient[clientID][eventType]
	return ok
}

// Stats returns the number of clients with at least one subscription and
// the number of edges.
func (x *Index) Stats() (clients, edges int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, events := range x.byClient {
		edges += len(events)
	}
	return len(x.byClient), edges
}

func add(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func remove(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
