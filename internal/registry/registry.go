// Package registry tracks live connections and indexes them by client,
// transport, device and room.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luciancaetano/kephasgate"
)

// Registry is the set of live connections.
type Registry struct {
	max int

	mu          sync.RWMutex
	byClient    map[string]*Connection
	byTransport map[string]string
	byDevice    map[string]map[string]struct{}
	rooms       map[string]map[string]struct{}
}

// New creates a Registry admitting at most max connections. A max below one
// means unlimited.
func New(max int) *Registry {
	return &Registry{
		max:         max,
		byClient:    make(map[string]*Connection),
		byTransport: make(map[string]string),
		byDevice:    make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]struct{}),
	}
}

// Add admits conn.
//
// Precondition: conn.ClientID is non-empty.
// Postcondition: conn is reachable by client, transport and device.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.byClient) >= r.max {
		return kephasgate.NewSecurityError(kephasgate.CodeCapacityExceeded, fmt.Sprintf("gateway holds the maximum of %d connections", r.max))
	}
	if _, ok := r.byClient[conn.ClientID]; ok {
		return kephasgate.NewValidationError(kephasgate.CodeDuplicateClient, fmt.Sprintf("client %s already has a live connection", conn.ClientID))
	}

	r.byClient[conn.ClientID] = conn
	r.byTransport[conn.TransportID()] = conn.ClientID
	addMember(r.byDevice, conn.DeviceID, conn.ClientID)
	return nil
}

// Remove drops the connection for clientID from every index, including its
// rooms.
func (r *Registry) Remove(clientID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(clientID)
}

// Detach removes conn only while it is still the live connection for its
// client, so a replaced connection cannot evict its successor.
func (r *Registry) Detach(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byClient[conn.ClientID] != conn {
		return false
	}
	_, ok := r.removeLocked(conn.ClientID)
	return ok
}

func (r *Registry) removeLocked(clientID string) (*Connection, bool) {
	conn, ok := r.byClient[clientID]
	if !ok {
		return nil, false
	}
	delete(r.byClient, clientID)
	if r.byTransport[conn.TransportID()] == clientID {
		delete(r.byTransport, conn.TransportID())
	}
	removeMember(r.byDevice, conn.DeviceID, clientID)

	conn.mu.Lock()
	for room := range conn.rooms {
		removeMember(r.rooms, room, clientID)
	}
	conn.rooms = make(map[string]struct{})
	conn.mu.Unlock()

	return conn, true
}

func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byClient[clientID]
	return conn, ok
}

func (r *Registry) GetByTransport(transportID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientID, ok := r.byTransport[transportID]
	if !ok {
		return nil, false
	}
	return r.byClient[clientID], true
}

// GetByDevice returns the device's connections ordered by client id.
func (r *Registry) GetByDevice(deviceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byDevice[deviceID])
}

// StaleSweep removes and returns every connection silent for longer than
// timeout.
func (r *Registry) StaleSweep(timeout time.Duration) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Connection
	for id, conn := range r.byClient {
		if conn.IdleFor() > timeout {
			if c, ok := r.removeLocked(id); ok {
				stale = append(stale, c)
			}
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ClientID < stale[j].ClientID })
	return stale
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// HasCapacity reports whether another connection would be admitted.
func (r *Registry) HasCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max <= 0 || len(r.byClient) < r.max
}

// Snapshot returns every connection ordered by client id.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byClient))
	for _, conn := range r.byClient {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Range calls fn for each connection in a snapshot until fn returns false.
func (r *Registry) Range(fn func(*Connection) bool) {
	for _, conn := range r.Snapshot() {
		if !fn(conn) {
			return
		}
	}
}

// JoinRoom adds clientID to room. It returns false if the client has no
// live connection.
func (r *Registry) JoinRoom(clientID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byClient[clientID]
	if !ok {
		return false
	}
	addMember(r.rooms, room, clientID)
	conn.mu.Lock()
	conn.rooms[room] = struct{}{}
	conn.mu.Unlock()
	return true
}

func (r *Registry) LeaveRoom(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removeMember(r.rooms, room, clientID)
	if conn, ok := r.byClient[clientID]; ok {
		conn.mu.Lock()
		delete(conn.rooms, room)
		conn.mu.Unlock()
	}
}

// InRoom returns the members of room ordered by client id.
func (r *Registry) InRoom(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.rooms[room])
}

func (r *Registry) collect(ids map[string]struct{}) []*Connection {
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.byClient[id]; ok {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func addMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}
