package presence

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/dmhub/internal/wire"
	"github.com/samber/lo"
)

// ErrConnectionIDInUse is returned when a connection id is already held by
// another user.
var ErrConnectionIDInUse = errors.New("connection id already registered to another user")

// Conn is a live connection handle. Push must not block: implementations
// enqueue and return, reporting an error when the frame cannot be accepted.
type Conn interface {
	ID() string
	UserID() string
	EstablishedAt() time.Time
	Push(f wire.Frame) error
}

// Observer is notified after every effective registry mutation for a user.
// count is the number of live connections the user held right after it.
type Observer interface {
	ConnectionsChanged(userID string, count int)
}

// Registry tracks the live connections of every user. A user may hold any
// number of connections; a connection id belongs to exactly one user.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]map[string]Conn // user id -> connection id -> handle
	owners    map[string]string          // connection id -> user id
	observers []Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]map[string]Conn),
		owners: make(map[string]string),
	}
}

// Observe registers o for mutation notifications. Call before the registry
// is shared.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Add registers conn for userID. Adding the same pair twice is a no-op.
func (r *Registry) Add(userID string, conn Conn) error {
	connID := conn.ID()

	r.mu.Lock()
	if owner, ok := r.owners[connID]; ok {
		r.mu.Unlock()
		if owner == userID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConnectionIDInUse, connID)
	}
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userID] = set
	}
	set[connID] = conn
	r.owners[connID] = userID
	count := len(set)
	observers := r.observers
	r.mu.Unlock()

	notify(observers, userID, count)
	return nil
}

// Remove unregisters the (userID, connID) pair. An absent pair is ignored.
func (r *Registry) Remove(userID, connID string) {
	r.mu.Lock()
	if r.owners[connID] != userID {
		r.mu.Unlock()
		return
	}
	set := r.conns[userID]
	delete(set, connID)
	delete(r.owners, connID)
	count := len(set)
	if count == 0 {
		delete(r.conns, userID)
	}
	observers := r.observers
	r.mu.Unlock()

	notify(observers, userID, count)
}

func notify(observers []Observer, userID string, count int) {
	for _, o := range observers {
		o.ConnectionsChanged(userID, count)
	}
}

// Connections returns a snapshot of the user's live connection handles.
func (r *Registry) Connections(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.conns[userID])
}

// ConnectionIDs returns a sorted snapshot of the user's connection ids.
func (r *Registry) ConnectionIDs(userID string) []string {
	r.mu.RLock()
	ids := lo.Keys(r.conns[userID])
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineUsers returns the sorted ids of every user with a live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := lo.Keys(r.conns)
	r.mu.RUnlock()
	slices.Sort(users)
	return users
}

// Others returns a snapshot of every live connection not owned by userID.
func (r *Registry) Others(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conn
	for owner, set := range r.conns {
		if owner == userID {
			continue
		}
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

// Stats is a point-in-time size of the registry.
type Stats struct {
	Users       int
	Connections int
}

// Stats returns the current number of online users and live connections.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Users: len(r.conns), Connections: len(r.owners)}
}
