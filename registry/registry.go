// Package registry routes live messages to the sockets watching a fingerprint.
//
// The registry is a routing index only. It owns no persisted state and starts
// empty after a restart.
package registry

import (
	"log/slog"
	"sort"
	"sync"
)

// Role tags a registered connection.
type Role string

const (
	// RoleClient is a tracker connection producing events.
	RoleClient Role = "client"
	// RolePlayer is a viewer connection consuming a replay.
	RolePlayer Role = "player"
)

// Conn is a connection the registry can deliver to.
// Implementations must be comparable and Send must not block for long.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// Registry is a many-to-many index from fingerprint to connections.
type Registry struct {
	buckets map[string]map[Conn]Role
	owners  map[Conn]string
	mu      sync.RWMutex
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		buckets: make(map[string]map[Conn]Role),
		owners:  make(map[Conn]string),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds conn under fp with role. A connection belongs to at most one
// fingerprint, so any previous registration of conn is dropped first.
func (r *Registry) Register(fp string, conn Conn, role Role) {
	r.mu.Lock()
	r.removeLocked(conn)
	bucket, ok := r.buckets[fp]
	if !ok {
		bucket = make(map[Conn]Role)
		r.buckets[fp] = bucket
	}
	bucket[conn] = role
	r.owners[conn] = fp
	r.mu.Unlock()

	r.logger.Debug("registered socket", "fp", fp, "conn", conn.ID(), "role", role)
}

// Unregister removes conn from every bucket. Unknown connections are ignored.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	removed := r.removeLocked(conn)
	r.mu.Unlock()

	if removed {
		r.logger.Debug("unregistered socket", "conn", conn.ID())
	}
}

func (r *Registry) removeLocked(conn Conn) bool {
	fp, ok := r.owners[conn]
	if !ok {
		return false
	}
	delete(r.owners, conn)
	if bucket, ok := r.buckets[fp]; ok {
		delete(bucket, conn)
		if len(bucket) == 0 {
			delete(r.buckets, fp)
		}
	}
	return true
}

// Lookup returns the connections registered under fp. With roles given only
// connections holding one of those roles are returned.
func (r *Registry) Lookup(fp string, roles ...Role) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.buckets[fp]
	out := make([]Conn, 0, len(bucket))
	for conn, role := range bucket {
		if matches(role, roles) {
			out = append(out, conn)
		}
	}
	return out
}

func matches(role Role, roles []Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Send delivers msg to every matching connection under fp and returns how
// many accepted it. A failing connection is logged and skipped.
func (r *Registry) Send(fp string, msg []byte, roles ...Role) int {
	conns := r.Lookup(fp, roles...)
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			r.logger.Warn("failed to send to socket", "fp", fp, "conn", conn.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Fingerprint returns the fingerprint conn is registered under.
func (r *Registry) Fingerprint(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.owners[conn]
	return fp, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// Fingerprints returns the fingerprints with at least one connection, sorted.
func (r *Registry) Fingerprints() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.buckets))
	for fp := range r.buckets {
		out = append(out, fp)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats summarises the registry.
type Stats struct {
	Connections  int          `json:"connections"`
	Fingerprints int          `json:"fingerprints"`
	ByRole       map[Role]int `json:"byRole"`
}

// Stats returns a snapshot of registry counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Connections:  len(r.owners),
		Fingerprints: len(r.buckets),
		ByRole:       map[Role]int{RoleClient: 0, RolePlayer: 0},
	}
	for _, bucket := range r.buckets {
		for _, role := range bucket {
			s.ByRole[role]++
		}
	}
	return s
}
