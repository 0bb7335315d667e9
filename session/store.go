// Package session holds the ephemeral per-connection context of live sockets.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Screen is the visitor's reported screen size.
type Screen struct {
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Context is what the server knows about one live connection.
// Handshake fields are set once; identity fields are merged on IDENTIFY.
type Context struct {
	DomainID  string
	IP        string
	UserAgent string
	Referrer  string

	Fingerprint string
	TabID       string
	URL         string
	Language    string
	Screen      *Screen
}

// Identity holds the fields an IDENTIFY message may carry.
// Empty values never overwrite what is already known.
type Identity struct {
	Fingerprint string
	TabID       string
	URL         string
	Language    string
	Screen      *Screen
}

// Identified reports whether the context has a fingerprint.
func (c *Context) Identified() bool { return c.Fingerprint != "" }

func (c *Context) merge(id Identity) {
	if id.Fingerprint != "" {
		c.Fingerprint = id.Fingerprint
	}
	if id.TabID != "" {
		c.TabID = id.TabID
	}
	if id.URL != "" {
		c.URL = id.URL
	}
	if id.Language != "" {
		c.Language = id.Language
	}
	if id.Screen != nil {
		s := *id.Screen
		c.Screen = &s
	}
}

type entry struct {
	ctx      *Context
	lastSeen time.Time
}

// Store maps connection tokens to contexts.
type Store struct {
	entries map[string]*entry
	mu      sync.RWMutex

	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time
	logger      *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Config configures a Store.
type Config struct {
	// IdleTimeout drops contexts not touched for this long. Zero disables the reaper.
	IdleTimeout time.Duration
	// SweepInterval is how often the reaper runs. Defaults to IdleTimeout/4.
	SweepInterval time.Duration
}

// NewStore creates a session store. Call Start to run the idle reaper.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SweepInterval
	if interval <= 0 && cfg.IdleTimeout > 0 {
		interval = cfg.IdleTimeout / 4
	}
	return &Store{
		entries:     make(map[string]*entry),
		idleTimeout: cfg.IdleTimeout,
		interval:    interval,
		now:         time.Now,
		logger:      logger.With("component", "session"),
	}
}

// Save stores ctx under token, replacing any previous context.
func (s *Store) Save(token string, ctx *Context) {
	s.mu.Lock()
	s.entries[token] = &entry{ctx: ctx, lastSeen: s.now()}
	s.mu.Unlock()
}

// Get returns a copy of the context for token and marks it active.
func (s *Store) Get(token string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return nil, false
	}
	e.lastSeen = s.now()
	c := *e.ctx
	return &c, true
}

// Merge applies id to the stored context and returns a copy of the result.
func (s *Store) Merge(token string, id Identity) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return nil, false
	}
	e.ctx.merge(id)
	e.lastSeen = s.now()
	c := *e.ctx
	return &c, true
}

// Remove deletes the context for token.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
}

// Release deletes the context for token only if it is still ctx.
// A connection that reused a token cannot drop a newer connection's context.
func (s *Store) Release(token string, ctx *Context) {
	s.mu.Lock()
	if e, ok := s.entries[token]; ok && e.ctx == ctx {
		delete(s.entries, token)
	}
	s.mu.Unlock()
}

// Len returns the number of stored contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Start runs the idle reaper until Stop is called.
func (s *Store) Start() {
	if s.idleTimeout <= 0 || s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.reapLoop()
}

// Stop halts the reaper. It is safe to call more than once.
func (s *Store) Stop() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Store) reapLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.logger.Info("reaped idle session contexts", "count", n)
			}
		}
	}
}

// Reap removes contexts idle longer than the idle timeout and returns how many.
func (s *Store) Reap() int {
	if s.idleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, token)
			n++
		}
	}
	return n
}
