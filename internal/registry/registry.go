// Package registry tracks every live socket the proxy holds.
//
// Sockets are indexed flatly and, for client legs, by the client's
// ephemeral port. The port index owns the lifetime of application identity
// entries: the moment the last socket on a port leaves, that port's entry
// in the app cache is deleted. Every mutation of the port index and the app
// cache happens under one mutex, so the rule holds after each operation.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/die-net/approxy/internal/appcache"
	"github.com/die-net/approxy/internal/event"
	"github.com/die-net/approxy/internal/history"
	"github.com/die-net/approxy/internal/metrics"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultStaleTimeout  = 5 * time.Minute
	DefaultIdleAfter     = 30 * time.Second
)

type Config struct {
	// StaleTimeout is how long a socket may go without traffic before the
	// sweep or its idle timer destroys it.
	StaleTimeout time.Duration

	// IdleAfter is the inactivity after which Stats counts a socket as idle.
	IdleAfter time.Duration

	// KeepAlive is reapplied to live TCP sockets on every sweep.
	KeepAlive net.KeepAliveConfig

	Apps    *appcache.Cache
	History *history.Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats summarizes the sockets on one client port.
type Stats struct {
	Total          int     `json:"total"`
	Idle           int     `json:"idle"`
	AvgIdleSeconds float64 `json:"avgIdleSeconds"`
}

// PortInfo is one row of Snapshot.
type PortInfo struct {
	Port  uint16
	App   string
	Stats Stats
}

type Registry struct {
	staleTimeout time.Duration
	idleAfter    time.Duration
	keepAlive    net.KeepAliveConfig
	apps         *appcache.Cache
	history      *history.Cache
	logger       *slog.Logger
	metrics      *metrics.Metrics

	now func() time.Time

	mu     sync.Mutex
	active map[*Conn]struct{}
	ports  map[uint16]map[*Conn]struct{}
	// Apps whose last port entry went away since the previous sweep.
	released map[string]struct{}
	shut     bool
}

func New(cfg Config) *Registry {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.Apps == nil {
		cfg.Apps = appcache.New()
	}
	return &Registry{
		staleTimeout: cfg.StaleTimeout,
		idleAfter:    cfg.IdleAfter,
		keepAlive:    cfg.KeepAlive,
		apps:         cfg.Apps,
		history:      cfg.History,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          time.Now,
		active:       make(map[*Conn]struct{}),
		ports:        make(map[uint16]map[*Conn]struct{}),
		released:     make(map[string]struct{}),
	}
}

// Apps returns the app identity cache the registry guards.
func (r *Registry) Apps() *appcache.Cache {
	return r.apps
}

// Add starts tracking c. It returns false, and closes c, once DestroyAll
// has run.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		_ = c.Close()
		return false
	}
	if c.tracked {
		r.mu.Unlock()
		return true
	}
	c.tracked = true
	r.active[c] = struct{}{}
	if c.port != 0 {
		set := r.ports[c.port]
		if set == nil {
			set = make(map[*Conn]struct{})
			r.ports[c.port] = set
		}
		set[c] = struct{}{}
	}
	r.mu.Unlock()

	r.metrics.IncSockets()
	return true
}

// Track wraps nc and adds it.
func (r *Registry) Track(nc net.Conn, role Role) (*Conn, bool) {
	c := Wrap(nc, role)
	return c, r.Add(c)
}

// Remove stops tracking c. It does not close it.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	removed := r.removeLocked(c)
	r.mu.Unlock()

	if removed {
		r.metrics.DecSockets()
	}
}

func (r *Registry) removeLocked(c *Conn) bool {
	if !c.tracked {
		return false
	}
	c.tracked = false
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	delete(r.active, c)

	if c.port == 0 {
		return true
	}
	set := r.ports[c.port]
	delete(set, c)
	if len(set) > 0 {
		return true
	}
	delete(r.ports, c.port)
	if app, ok := r.apps.Get(c.port); ok {
		r.apps.Delete(c.port)
		r.released[app] = struct{}{}
	}
	return true
}

// HasLive reports whether any tracked socket uses client port.
func (r *Registry) HasLive(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports[port]) > 0
}

// Len returns the number of tracked sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CachedApp returns the cached application for a live port.
func (r *Registry) CachedApp(port uint16) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ports[port]) == 0 {
		return "", false
	}
	return r.apps.Get(port)
}

// CacheApp records name for port if the port is still live. A lookup that
// finishes after its connection is gone must not leave an entry behind.
func (r *Registry) CacheApp(port uint16, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ports[port]) == 0 {
		return false
	}
	r.apps.Set(port, name)
	return true
}

// LookupApp returns the application owning port, consulting the cache
// before res. hit reports whether the cache answered.
func (r *Registry) LookupApp(ctx context.Context, port uint16, res appcache.Resolver) (name string, hit bool, err error) {
	if name, ok := r.CachedApp(port); ok {
		r.metrics.RecordIdentityLookup("hit")
		return name, true, nil
	}
	if res == nil {
		return "", false, errors.New("no identity resolver")
	}

	name, err = r.apps.Resolve(ctx, port, res)
	if err != nil {
		r.metrics.RecordIdentityLookup("failed")
		return "", false, err
	}
	r.metrics.RecordIdentityLookup("resolved")
	r.CacheApp(port, name)
	return name, false, nil
}

// Stats summarizes port. Idle counts sockets with no traffic for at least
// the configured IdleAfter.
func (r *Registry) Stats(port uint16) Stats {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked(r.ports[port], now)
}

func (r *Registry) statsLocked(set map[*Conn]struct{}, now time.Time) Stats {
	st := Stats{Total: len(set)}
	var idleSum time.Duration
	for c := range set {
		d := now.Sub(c.LastActivity())
		if d >= r.idleAfter {
			st.Idle++
			idleSum += d
		}
	}
	if st.Idle > 0 {
		st.AvgIdleSeconds = idleSum.Seconds() / float64(st.Idle)
	}
	return st
}

// Snapshot returns every indexed port with its cached app and stats.
func (r *Registry) Snapshot() []PortInfo {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PortInfo, 0, len(r.ports))
	for port, set := range r.ports {
		app, _ := r.apps.Get(port)
		out = append(out, PortInfo{Port: port, App: app, Stats: r.statsLocked(set, now)})
	}
	return out
}

func (r *Registry) snapshotConns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.active))
	for c := range r.active {
		out = append(out, c)
	}
	return out
}

// CloseAllGraceful half-closes every tracked socket. Sockets stay tracked.
func (r *Registry) CloseAllGraceful() {
	for _, c := range r.snapshotConns() {
		if err := c.CloseWrite(); err != nil {
			r.logCloseError(c, "close_write", err)
		}
	}
}

// DestroyAll closes and removes every tracked socket. Later Adds are
// refused.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	r.shut = true
	r.mu.Unlock()

	for _, c := range r.snapshotConns() {
		r.destroy(c)
		r.Remove(c)
	}
}

// destroy ends then closes c, logging anything other than an
// already-closed error.
func (r *Registry) destroy(c *Conn) {
	if !c.Destroyed() {
		if err := c.CloseWrite(); err != nil && !isClosed(err) {
			r.logCloseError(c, "close_write", err)
		}
	}
	if err := c.Close(); err != nil && !isClosed(err) {
		r.logCloseError(c, "close", err)
	}
}

func (r *Registry) logCloseError(c *Conn, op string, err error) {
	if isClosed(err) {
		return
	}
	event.Emit(context.Background(), r.logger, slog.LevelDebug, event.CloseError,
		slog.String("op", op),
		slog.String("role", c.role.String()),
		slog.Int("port", int(c.port)),
		event.Err(err),
	)
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
