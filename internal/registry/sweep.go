package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/die-net/approxy/internal/event"
)

const (
	reasonDestroyed   = "destroyed"
	reasonNotWritable = "not_writable"
	reasonStale       = "stale"
	reasonIdleTimeout = "idle_timeout"
)

// SweepResult counts what one Sweep did.
type SweepResult struct {
	Checked int
	Reaped  int
	Active  int
}

// Sweep reaps destroyed, unwritable and stale sockets. Live sockets get
// their socket options refreshed and an idle timer armed. Afterwards, the
// target history of any application that no longer owns a port is dropped.
func (r *Registry) Sweep() SweepResult {
	now := r.now()
	conns := r.snapshotConns()
	res := SweepResult{Checked: len(conns)}

	for _, c := range conns {
		reason := r.staleReason(c, now)
		if reason == "" {
			c.refreshOptions(r.keepAlive)
			r.armIdleTimer(c, now)
			continue
		}
		r.reap(c, reason)
		res.Reaped++
	}

	// Empty port sets are dropped by Remove as they happen; only the
	// history cascade is deferred to here.
	r.mu.Lock()
	released := r.released
	r.released = make(map[string]struct{})
	for app := range released {
		if !r.apps.HasApp(app) && r.history != nil {
			r.history.Delete(app)
		}
	}
	res.Active = len(r.active)
	r.mu.Unlock()

	event.Emit(context.Background(), r.logger, slog.LevelDebug, event.SweepFinished,
		slog.Int("checked", res.Checked),
		slog.Int("reaped", res.Reaped),
		slog.Int("active", res.Active),
	)
	return res
}

func (r *Registry) staleReason(c *Conn, now time.Time) string {
	switch {
	case c.Destroyed():
		return reasonDestroyed
	case !c.Writable():
		return reasonNotWritable
	case now.Sub(c.LastActivity()) > r.staleTimeout:
		return reasonStale
	default:
		return ""
	}
}

func (r *Registry) reap(c *Conn, reason string) {
	r.destroy(c)
	r.Remove(c)
	r.metrics.RecordSwept(reason)

	event.Emit(context.Background(), r.logger, slog.LevelInfo, event.SweepReaped,
		slog.String("reason", reason),
		slog.String("role", c.role.String()),
		slog.Int("port", int(c.port)),
		slog.Duration("idle", r.now().Sub(c.LastActivity())),
	)
}

// armIdleTimer (re)schedules c's hard idle timeout for when it would
// become stale.
func (r *Registry) armIdleTimer(c *Conn, now time.Time) {
	remaining := r.staleTimeout - now.Sub(c.LastActivity())
	if remaining <= 0 {
		remaining = time.Millisecond
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.tracked {
		return
	}
	if c.idle != nil {
		c.idle.Reset(remaining)
		return
	}
	c.idle = time.AfterFunc(remaining, func() { r.idleExpired(c) })
}

func (r *Registry) idleExpired(c *Conn) {
	now := r.now()
	if now.Sub(c.LastActivity()) < r.staleTimeout {
		r.armIdleTimer(c, now)
		return
	}

	r.mu.Lock()
	tracked := c.tracked
	r.mu.Unlock()
	if !tracked {
		return
	}

	event.Emit(context.Background(), r.logger, slog.LevelInfo, event.IdleTimeout,
		slog.String("role", c.role.String()),
		slog.Int("port", int(c.port)),
	)
	r.reap(c, reasonIdleTimeout)
}

// Sweeper runs Sweep on an interval until stopped.
type Sweeper struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartSweeper sweeps every interval in a new goroutine.
func (r *Registry) StartSweeper(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				r.Sweep()
			}
		}
	}()

	return s
}

// Stop cancels the sweeper and waits for an in-flight sweep to finish.
// It is safe to call more than once.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
