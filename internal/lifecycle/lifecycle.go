// Package lifecycle runs approxy's ordered shutdown.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/die-net/approxy/internal/event"
)

// GracePeriod is how long half-closed connections get to drain before
// everything left is destroyed.
const GracePeriod = 2 * time.Second

const pollInterval = 50 * time.Millisecond

// ProxySetter toggles the system proxy.
type ProxySetter interface {
	SetSystemProxy(ctx context.Context, enabled bool) error
}

// Server is the connection router.
type Server interface {
	Close() error
	Abort()
	Wait(ctx context.Context) error
}

// Registry is the live-socket registry.
type Registry interface {
	CloseAllGraceful()
	DestroyAll()
	Len() int
}

type Stopper interface {
	Stop()
}

type Dashboard interface {
	Shutdown(ctx context.Context) error
}

type Cache interface {
	Close()
}

// Controller owns every component that must be torn down, in order. Nil
// fields are skipped.
type Controller struct {
	SystemProxy ProxySetter
	Server      Server
	Registry    Registry
	Sweeper     Stopper
	Dashboard   Dashboard
	Caches      []Cache
	Logger      *slog.Logger

	// Grace overrides GracePeriod in tests.
	Grace time.Duration

	once sync.Once
	done chan struct{}
	err  error
	mu   sync.Mutex
}

func (c *Controller) doneChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Done is closed once Shutdown has finished.
func (c *Controller) Done() <-chan struct{} {
	return c.doneChan()
}

// Shutdown turns the system proxy off, stops accepting, half-closes every
// socket, waits out the grace period (or until nothing is left), stops the
// sweeper, destroys what remains, waits for handlers, stops the dashboard
// and finally clears the caches. Later calls wait for the first to finish
// and return its result.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := c.doneChan()
	c.once.Do(func() {
		defer close(done)
		c.err = c.shutdown(ctx)
	})
	<-done
	return c.err
}

func (c *Controller) shutdown(ctx context.Context) error {
	grace := c.Grace
	if grace <= 0 {
		grace = GracePeriod
	}
	event.Emit(ctx, c.Logger, slog.LevelInfo, event.ServerStopping, slog.Duration("grace", grace))

	var errs []error

	if c.SystemProxy != nil {
		if err := c.SystemProxy.SetSystemProxy(ctx, false); err != nil {
			event.Emit(ctx, c.Logger, slog.LevelWarn, event.SystemProxyFailed, event.Err(err))
		}
	}

	if c.Server != nil {
		if err := c.Server.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Registry != nil {
		c.Registry.CloseAllGraceful()
		c.waitDrained(ctx, grace)
	}

	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}

	if c.Server != nil {
		c.Server.Abort()
	}
	if c.Registry != nil {
		c.Registry.DestroyAll()
	}

	if c.Server != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		if err := c.Server.Wait(wctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if c.Dashboard != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		if err := c.Dashboard.Shutdown(dctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	for _, cache := range c.Caches {
		if cache != nil {
			cache.Close()
		}
	}

	err := errors.Join(errs...)
	attrs := []slog.Attr{}
	if err != nil {
		attrs = append(attrs, event.Err(err))
	}
	event.Emit(ctx, c.Logger, slog.LevelInfo, event.ServerStopped, attrs...)
	return err
}

// waitDrained returns once the registry is empty, grace has elapsed or ctx
// is done.
func (c *Controller) waitDrained(ctx context.Context, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for c.Registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
