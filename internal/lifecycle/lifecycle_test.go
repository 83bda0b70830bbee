package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, s)
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.steps)
}

type fakeProxy struct {
	j   *journal
	err error
}

func (f *fakeProxy) SetSystemProxy(_ context.Context, enabled bool) error {
	if enabled {
		f.j.add("proxy_on")
	} else {
		f.j.add("proxy_off")
	}
	return f.err
}

type fakeServer struct{ j *journal }

func (f *fakeServer) Close() error                 { f.j.add("close_listener"); return nil }
func (f *fakeServer) Abort()                       { f.j.add("abort") }
func (f *fakeServer) Wait(_ context.Context) error { f.j.add("wait_handlers"); return nil }

type fakeRegistry struct {
	j    *journal
	live atomic.Int32
}

func (f *fakeRegistry) CloseAllGraceful() { f.j.add("close_graceful") }
func (f *fakeRegistry) DestroyAll()       { f.j.add("destroy_all"); f.live.Store(0) }
func (f *fakeRegistry) Len() int          { return int(f.live.Load()) }

type fakeStopper struct{ j *journal }

func (f *fakeStopper) Stop() { f.j.add("stop_sweeper") }

type fakeDashboard struct{ j *journal }

func (f *fakeDashboard) Shutdown(context.Context) error { f.j.add("stop_dashboard"); return nil }

type fakeCache struct {
	j    *journal
	name string
}

func (f *fakeCache) Close() { f.j.add("close_" + f.name) }

func newController(j *journal, live int32, grace time.Duration) (*Controller, *fakeRegistry) {
	reg := &fakeRegistry{j: j}
	reg.live.Store(live)
	return &Controller{
		SystemProxy: &fakeProxy{j: j, err: errors.New("networksetup missing")},
		Server:      &fakeServer{j: j},
		Registry:    reg,
		Sweeper:     &fakeStopper{j: j},
		Dashboard:   &fakeDashboard{j: j},
		Caches:      []Cache{&fakeCache{j: j, name: "apps"}, &fakeCache{j: j, name: "history"}},
		Grace:       grace,
	}, reg
}

func TestShutdownOrder(t *testing.T) {
	j := &journal{}
	c, _ := newController(j, 0, 50*time.Millisecond)

	// A failing system proxy toggle is logged, not returned.
	if err := c.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"proxy_off",
		"close_listener",
		"close_graceful",
		"stop_sweeper",
		"abort",
		"destroy_all",
		"wait_handlers",
		"stop_dashboard",
		"close_apps",
		"close_history",
	}
	if got := j.get(); !slices.Equal(got, want) {
		t.Fatalf("order %v", got)
	}
}

func TestShutdownWaitsGrace(t *testing.T) {
	j := &journal{}
	c, _ := newController(j, 3, 150*time.Millisecond)

	start := time.Now()
	if err := c.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 150*time.Millisecond {
		t.Fatalf("returned after %v, before the grace period", d)
	}
}

func TestShutdownEndsGraceWhenDrained(t *testing.T) {
	j := &journal{}
	c, reg := newController(j, 1, 5*time.Second)

	go func() {
		time.Sleep(60 * time.Millisecond)
		reg.live.Store(0)
	}()

	start := time.Now()
	if err := c.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("waited %v after the registry drained", d)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	j := &journal{}
	c, _ := newController(j, 0, 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() { _ = c.Shutdown(t.Context()) })
	}
	wg.Wait()

	if n := len(j.get()); n != 10 {
		t.Fatalf("ran %d steps, want one pass of 10", n)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdownNilComponents(t *testing.T) {
	var c Controller
	if err := c.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
}
