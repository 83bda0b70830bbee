package registry

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/approxy/internal/appcache"
	"github.com/die-net/approxy/internal/history"
)

func pipeConn(t *testing.T, role Role, port uint16) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newConn(a, role, port, time.Now()), b
}

func TestPortInvariant(t *testing.T) {
	r := New(Config{})

	c1, _ := pipeConn(t, RoleClient, 5000)
	c2, _ := pipeConn(t, RoleClient, 5000)
	r.Add(c1)
	r.Add(c2)

	if !r.CacheApp(5000, "safari") {
		t.Fatal("CacheApp on live port returned false")
	}

	r.Remove(c1)
	if !r.HasLive(5000) {
		t.Fatal("port should still be live")
	}
	if name, ok := r.CachedApp(5000); !ok || name != "safari" {
		t.Fatalf("CachedApp = %q, %v", name, ok)
	}

	r.Remove(c2)
	if r.HasLive(5000) {
		t.Fatal("port should not be live")
	}
	if r.Apps().Has(5000) {
		t.Fatal("app entry survived its last connection")
	}

	// Removing twice is harmless.
	r.Remove(c2)
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestCacheAppRequiresLivePort(t *testing.T) {
	r := New(Config{})
	if r.CacheApp(6000, "curl") {
		t.Fatal("CacheApp on dead port returned true")
	}
	if r.Apps().Has(6000) {
		t.Fatal("dead port was cached")
	}
}

func TestOutboundNotIndexed(t *testing.T) {
	r := New(Config{})
	c, _ := pipeConn(t, RoleOutbound, 0)
	r.Add(c)
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("outbound socket appeared in the port index")
	}
}

func TestLookupApp(t *testing.T) {
	r := New(Config{})
	c, _ := pipeConn(t, RoleClient, 7000)
	r.Add(c)

	var calls atomic.Int32
	res := appcache.ResolverFunc(func(ctx context.Context, port uint16) (string, error) {
		calls.Add(1)
		return "firefox", nil
	})

	name, hit, err := r.LookupApp(t.Context(), 7000, res)
	if err != nil || hit || name != "firefox" {
		t.Fatalf("first lookup = %q, %v, %v", name, hit, err)
	}
	name, hit, err = r.LookupApp(t.Context(), 7000, res)
	if err != nil || !hit || name != "firefox" {
		t.Fatalf("second lookup = %q, %v, %v", name, hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("resolver called %d times", calls.Load())
	}
}

func TestLookupAppAfterCloseLeavesNoEntry(t *testing.T) {
	r := New(Config{})
	res := appcache.ResolverFunc(func(ctx context.Context, port uint16) (string, error) {
		return "late", nil
	})

	name, _, err := r.LookupApp(t.Context(), 7100, res)
	if err != nil || name != "late" {
		t.Fatalf("lookup = %q, %v", name, err)
	}
	if r.Apps().Has(7100) {
		t.Fatal("lookup on a dead port populated the cache")
	}
}

func TestLookupAppError(t *testing.T) {
	r := New(Config{})
	c, _ := pipeConn(t, RoleClient, 7200)
	r.Add(c)

	want := errors.New("lsof failed")
	_, _, err := r.LookupApp(t.Context(), 7200, appcache.ResolverFunc(func(context.Context, uint16) (string, error) {
		return "", want
	}))
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
	if r.Apps().Has(7200) {
		t.Fatal("failed lookup was cached")
	}
}

func TestStats(t *testing.T) {
	r := New(Config{IdleAfter: time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }

	busy, _ := pipeConn(t, RoleClient, 8000)
	idle1, _ := pipeConn(t, RoleClient, 8000)
	idle2, _ := pipeConn(t, RoleClient, 8000)
	busy.lastActivity.Store(base.UnixNano())
	idle1.lastActivity.Store(base.Add(-2 * time.Minute).UnixNano())
	idle2.lastActivity.Store(base.Add(-4 * time.Minute).UnixNano())
	r.Add(busy)
	r.Add(idle1)
	r.Add(idle2)

	st := r.Stats(8000)
	if st.Total != 3 || st.Idle != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if st.AvgIdleSeconds != 180 {
		t.Fatalf("AvgIdleSeconds = %v", st.AvgIdleSeconds)
	}

	if st := r.Stats(9999); st.Total != 0 || st.Idle != 0 {
		t.Fatalf("unknown port stats = %+v", st)
	}
}

func TestSweepReapsSilentClient(t *testing.T) {
	r := New(Config{StaleTimeout: time.Minute})
	c, peer := pipeConn(t, RoleClient, 9000)
	r.Add(c)
	r.CacheApp(9000, "slack")

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	res := r.Sweep()
	if res.Reaped != 1 || res.Active != 0 {
		t.Fatalf("sweep = %+v", res)
	}
	if r.HasLive(9000) || r.Apps().Has(9000) {
		t.Fatal("reaped socket left index entries behind")
	}
	if !c.Destroyed() {
		t.Fatal("reaped socket not destroyed")
	}
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("peer read err = %v", err)
	}
}

func TestSweepReapsDestroyedAndHalfClosed(t *testing.T) {
	r := New(Config{})
	dead, _ := pipeConn(t, RoleOutbound, 0)
	half, _ := pipeConn(t, RoleClient, 9100)
	live, _ := pipeConn(t, RoleClient, 9200)
	r.Add(dead)
	r.Add(half)
	r.Add(live)

	_ = dead.Close()
	half.writeClosed.Store(true)

	res := r.Sweep()
	if res.Checked != 3 || res.Reaped != 2 || res.Active != 1 {
		t.Fatalf("sweep = %+v", res)
	}
	if !r.HasLive(9200) {
		t.Fatal("live socket was reaped")
	}
	r.DestroyAll()
}

func TestSweepClearsHistoryOfReleasedApps(t *testing.T) {
	h := history.New(time.Hour, 0)
	r := New(Config{History: h})

	a, _ := pipeConn(t, RoleClient, 10000)
	b, _ := pipeConn(t, RoleClient, 10001)
	r.Add(a)
	r.Add(b)
	r.CacheApp(10000, "chrome")
	r.CacheApp(10001, "chrome")
	h.RecordTarget("chrome", history.TargetRecord{Host: "example.com", Port: 443})
	h.RecordTarget("example.org", history.TargetRecord{Host: "example.org", Port: 80})

	r.Remove(a)
	r.Sweep()
	if len(h.GetTargets("chrome")) != 1 {
		t.Fatal("history dropped while another port still maps to the app")
	}

	r.Remove(b)
	r.Sweep()
	if len(h.GetTargets("chrome")) != 0 {
		t.Fatal("history survived its app's last port")
	}
	if len(h.GetTargets("example.org")) != 1 {
		t.Fatal("host-keyed history was dropped")
	}
}

func TestIdleTimerReaps(t *testing.T) {
	r := New(Config{StaleTimeout: 50 * time.Millisecond})
	c, _ := pipeConn(t, RoleClient, 11000)
	r.Add(c)

	if res := r.Sweep(); res.Reaped != 0 {
		t.Fatalf("fresh socket reaped: %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.HasLive(11000) {
		if time.Now().After(deadline) {
			t.Fatal("idle timer never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Destroyed() {
		t.Fatal("idle socket not destroyed")
	}
}

func TestActivityUpdatesLastActivity(t *testing.T) {
	c, peer := pipeConn(t, RoleClient, 12000)
	old := time.Now().Add(-time.Hour)
	c.lastActivity.Store(old.UnixNano())

	go func() { _, _ = peer.Read(make([]byte, 4)) }()
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if !c.LastActivity().After(old) {
		t.Fatal("write did not refresh activity")
	}
}

func TestCloseAllGracefulSendsFIN(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server := <-accepted

	r := New(Config{})
	c, ok := r.Track(server, RoleClient)
	if !ok {
		t.Fatal("Track refused")
	}
	if c.Port() != RemotePort(client.LocalAddr()) {
		t.Fatalf("port = %d, want %d", c.Port(), RemotePort(client.LocalAddr()))
	}

	r.CloseAllGraceful()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("client read err = %v, want EOF", err)
	}
	if r.Len() != 1 || c.Destroyed() {
		t.Fatal("graceful close destroyed the socket")
	}

	r.DestroyAll()
	if r.Len() != 0 || !c.Destroyed() {
		t.Fatal("DestroyAll left sockets behind")
	}
}

func TestAddAfterDestroyAll(t *testing.T) {
	r := New(Config{})
	r.DestroyAll()

	c, _ := pipeConn(t, RoleOutbound, 0)
	if r.Add(c) {
		t.Fatal("Add succeeded after DestroyAll")
	}
	if !c.Destroyed() {
		t.Fatal("refused socket was not closed")
	}
}

func TestSweeperStop(t *testing.T) {
	r := New(Config{})
	s := r.StartSweeper(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()

	var nilSweeper *Sweeper
	nilSweeper.Stop()
}
