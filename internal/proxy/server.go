package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httputil"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/approxy/internal/appcache"
	"github.com/die-net/approxy/internal/dialer"
	"github.com/die-net/approxy/internal/event"
	"github.com/die-net/approxy/internal/history"
	"github.com/die-net/approxy/internal/identity"
	"github.com/die-net/approxy/internal/metrics"
	"github.com/die-net/approxy/internal/registry"
	"github.com/die-net/approxy/internal/route"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type Config struct {
	Rules    *route.Rules
	Registry *registry.Registry

	// Resolver finds the application behind a client port. Nil leaves
	// every connection anonymous.
	Resolver appcache.Resolver

	// Direct dials targets and relay upstreams.
	Direct dialer.Dialer

	// History receives one record per routed connection. Nil disables
	// recording.
	History *history.Cache

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	BufferSize int

	// OnPanic is called after a connection handler panics.
	OnPanic func(error)

	// OnClosed is called as each connection handler returns.
	OnClosed func(Summary)
}

// Summary describes one finished connection.
type Summary struct {
	ID       uint64
	App      string
	Request  Request
	Decision route.Decision
	States   []State
	Transfer Transfer
	Err      error
}

type Server struct {
	cfg  Config
	pool httputil.BufferPool

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Direct == nil {
		cfg.Direct = dialer.NewDirectDialer(dialer.Config{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		pool:      NewBufferPool(cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
}

func (s *Server) Registry() *registry.Registry {
	return s.cfg.Registry
}

// Serve accepts connections on ln until Close. It returns nil once the
// server is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Go(func() { s.handle(c) })
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting new connections. Connections already accepted are
// left alone.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(s.listeners, ln)
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Abort cancels in-flight dials and identity lookups.
func (s *Server) Abort() {
	s.cancel()
}

// Wait blocks until every connection handler has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is the per-connection state threaded through the handler.
type conn struct {
	id       uint64
	client   *registry.Conn
	sm       *stateMachine
	app      string
	req      Request
	decision route.Decision
	transfer Transfer
	err      error
}

func (c *conn) attrs(extra ...slog.Attr) []slog.Attr {
	attrs := []slog.Attr{
		slog.Uint64("conn", c.id),
		event.App(c.app),
		slog.Int("client_port", int(c.client.Port())),
	}
	if c.req.Host != "" {
		attrs = append(attrs,
			slog.String("target", c.req.Addr()),
			slog.String("protocol", string(c.req.Protocol())),
		)
	}
	return append(attrs, extra...)
}

func (s *Server) handle(nc net.Conn) {
	client, ok := s.cfg.Registry.Track(nc, registry.RoleClient)
	if !ok {
		return
	}
	c := &conn{id: s.nextID.Add(1), client: client, sm: newStateMachine()}

	defer func() {
		if v := recover(); v != nil {
			err := fmt.Errorf("connection handler panic: %v", v)
			c.err = err
			event.Emit(s.ctx, s.cfg.Logger, slog.LevelError, event.HandlerPanic,
				c.attrs(event.Err(err), slog.String("stack", string(debug.Stack())))...)
			if s.cfg.OnPanic != nil {
				s.cfg.OnPanic(err)
			}
		}
		_ = client.Close()
		s.cfg.Registry.Remove(client)
		c.sm.advance(StateClosed)
		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(Summary{
				ID:       c.id,
				App:      c.app,
				Request:  c.req,
				Decision: c.decision,
				States:   c.sm.path,
				Transfer: c.transfer,
				Err:      c.err,
			})
		}
	}()

	c.err = s.serveConn(s.ctx, c)
}

func (s *Server) serveConn(ctx context.Context, c *conn) error {
	c.sm.advance(StateAwaitingFirstData)
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	n, err := c.client.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			event.Emit(ctx, s.cfg.Logger, slog.LevelWarn, event.ClientError, c.attrs(event.Err(err))...)
			return err
		}
		return nil
	}
	chunk := buf[:n]

	c.sm.advance(StateResolving)
	c.app = s.lookupApp(ctx, c)

	req, err := ParseRequest(chunk)
	if err != nil {
		s.cfg.Metrics.RecordParseFailure()
		event.Emit(ctx, s.cfg.Logger, slog.LevelWarn, event.ParseFailed,
			c.attrs(slog.String("data", req.Line))...)
		return err
	}
	c.req = req
	event.Emit(ctx, s.cfg.Logger, slog.LevelDebug, event.RequestParsed, c.attrs()...)

	c.decision = s.cfg.Rules.Resolve(req.Target(), c.app)
	routeType := s.announceRoute(ctx, c)
	s.cfg.Metrics.RecordConnection(string(routeType))
	s.record(c, routeType, history.StatusConnecting)

	c.sm.advance(StateConnecting)
	nout, err := s.dial(ctx, c)
	if err != nil {
		s.cfg.Metrics.RecordConnectFailure(string(routeType))
		s.record(c, routeType, history.StatusFailed)
		event.Emit(ctx, s.cfg.Logger, slog.LevelWarn, event.ConnectFailed, c.attrs(event.Err(err))...)
		return err
	}
	out, ok := s.cfg.Registry.Track(nout, registry.RoleOutbound)
	if !ok {
		return net.ErrClosed
	}
	defer func() {
		_ = out.Close()
		s.cfg.Registry.Remove(out)
	}()

	s.record(c, routeType, history.StatusSuccess)
	event.Emit(ctx, s.cfg.Logger, slog.LevelInfo, event.ConnectOK,
		c.attrs(slog.String("mode", s.modeName(c.decision)))...)

	if err := s.writePreamble(c, out, chunk); err != nil {
		event.Emit(ctx, s.cfg.Logger, slog.LevelWarn, event.ClientError, c.attrs(event.Err(err))...)
		return err
	}

	c.sm.advance(StateRelaying)
	c.transfer, err = CopyBidirectional(ctx, c.client, out, s.pool)
	s.cfg.Metrics.AddRelayBytes("upload", c.transfer.Up)
	s.cfg.Metrics.AddRelayBytes("download", c.transfer.Down)

	level := slog.LevelInfo
	attrs := c.attrs(slog.Int64("bytes_up", c.transfer.Up), slog.Int64("bytes_down", c.transfer.Down))
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, event.Err(err))
	}
	event.Emit(ctx, s.cfg.Logger, level, event.LegClosed, attrs...)
	return err
}

// lookupApp asks the registry (and, on a miss, the resolver) once per
// connection. Failures leave the connection anonymous.
func (s *Server) lookupApp(ctx context.Context, c *conn) string {
	if s.cfg.Resolver == nil {
		return ""
	}
	name, _, err := s.cfg.Registry.LookupApp(ctx, c.client.Port(), s.cfg.Resolver)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, identity.ErrNotFound) {
			level = slog.LevelDebug
		}
		event.Emit(ctx, s.cfg.Logger, level, event.IdentityFailed, c.attrs(event.Err(err))...)
		return ""
	}
	return name
}

func (s *Server) announceRoute(ctx context.Context, c *conn) history.RouteType {
	d := c.decision
	if d.Direct() {
		event.Emit(ctx, s.cfg.Logger, slog.LevelInfo, event.RouteDirect,
			c.attrs(slog.String("match", string(d.Match)), slog.String("pattern", d.Pattern))...)
		return history.RouteDirect
	}
	event.Emit(ctx, s.cfg.Logger, slog.LevelInfo, event.RouteProxy,
		c.attrs(
			slog.String("proxy", d.Upstream.Name),
			slog.String("mode", d.Upstream.Mode.String()),
			slog.String("match", string(d.Match)),
			slog.String("pattern", d.Pattern),
		)...)
	return history.RouteProxy
}

func (s *Server) modeName(d route.Decision) string {
	if d.Upstream == nil {
		return route.ModeDirect.String()
	}
	return d.Upstream.Mode.String()
}

func (s *Server) dial(ctx context.Context, c *conn) (net.Conn, error) {
	d := c.decision
	switch {
	case d.Direct():
		return s.cfg.Direct.DialContext(ctx, "tcp", c.req.Addr())
	case d.Upstream.Mode == route.ModeTunnel:
		return d.Upstream.Dialer.DialContext(ctx, "tcp", c.req.Addr())
	default:
		return s.cfg.Direct.DialContext(ctx, "tcp", d.Upstream.Addr)
	}
}

// writePreamble sends whatever must precede the relay. A relay upstream
// gets the client's first chunk verbatim. Otherwise a CONNECT is answered
// locally and a plain HTTP request is forwarded as-is.
func (s *Server) writePreamble(c *conn, out net.Conn, chunk []byte) error {
	if !c.decision.Direct() && c.decision.Upstream.Mode == route.ModeRelay {
		_, err := out.Write(chunk)
		return err
	}
	if !c.req.Connect {
		_, err := out.Write(chunk)
		return err
	}
	if _, err := io.WriteString(c.client, connectEstablished); err != nil {
		return err
	}
	if rest := connectPayload(chunk); len(rest) > 0 {
		_, err := out.Write(rest)
		return err
	}
	return nil
}

// record writes a history entry keyed by host when a domain rule matched,
// otherwise by application.
func (s *Server) record(c *conn, rt history.RouteType, status history.Status) {
	if s.cfg.History == nil {
		return
	}
	key := c.app
	if c.decision.Match == route.MatchDomain {
		key = c.req.Host
	}
	if key == "" {
		key = event.UnknownApp
	}
	rec := history.TargetRecord{
		Host:      c.req.Host,
		Port:      c.req.Port,
		Protocol:  c.req.Protocol(),
		RouteType: rt,
		Status:    status,
		Timestamp: time.Now(),
	}
	if c.decision.Upstream != nil && !c.decision.Direct() {
		rec.ViaProxy = c.decision.Upstream.Name
	}
	s.cfg.History.RecordTarget(key, rec)
}
