package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/approxy/internal/appcache"
	"github.com/die-net/approxy/internal/config"
	"github.com/die-net/approxy/internal/dialer"
	"github.com/die-net/approxy/internal/event"
	"github.com/die-net/approxy/internal/history"
	"github.com/die-net/approxy/internal/identity"
	"github.com/die-net/approxy/internal/lifecycle"
	"github.com/die-net/approxy/internal/metrics"
	"github.com/die-net/approxy/internal/monitor"
	"github.com/die-net/approxy/internal/proxy"
	"github.com/die-net/approxy/internal/registry"
	"github.com/die-net/approxy/internal/route"
	"github.com/die-net/approxy/internal/sysproxy"
)

type options struct {
	configPath    string
	port          int
	portSet       bool
	verbose       bool
	noSystemProxy bool
	tcpKeepAlive  string
	keepAliveSet  bool
	debugListen   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the YAML configuration file")
	pflag.IntVar(&opts.port, "port", 0, "Listen port, overriding server.port")
	pflag.BoolVar(&opts.verbose, "verbose", false, "Log at debug level")
	pflag.BoolVar(&opts.noSystemProxy, "no-system-proxy", false, "Leave the operating system's proxy settings alone")
	pflag.StringVar(&opts.tcpKeepAlive, "tcp-keepalive", "", "TCP keepalive, overriding dial.keepalive: on|off|keepidle:keepintvl:keepcnt")
	pflag.StringVar(&opts.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")

	pflag.CommandLine.SortFlags = false
	pflag.Parse()
	opts.portSet = pflag.CommandLine.Changed("port")
	opts.keepAliveSet = pflag.CommandLine.Changed("tcp-keepalive")

	if opts.portSet && (opts.port < 1 || opts.port > 65535) {
		return fmt.Errorf("invalid --port %d: must be 1-65535", opts.port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	// A second signal falls through to the default handler and kills us.
	context.AfterFunc(ctx, stop)

	if opts.debugListen != "" {
		if err := startDebug(ctx, opts.debugListen); err != nil {
			return err
		}
	}

	for {
		restart, err := serve(ctx, opts)
		if err != nil || !restart {
			return err
		}
	}
}

func startDebug(ctx context.Context, addr string) error {
	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{}
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
	})
	go func() { _ = debugSrv.Serve(debugLn) }()
	return nil
}

// serve runs one configuration generation until a signal, a fatal error or
// a configuration change. restart reports the last case.
func serve(ctx context.Context, opts options) (restart bool, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return false, err
	}
	if opts.portSet {
		cfg.Server.Port = opts.port
	}
	if opts.noSystemProxy {
		cfg.Server.SystemProxy = false
	}

	logger, logCloser, err := config.NewLogger(cfg.Logging, opts.verbose)
	if err != nil {
		return false, err
	}
	defer logCloser.Close()

	ka := cfg.Dial.KeepAliveConfig()
	if opts.keepAliveSet {
		ka, err = parseTCPKeepAlive(opts.tcpKeepAlive)
		if err != nil {
			return false, fmt.Errorf("invalid --tcp-keepalive: %w", err)
		}
	}
	dialCfg := cfg.Dial.Dialer()
	dialCfg.KeepAlive = ka

	rules, err := route.Compile(cfg.DomainRules, cfg.AppRules, dialCfg)
	if err != nil {
		return false, err
	}

	m := metrics.New()
	apps := appcache.New()
	var hist *history.Cache
	if cfg.Dashboard.Enabled {
		hist = history.New(history.DefaultTTL, time.Minute)
	}
	reg := registry.New(registry.Config{
		StaleTimeout: cfg.Registry.StaleTimeout,
		IdleAfter:    cfg.Registry.IdleAfter,
		KeepAlive:    ka,
		Apps:         apps,
		History:      hist,
		Logger:       logger,
		Metrics:      m,
	})

	var setter sysproxy.Setter = sysproxy.Noop{Logger: logger, Reason: "disabled"}
	if cfg.Server.SystemProxy {
		setter = sysproxy.New(cfg.Server.Port, cfg.Server.ExcludedServices, logger)
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.Server.Addr(), ka)
	if err != nil {
		event.Emit(ctx, logger, slog.LevelError, event.ServerError, event.Err(err))
		if hint := proxy.ListenErrorHint(err); hint != "" {
			return false, fmt.Errorf("%w (%s)", err, hint)
		}
		return false, err
	}

	panicked := make(chan error, 1)
	srv := proxy.NewServer(proxy.Config{
		Rules:    rules,
		Registry: reg,
		Resolver: identity.NewLsofResolver(identity.DefaultTimeout),
		Direct:   dialer.NewDirectDialer(dialCfg),
		History:  hist,
		Logger:   logger,
		Metrics:  m,
		OnPanic: func(err error) {
			select {
			case panicked <- err:
			default:
			}
		},
	})

	var dash *monitor.Dashboard
	if cfg.Dashboard.Enabled {
		dash = monitor.New(reg, hist, rules, m, logger)
		if err := dash.Start(ctx, cfg.Dashboard.Addr()); err != nil {
			_ = ln.Close()
			event.Emit(ctx, logger, slog.LevelError, event.DashboardError, event.Err(err))
			return false, fmt.Errorf("dashboard listen: %w", err)
		}
	}

	sweeper := reg.StartSweeper(cfg.Registry.SweepInterval)

	ctl := &lifecycle.Controller{
		SystemProxy: setter,
		Server:      srv,
		Registry:    reg,
		Sweeper:     sweeper,
		Dashboard:   dash,
		Caches:      []lifecycle.Cache{apps, historyCloser(hist)},
		Logger:      logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})

	event.Emit(ctx, logger, slog.LevelInfo, event.ServerStarted,
		slog.String("addr", ln.Addr().String()),
		slog.Int("rules", rules.Len()),
		slog.Bool("dashboard", cfg.Dashboard.Enabled),
	)
	_ = setter.SetSystemProxy(ctx, true)

	reload := make(chan struct{}, 1)
	wctx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := config.Watch(wctx, cfg.Path, config.DefaultDebounce, func() {
		if _, err := config.Load(cfg.Path); err != nil {
			event.Emit(wctx, logger, slog.LevelError, event.ConfigError, event.Err(err))
			return
		}
		select {
		case reload <- struct{}{}:
		default:
		}
	}); err != nil {
		event.Emit(ctx, logger, slog.LevelWarn, event.ConfigError, event.Err(err))
	}

	var runErr error
	select {
	case <-gctx.Done():
	case <-reload:
		restart = true
		event.Emit(ctx, logger, slog.LevelInfo, event.ConfigReloaded, slog.String("path", cfg.Path))
	case err := <-panicked:
		runErr = err
	}

	cancelWatch()
	if err := ctl.Shutdown(context.WithoutCancel(ctx)); err != nil {
		event.Emit(ctx, logger, slog.LevelWarn, event.ServerError, event.Err(err))
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return false, runErr
	}
	return restart, nil
}

// historyCloser keeps a nil *history.Cache out of the cache list.
func historyCloser(h *history.Cache) lifecycle.Cache {
	if h == nil {
		return nil
	}
	return h
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
