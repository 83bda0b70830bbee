// Package monitor serves the read-only monitoring dashboard API.
//
// It exposes a per-application view of live connections, the target
// history and Prometheus metrics. Nothing here mutates router state.
package monitor

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/die-net/approxy/internal/event"
	"github.com/die-net/approxy/internal/history"
	"github.com/die-net/approxy/internal/metrics"
	"github.com/die-net/approxy/internal/registry"
	"github.com/die-net/approxy/internal/route"
)

//go:embed index.html
var indexHTML []byte

// DirectProxy is reported for applications no app rule routes.
const DirectProxy = "direct"

const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
)

// AppSummary is one row of GET /api/cache.
type AppSummary struct {
	Name              string   `json:"name"`
	Ports             []uint16 `json:"ports"`
	Connections       int      `json:"connections"`
	IdleConnections   int      `json:"idleConnections"`
	ActiveConnections int      `json:"activeConnections"`
	AvgIdleSeconds    int      `json:"avgIdleTime"`
	Proxy             string   `json:"proxy"`
	Status            string   `json:"status"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

type Dashboard struct {
	Registry *registry.Registry
	History  *history.Cache
	Rules    *route.Rules
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	router chi.Router
	srv    *http.Server
	ln     net.Listener
}

func New(reg *registry.Registry, hist *history.Cache, rules *route.Rules, m *metrics.Metrics, logger *slog.Logger) *Dashboard {
	d := &Dashboard{
		Registry: reg,
		History:  hist,
		Rules:    rules,
		Metrics:  m,
		Logger:   logger,
	}
	d.buildRouter()
	return d
}

func (d *Dashboard) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", d.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Use(middleware.SetHeader("Cache-Control", "no-cache"))
		r.Use(middleware.SetHeader("Access-Control-Allow-Origin", "*"))

		r.Get("/cache", d.handleCache)
		r.Get("/targets", d.handleAllTargets)
		r.Get("/targets/{key}", d.handleTargets)
		r.Get("/stats/{port}", d.handleStats)
	})
	r.Handle("/metrics", d.Metrics.Handler())

	d.router = r
}

func (d *Dashboard) Handler() http.Handler {
	return d.router
}

// Start listens on addr and serves in the background.
func (d *Dashboard) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	d.ln = ln
	d.srv = &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	event.Emit(ctx, d.Logger, slog.LevelInfo, event.DashboardStarted, slog.String("addr", ln.Addr().String()))
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			event.Emit(context.Background(), d.Logger, slog.LevelError, event.DashboardError, event.Err(err))
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (d *Dashboard) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (d *Dashboard) Shutdown(ctx context.Context) error {
	if d == nil || d.srv == nil {
		return nil
	}
	return d.srv.Shutdown(ctx)
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(indexHTML)
}

func (d *Dashboard) handleCache(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.Summaries())
}

// Summaries merges live ports into one row per normalized application name.
// Ports with no resolved application are left out.
func (d *Dashboard) Summaries() []AppSummary {
	type acc struct {
		AppSummary
		idleSeconds float64
	}
	byName := make(map[string]*acc)

	for _, p := range d.Registry.Snapshot() {
		if p.App == "" || p.Stats.Total == 0 {
			continue
		}
		name := NormalizeAppName(p.App)
		a, ok := byName[name]
		if !ok {
			a = &acc{AppSummary: AppSummary{Name: name, Proxy: d.proxyFor(p.App)}}
			byName[name] = a
		}
		a.Ports = append(a.Ports, p.Port)
		a.Connections += p.Stats.Total
		a.IdleConnections += p.Stats.Idle
		a.idleSeconds += float64(p.Stats.Idle) * p.Stats.AvgIdleSeconds
	}

	out := make([]AppSummary, 0, len(byName))
	for _, a := range byName {
		s := a.AppSummary
		slices.Sort(s.Ports)
		s.ActiveConnections = s.Connections - s.IdleConnections
		if s.IdleConnections > 0 {
			s.AvgIdleSeconds = int(a.idleSeconds/float64(s.IdleConnections) + 0.5)
		}
		s.Status = StatusDisconnected
		if s.Connections > 0 {
			s.Status = StatusActive
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b AppSummary) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (d *Dashboard) proxyFor(app string) string {
	up, _, ok := d.Rules.MatchApp(app)
	if !ok || up == nil {
		return DirectProxy
	}
	return up.Name
}

var (
	trailingPID = regexp.MustCompile(`\s+\(\d+\)$`)
	helperTail  = regexp.MustCompile(`\s+helper.*$`)
)

// NormalizeAppName folds per-process variants of one application together:
// it lowercases, drops a trailing " (pid)" and collapses any " helper..."
// suffix to " helper".
func NormalizeAppName(name string) string {
	name = strings.ToLower(name)
	name = trailingPID.ReplaceAllString(name, "")
	name = helperTail.ReplaceAllString(name, " helper")
	return strings.TrimSpace(name)
}

func (d *Dashboard) handleAllTargets(w http.ResponseWriter, _ *http.Request) {
	all := map[string][]history.TargetRecord{}
	if d.History != nil {
		all = d.History.AllTargets()
	}
	d.writeJSON(w, http.StatusOK, all)
}

func (d *Dashboard) handleTargets(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	recs := []history.TargetRecord{}
	if d.History != nil {
		if got := d.History.GetTargets(key); got != nil {
			recs = got
		}
	}
	d.writeJSON(w, http.StatusOK, recs)
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.ParseUint(chi.URLParam(r, "port"), 10, 16)
	if err != nil || port == 0 {
		d.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "port must be 1-65535"})
		return
	}
	d.writeJSON(w, http.StatusOK, d.Registry.Stats(uint16(port)))
}

func (d *Dashboard) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		event.Emit(context.Background(), d.Logger, slog.LevelWarn, event.DashboardError, event.Err(err))
	}
}
