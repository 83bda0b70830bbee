// Package sysproxy points the operating system's web proxy settings at the
// local listener, and switches them off again at shutdown.
package sysproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/die-net/approxy/internal/event"
)

// Setter toggles the system proxy.
type Setter interface {
	SetSystemProxy(ctx context.Context, enabled bool) error
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Host is the address written into the system settings.
const Host = "127.0.0.1"

// NetworkSetup drives macOS networksetup(8).
type NetworkSetup struct {
	Port     int
	Excluded []string
	Logger   *slog.Logger

	run Runner
}

func NewNetworkSetup(port int, excluded []string, logger *slog.Logger) *NetworkSetup {
	return &NetworkSetup{Port: port, Excluded: excluded, Logger: logger, run: execRunner}
}

// WithRunner returns a copy of n that executes commands through run.
func (n *NetworkSetup) WithRunner(run Runner) *NetworkSetup {
	cp := *n
	cp.run = run
	return &cp
}

// Services lists enabled network services, minus excluded ones.
func (n *NetworkSetup) Services(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, fmt.Errorf("list network services: %w", err)
	}
	return parseServices(out, n.Excluded), nil
}

// parseServices skips the leading explanatory line and services marked
// disabled with a leading '*'.
func parseServices(out []byte, excluded []string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, s := range excluded {
		skip[strings.TrimSpace(s)] = struct{}{}
	}

	var services []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			continue
		}
		if line == "" || strings.HasPrefix(line, "*") {
			continue
		}
		if _, ok := skip[strings.TrimSpace(line)]; ok {
			continue
		}
		services = append(services, line)
	}
	return services
}

// SetSystemProxy enables or disables the web and secure web proxy on every
// service. A failing service does not stop the others; all failures are
// returned joined.
func (n *NetworkSetup) SetSystemProxy(ctx context.Context, enabled bool) error {
	services, err := n.Services(ctx)
	if err != nil {
		event.Emit(ctx, n.Logger, slog.LevelError, event.SystemProxyFailed, event.Err(err))
		return err
	}
	if len(services) == 0 {
		event.Emit(ctx, n.Logger, slog.LevelInfo, event.SystemProxySet,
			slog.Bool("enabled", enabled), slog.String("status", "no network services"))
		return nil
	}

	port := strconv.Itoa(n.Port)
	var errs []error
	for _, svc := range services {
		var cmds [][]string
		if enabled {
			cmds = [][]string{
				{"-setwebproxy", svc, Host, port},
				{"-setwebproxystate", svc, "on"},
				{"-setsecurewebproxy", svc, Host, port},
				{"-setsecurewebproxystate", svc, "on"},
			}
		} else {
			cmds = [][]string{
				{"-setwebproxystate", svc, "off"},
				{"-setsecurewebproxystate", svc, "off"},
			}
		}

		if err := n.runAll(ctx, cmds); err != nil {
			err = fmt.Errorf("service %q: %w", svc, err)
			errs = append(errs, err)
			event.Emit(ctx, n.Logger, slog.LevelError, event.SystemProxyFailed,
				slog.String("service", svc), event.Err(err))
			continue
		}

		attrs := []slog.Attr{slog.String("service", svc), slog.Bool("enabled", enabled)}
		if enabled {
			attrs = append(attrs, slog.String("proxy", Host+":"+port))
		}
		event.Emit(ctx, n.Logger, slog.LevelInfo, event.SystemProxySet, attrs...)
	}
	return errors.Join(errs...)
}

func (n *NetworkSetup) runAll(ctx context.Context, cmds [][]string) error {
	for _, args := range cmds {
		if _, err := n.run(ctx, "networksetup", args...); err != nil {
			return fmt.Errorf("networksetup %s: %w", args[0], err)
		}
	}
	return nil
}

// Noop leaves system settings untouched.
type Noop struct {
	Logger *slog.Logger
	Reason string
}

func (n Noop) SetSystemProxy(ctx context.Context, enabled bool) error {
	event.Emit(ctx, n.Logger, slog.LevelDebug, event.SystemProxySet,
		slog.Bool("enabled", enabled), slog.String("status", "skipped"), slog.String("reason", n.Reason))
	return nil
}
