// Package event defines the structured event vocabulary shared by every
// approxy component.
//
// Events are slog records whose first attribute is always "event", so
// consumers can filter a JSON log stream on a single field. All other
// attributes are flat key/value pairs.
package event

import (
	"context"
	"log/slog"
)

// Kind names a notable transition.
type Kind string

const (
	ServerStarted  Kind = "server_started"
	ServerStopping Kind = "server_stopping"
	ServerStopped  Kind = "server_stopped"
	ServerError    Kind = "server_error"
	ConfigReloaded Kind = "config_reloaded"
	ConfigError    Kind = "config_error"

	RequestParsed Kind = "request_parsed"
	ParseFailed   Kind = "parse_failed"
	RouteDirect   Kind = "route_direct"
	RouteProxy    Kind = "route_proxy"
	ConnectOK     Kind = "connect_ok"
	ConnectFailed Kind = "connect_failed"
	LegClosed     Kind = "leg_closed"
	ClientError   Kind = "client_error"
	HandlerPanic  Kind = "handler_panic"

	IdentityFailed Kind = "identity_failed"

	SweepReaped   Kind = "sweep_reaped"
	SweepFinished Kind = "sweep_finished"
	IdleTimeout   Kind = "idle_timeout"
	CloseError    Kind = "close_error"

	SystemProxySet    Kind = "system_proxy_set"
	SystemProxyFailed Kind = "system_proxy_failed"

	DashboardStarted Kind = "dashboard_started"
	DashboardError   Kind = "dashboard_error"
)

// UnknownApp is logged in place of an application name that could not be
// resolved.
const UnknownApp = "unknown"

// Emit writes one event record at level.
func Emit(ctx context.Context, logger *slog.Logger, level slog.Level, kind Kind, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	all := make([]slog.Attr, 0, len(attrs)+1)
	all = append(all, slog.String("event", string(kind)))
	all = append(all, attrs...)
	logger.LogAttrs(ctx, level, string(kind), all...)
}

// App returns the "app" attribute, substituting UnknownApp for an empty name.
func App(name string) slog.Attr {
	if name == "" {
		name = UnknownApp
	}
	return slog.String("app", name)
}

// Err returns the "error" attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
