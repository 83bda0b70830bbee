// Package dialer provides the outbound dialers used by the router.
//
// A Dialer opens a TCP connection to a destination either directly or by
// tunneling through an upstream proxy (HTTP CONNECT or SOCKS5). Upstream
// proxies that should receive the client's raw bytes are not dialers; the
// router connects to them with the direct dialer.
package dialer
