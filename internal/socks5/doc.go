// Package socks5 is the SOCKS5 handshake used for socks5:// upstream
// proxies.
//
// It wraps the protocol types in github.com/txthinking/socks5. The client
// side is used by the dialer; the server side lets tests stand up a minimal
// upstream.
package socks5
