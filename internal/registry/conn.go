package registry

import (
	"net"
	"sync/atomic"
	"time"
)

// Role says which leg of a proxied pair a socket is.
type Role uint8

const (
	RoleClient Role = iota
	RoleOutbound
)

func (r Role) String() string {
	if r == RoleOutbound {
		return "outbound"
	}
	return "client"
}

// Conn is a socket tracked by a Registry. Reads and writes that move bytes
// refresh its last-activity time.
type Conn struct {
	net.Conn

	role    Role
	port    uint16
	created time.Time

	lastActivity atomic.Int64
	destroyed    atomic.Bool
	writeClosed  atomic.Bool

	// Guarded by Registry.mu.
	tracked bool
	idle    *time.Timer
}

// Wrap returns a tracked-socket wrapper for nc. Client sockets are indexed
// by their remote (ephemeral) port; outbound sockets are not indexed.
func Wrap(nc net.Conn, role Role) *Conn {
	var port uint16
	if role == RoleClient {
		port = RemotePort(nc.RemoteAddr())
	}
	return newConn(nc, role, port, time.Now())
}

func newConn(nc net.Conn, role Role, port uint16, now time.Time) *Conn {
	c := &Conn{Conn: nc, role: role, port: port, created: now}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// RemotePort returns the TCP port of addr, or 0 if addr is not TCP.
func RemotePort(addr net.Addr) uint16 {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(ta.Port)
}

func (c *Conn) Role() Role { return c.role }

// Port is the client's ephemeral port, or 0 for unindexed sockets.
func (c *Conn) Port() uint16 { return c.port }

func (c *Conn) CreatedAt() time.Time { return c.created }

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) Destroyed() bool { return c.destroyed.Load() }

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// CloseWrite half-closes the socket, sending FIN where the underlying
// connection supports it.
func (c *Conn) CloseWrite() error {
	if c.destroyed.Load() {
		return net.ErrClosed
	}
	c.writeClosed.Store(true)
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close destroys the socket.
func (c *Conn) Close() error {
	c.destroyed.Store(true)
	return c.Conn.Close()
}

// Writable reports whether the socket can still carry outbound bytes.
func (c *Conn) Writable() bool {
	if c.destroyed.Load() || c.writeClosed.Load() {
		return false
	}
	return socketWritable(c.Conn)
}

func (c *Conn) refreshOptions(ka net.KeepAliveConfig) {
	tc, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAliveConfig(ka)
	_ = tc.SetNoDelay(true)
}
