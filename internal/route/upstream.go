package route

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/approxy/internal/dialer"
)

// ErrInvalidUpstream is returned for an upstream key that cannot be parsed.
var ErrInvalidUpstream = errors.New("invalid upstream")

// Mode is how the router talks to an upstream.
type Mode int

const (
	// ModeRelay connects to the upstream and forwards the client's bytes
	// verbatim, including the request line. The upstream answers CONNECT
	// itself.
	ModeRelay Mode = iota

	// ModeTunnel asks the upstream (HTTP CONNECT or SOCKS5) for a tunnel to
	// the target, then proceeds exactly like a direct connection.
	ModeTunnel

	// ModeDirect is an explicit direct:// rule.
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeRelay:
		return "relay"
	case ModeTunnel:
		return "tunnel"
	case ModeDirect:
		return "direct"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Upstream is a parsed upstream proxy.
type Upstream struct {
	// Name is the key as written in the configuration.
	Name string

	// Addr is the host:port the router connects to. Empty for ModeDirect.
	Addr string

	Mode Mode

	// Dialer tunnels to the target for ModeTunnel.
	Dialer dialer.Dialer
}

// ParseUpstream parses a configuration key: either a bare host:port relay
// upstream or a direct://, http://, https:// or socks5:// URL.
func ParseUpstream(key string, cfg dialer.Config) (*Upstream, error) {
	if strings.Contains(key, "://") {
		d, err := dialer.New(cfg, key)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidUpstream, key, err)
		}
		u := &Upstream{Name: key, Mode: ModeTunnel, Dialer: d}
		switch pd := d.(type) {
		case interface{ ProxyAddr() string }:
			u.Addr = pd.ProxyAddr()
		default:
			u.Mode = ModeDirect
			u.Dialer = nil
		}
		return u, nil
	}

	host, port, err := net.SplitHostPort(key)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidUpstream, key, err)
	}
	if host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidUpstream, key)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return nil, fmt.Errorf("%w %q: port must be 1-65535", ErrInvalidUpstream, key)
	}

	return &Upstream{Name: key, Addr: net.JoinHostPort(host, port), Mode: ModeRelay}, nil
}
