package proxy

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/approxy/internal/history"
	"github.com/die-net/approxy/internal/route"
)

// ErrUnrecognizedRequest is returned for a first line that is neither a
// CONNECT nor an absolute-form HTTP request.
var ErrUnrecognizedRequest = errors.New("unrecognized request line")

// Request is what the router learns from a connection's first line.
type Request struct {
	Connect bool
	Host    string
	Port    int

	// Line is the first line, without its line terminator.
	Line string
}

func (r Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Request) Target() route.Target {
	return route.Target{Host: r.Host, Port: r.Port}
}

func (r Request) Protocol() history.Protocol {
	if r.Connect {
		return history.HTTPS
	}
	return history.HTTP
}

// FirstLine returns chunk up to the first '\n', minus a trailing '\r'.
func FirstLine(chunk []byte) string {
	line := chunk
	if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
		line = chunk[:i]
	}
	return string(bytes.TrimSuffix(line, []byte("\r")))
}

// ParseRequest recognizes
//
//	CONNECT host:port ...
//	METHOD [http://|https://]host[:port][/path] ...
//
// A missing port on the second form defaults to 80.
func ParseRequest(chunk []byte) (Request, error) {
	line := FirstLine(chunk)
	req := Request{Line: line}

	method, rest, ok := strings.Cut(line, " ")
	if !ok || !isMethod(method) {
		return req, ErrUnrecognizedRequest
	}
	target := strings.Fields(rest)
	if len(target) == 0 {
		return req, ErrUnrecognizedRequest
	}

	if strings.HasPrefix(line, "CONNECT") {
		if method != "CONNECT" {
			return req, ErrUnrecognizedRequest
		}
		host, port, ok := splitAuthority(target[0], false)
		if !ok {
			return req, ErrUnrecognizedRequest
		}
		req.Connect, req.Host, req.Port = true, host, port
		return req, nil
	}

	authority := target[0]
	for _, scheme := range []string{"http://", "https://"} {
		if len(authority) >= len(scheme) && strings.EqualFold(authority[:len(scheme)], scheme) {
			authority = authority[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(authority, "/?#"); i >= 0 {
		authority = authority[:i]
	}
	host, port, ok := splitAuthority(authority, true)
	if !ok {
		return req, ErrUnrecognizedRequest
	}
	req.Host, req.Port = host, port
	return req, nil
}

func isMethod(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// splitAuthority splits host[:port] or [v6][:port]. The port is required
// unless optional is set, in which case it defaults to 80.
func splitAuthority(s string, optional bool) (string, int, bool) {
	if s == "" {
		return "", 0, false
	}

	var host, port string
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, false
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			p, ok := strings.CutPrefix(rest, ":")
			if !ok {
				return "", 0, false
			}
			port = p
		}
	default:
		var found bool
		host, port, found = strings.Cut(s, ":")
		if found && strings.Contains(port, ":") {
			return "", 0, false
		}
	}

	if host == "" {
		return "", 0, false
	}
	if port == "" {
		if !optional {
			return "", 0, false
		}
		return host, 80, true
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 || port[0] == '+' || port[0] == '-' {
		return "", 0, false
	}
	return host, n, true
}

// connectPayload returns any bytes a client pipelined after its CONNECT
// request head.
func connectPayload(chunk []byte) []byte {
	_, after, ok := bytes.Cut(chunk, []byte("\r\n\r\n"))
	if !ok || len(after) == 0 {
		return nil
	}
	return after
}
