package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

// DialFunc opens the outbound leg for a served CONNECT.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ServeConnect answers one client on conn as a minimal SOCKS5 server: it
// negotiates (requiring auth when set), accepts a CONNECT, dials the
// destination with dial (a plain net.Dialer when nil) and relays until
// either side closes. Any other command is refused.
func ServeConnect(ctx context.Context, conn net.Conn, auth Auth, dial DialFunc) error {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	if err := acceptMethod(conn, auth); err != nil {
		return err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read request: %w", err)
	}
	if req.Cmd != CmdConnect {
		writeFailure(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return &ReplyError{Rep: txsocks5.RepCommandNotSupported}
	}

	dst, err := dial(ctx, "tcp", req.Address())
	if err != nil {
		rep := byte(txsocks5.RepHostUnreachable)
		if errors.Is(err, syscall.ECONNREFUSED) {
			rep = txsocks5.RepConnectionRefused
		}
		writeFailure(conn, rep, req.Atyp)
		return fmt.Errorf("socks5: dial %s: %w", req.Address(), err)
	}
	defer dst.Close()

	if err := writeSuccess(conn, dst.LocalAddr()); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(dst, conn)
		_ = dst.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(conn, dst)
		_ = conn.Close()
		return err
	})
	_ = g.Wait()
	return nil
}

func acceptMethod(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read negotiation: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.enabled() {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(conn)
		return ErrNoMethod
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write negotiation: %w", err)
	}
	if !auth.enabled() {
		return nil
	}

	creds, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read credentials: %w", err)
	}
	if string(creds.Uname) != auth.Username || string(creds.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write credentials reply: %w", err)
	}
	return nil
}

// writeSuccess reports bound as the server's address, or 0.0.0.0:0 when
// bound is not a host:port (an in-memory pipe, for one).
func writeSuccess(conn net.Conn, bound net.Addr) error {
	atyp, addr, port := byte(txsocks5.ATYPIPv4), []byte{0, 0, 0, 0}, []byte{0, 0}
	if bound != nil {
		if a, h, p, err := txsocks5.ParseAddress(bound.String()); err == nil {
			atyp, addr, port = a, h, p
			if atyp == txsocks5.ATYPDomain {
				addr = addr[1:]
			}
		}
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write reply: %w", err)
	}
	return nil
}

func writeFailure(conn net.Conn, rep, atyp byte) {
	if atyp == txsocks5.ATYPIPv6 {
		_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0, 0}).WriteTo(conn)
		return
	}
	_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(conn)
}
