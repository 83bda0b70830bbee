package socks5

import (
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Handshake runs the client side of a SOCKS5 exchange on conn: method
// negotiation, optional username/password authentication and a CONNECT to
// address. On success conn carries the tunneled stream.
func Handshake(conn net.Conn, auth Auth, address string) error {
	atyp, dst, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: parse address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		dst = dst[1:]
	}

	method, err := negotiate(conn, auth)
	if err != nil {
		return err
	}
	if method == txsocks5.MethodUsernamePassword {
		if err := authenticate(conn, auth); err != nil {
			return err
		}
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dst, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}

func negotiate(conn net.Conn, auth Auth) (byte, error) {
	offered := auth.methods()
	if _, err := txsocks5.NewNegotiationRequest(offered).WriteTo(conn); err != nil {
		return 0, fmt.Errorf("socks5: write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return 0, fmt.Errorf("socks5: read negotiation: %w", err)
	}
	switch {
	case neg.Method == txsocks5.MethodUsernamePassword && !auth.enabled():
		return 0, ErrAuthRequired
	case slices.Contains(offered, neg.Method):
		return neg.Method, nil
	default:
		return 0, ErrNoMethod
	}
}

func authenticate(conn net.Conn, auth Auth) error {
	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write credentials: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read credentials reply: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}
