package socks5

import (
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

// CmdConnect is the only command approxy issues or serves.
const CmdConnect = txsocks5.CmdConnect

var (
	ErrAuthRequired = errors.New("socks5: server requires username/password")
	ErrAuthFailed   = errors.New("socks5: authentication failed")
	ErrNoMethod     = errors.New("socks5: no acceptable authentication method")
)

// Auth is optional username/password authentication. The zero value means
// no authentication.
type Auth struct {
	Username string
	Password string
}

func (a Auth) enabled() bool {
	return a.Username != ""
}

func (a Auth) methods() []byte {
	if a.enabled() {
		return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
	}
	return []byte{txsocks5.MethodNone}
}

var replyText = map[byte]string{
	txsocks5.RepServerFailure:       "general server failure",
	txsocks5.RepNotAllowed:          "connection not allowed by ruleset",
	txsocks5.RepNetworkUnreachable:  "network unreachable",
	txsocks5.RepHostUnreachable:     "host unreachable",
	txsocks5.RepConnectionRefused:   "connection refused",
	txsocks5.RepTTLExpired:          "TTL expired",
	txsocks5.RepCommandNotSupported: "command not supported",
	txsocks5.RepAddressNotSupported: "address type not supported",
}

// ReplyError is a non-success reply to a CONNECT request.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	if text, ok := replyText[e.Rep]; ok {
		return "socks5: connect failed: " + text
	}
	return fmt.Sprintf("socks5: connect failed: reply 0x%02x", e.Rep)
}
