package testutil

import (
	"context"
	"net"
	"testing"
)

// StartSingleAcceptServer runs handler on the first connection accepted on a
// loopback port. The returned wait closes the listener and blocks until the
// handler is done.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listen(t, ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		_ = ln.Close()
		<-done
	}
	t.Cleanup(wait)

	return ln, wait
}
