package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httputil"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Transfer counts the bytes moved by CopyBidirectional.
type Transfer struct {
	// Up is client to outbound.
	Up int64
	// Down is outbound to client.
	Down int64
}

// CopyBidirectional relays between client and outbound until either
// direction ends, then closes both. Canceling ctx closes both as well.
// A clean EOF or a close caused by the other direction is not an error.
func CopyBidirectional(ctx context.Context, client, outbound net.Conn, pool httputil.BufferPool) (Transfer, error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = outbound.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var t Transfer
	g.Go(func() error {
		n, err := copyBuffer(outbound, client, pool)
		t.Up = n
		closeBoth()
		return relayError(err)
	})

	g.Go(func() error {
		n, err := copyBuffer(client, outbound, pool)
		t.Down = n
		closeBoth()
		return relayError(err)
	})

	err := g.Wait()
	return t, err
}

func copyBuffer(dst io.Writer, src io.Reader, pool httputil.BufferPool) (int64, error) {
	if pool == nil {
		return io.Copy(dst, src)
	}
	buf := pool.Get()
	defer pool.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

func relayError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
