package proxy

import (
	"net/http/httputil"
	"sync"
)

// DefaultBufferSize is the size of first-chunk and relay buffers.
const DefaultBufferSize = 32 * 1024

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool of fixed-size byte slices.
func NewBufferPool(size int) httputil.BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:cap(*b)]
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
