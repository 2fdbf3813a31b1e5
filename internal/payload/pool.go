// Package payload is a minimal stand-in for the owning pool the real DDS
// pipe normally supplies: messages arrive as borrowed byte slices, which Get
// copies once into a pooled buffer; after that the handler shares the Ref
// for as long as a sample sits in a queue, without copying it again.
package payload

import "sync"

// Ref is a reference-counted view over a byte payload. The data is only
// released back to the pool once every Retain has a matching Release.
type Ref struct {
	pool  *Pool
	data  []byte
	mu    sync.Mutex
	count int
}

// Data returns the underlying bytes. Valid only while the ref is held.
func (r *Ref) Data() []byte {
	return r.data
}

// Retain increments the reference count and returns the same Ref, so
// callers can hand it to a second queue without copying.
func (r *Ref) Retain() *Ref {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return r
}

// Release decrements the reference count, returning the backing buffer to
// the pool once it reaches zero.
func (r *Ref) Release() {
	r.mu.Lock()
	r.count--
	done := r.count <= 0
	r.mu.Unlock()
	if done {
		r.pool.reclaim(r)
	}
}

// Pool hands out Refs over byte slices drawn from a sync.Pool of
// fixed-capacity buffers, avoiding an allocation for every sample on the
// common case where messages are of similar size.
type Pool struct {
	bufPool sync.Pool
}

// NewPool constructs a Pool. defaultCap sizes the buffers recycled
// internally; larger payloads simply allocate their own slice.
func NewPool(defaultCap int) *Pool {
	return &Pool{
		bufPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 0, defaultCap)
			},
		},
	}
}

// Get copies src into a pooled buffer and returns a Ref with refcount 1.
// The handler never aliases the caller's slice directly: DDS pipe
// implementations reuse their receive buffers between samples.
func (p *Pool) Get(src []byte) *Ref {
	buf := p.bufPool.Get().([]byte)
	buf = append(buf[:0], src...)
	return &Ref{pool: p, data: buf, count: 1}
}

func (p *Pool) reclaim(r *Ref) {
	p.bufPool.Put(r.data[:0])
	r.data = nil
}
