// Package pool provides the memory-block pool used when serializing request
// headers: small headers reuse a pooled fixed-size chunk, oversized ones get
// a one-off arena allocation. Adapted from the teacher's buffer.Buffer
// memory/disk-spill split (github.com/WhileEndless/go-rawhttp/pkg/buffer),
// generalized here from "memory vs. disk" to "pool chunk vs. arena", since
// the forwarding engine never needs to spill to disk.
package pool

import "sync"

// DefaultChunkSize matches a typical mbuf pool block size.
const DefaultChunkSize = 8 * 1024

// Pool hands out byte slices for header serialization scratch space. It is
// shared process-wide and read-only after construction, per spec.md §5
// ("Global state").
type Pool struct {
	chunkSize int
	blocks    sync.Pool
}

// New creates a Pool whose pooled chunks are chunkSize bytes. A non-positive
// chunkSize falls back to DefaultChunkSize.
func New(chunkSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	p := &Pool{chunkSize: chunkSize}
	p.blocks.New = func() any {
		buf := make([]byte, p.chunkSize)
		return &buf
	}
	return p
}

// ChunkSize returns the pool's fixed block size.
func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// Get returns a buffer sized to fit size bytes: a pooled chunk when size
// fits within ChunkSize, otherwise a freshly allocated arena sized exactly
// to size. The returned slice has length size; callers write into it
// directly. Passing the returned slice (or a reslice of it that keeps its
// capacity) to Release returns a pooled chunk to the pool (arena
// allocations are left for the GC).
func (p *Pool) Get(size int) []byte {
	if size <= p.chunkSize {
		bufp := p.blocks.Get().(*[]byte)
		return (*bufp)[:size]
	}
	return make([]byte, size)
}

// Release returns a buffer obtained from Get back to the pool. It is a
// no-op for arena allocations (buf with cap > ChunkSize).
func (p *Pool) Release(buf []byte) {
	if cap(buf) != p.chunkSize {
		return
	}
	full := buf[:p.chunkSize]
	p.blocks.Put(&full)
}
