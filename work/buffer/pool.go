package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkPool hands out reusable byte buffers sized for raw-mode chunk
// accumulation so the per-stream read loops do not allocate on every commit.
type ChunkPool struct {
	pool       *bytebufferpool.Pool
	targetSize int
}

// NewChunkPool creates a pool whose buffers are pre-grown to the raw-mode
// chunk target size.
func NewChunkPool(targetSize int64) *ChunkPool {
	return &ChunkPool{
		pool:       &bytebufferpool.Pool{},
		targetSize: int(targetSize),
	}
}

// Get returns an empty buffer with capacity for at least one full chunk.
func (p *ChunkPool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.targetSize {
		buf.B = make([]byte, 0, p.targetSize)
	}
	return buf
}

// Put returns a buffer to the pool for reuse.
func (p *ChunkPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
