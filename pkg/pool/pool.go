// Package pool provides object pooling to reduce GC pressure during
// streaming evidence copy/hash operations.
package pool

import "sync"

// bufferSize is the chunk size used for evidence copy-and-hash, per
// the Evidence Vault's streaming import design.
const bufferSize = 64 * 1024

// BufferPool pools byte slices for streaming file copy and hashing.
var BufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, bufferSize)
		return &b
	},
}

// GetBuffer rents a 64 KiB buffer. Callers must return it via PutBuffer
// on every exit path, including error returns.
func GetBuffer() []byte {
	p := BufferPool.Get().(*[]byte)
	return *p
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	if cap(b) != bufferSize {
		return
	}
	b = b[:bufferSize]
	BufferPool.Put(&b)
}
