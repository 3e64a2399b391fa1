// Package bufferpool provides tiered, reusable byte buffers for frame
// reassembly and notification encoding, avoiding a fresh allocation per
// message on the hot path.
//
// Grounded on src/buffer.go's BufferPool (sync.Pool per size tier); the
// tiers themselves are sized to this server's own frame shapes rather than
// that file's arbitrary thresholds: a control-message tier for HEL/ACK/
// ERR/OPN/CLO bodies, a chunk tier matching the default UACP send/
// receive buffer (64 KiB, one MSG chunk), and a message
// tier for a multi-chunk reassembled request well under
// uacp.DefaultMaxMessageSize.
package bufferpool

import "sync"

const (
	// controlSize covers HEL/ACK/ERR/OPN/CLO bodies, which never span more
	// than a handful of fixed-width fields plus a short endpoint URL.
	controlSize = 1 * 1024

	// chunkSize matches the server's default negotiated ReceiveBufferSize/
	// SendBufferSize (config.ChannelConfig, 64 KiB), i.e. one MSG chunk.
	chunkSize = 64 * 1024

	// messageSize covers a reassembled multi-chunk request or published
	// NotificationMessage. Anything larger falls back to a direct
	// allocation rather than growing the pool's steady-state footprint.
	messageSize = 1 * 1024 * 1024
)

// Pool hands out byte slices sized to the nearest tier and returns them to
// the matching pool on Put.
type Pool struct {
	control sync.Pool
	chunk   sync.Pool
	message sync.Pool
}

// New creates a Pool with empty tiers; buffers are allocated lazily.
func New() *Pool {
	p := &Pool{}
	p.control.New = func() any { b := make([]byte, 0, controlSize); return &b }
	p.chunk.New = func() any { b := make([]byte, 0, chunkSize); return &b }
	p.message.New = func() any { b := make([]byte, 0, messageSize); return &b }
	return p
}

// Get returns a buffer with capacity at least size, reset to zero length.
// Requests larger than the message tier allocate directly and are not
// pooled.
func (p *Pool) Get(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= controlSize:
		buf = p.control.Get().(*[]byte)
	case size <= chunkSize:
		buf = p.chunk.Get().(*[]byte)
	case size <= messageSize:
		buf = p.message.Get().(*[]byte)
	default:
		b := make([]byte, 0, size)
		return &b
	}
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the largest tier whose size its capacity covers, so
// Get's capacity guarantee holds. Buffers larger than the message tier
// (not originally pooled) or smaller than the control tier are dropped for
// the GC to reclaim.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	switch c := cap(*buf); {
	case c > messageSize:
	case c == messageSize:
		p.message.Put(buf)
	case c >= chunkSize:
		p.chunk.Put(buf)
	case c >= controlSize:
		p.control.Put(buf)
	}
}
