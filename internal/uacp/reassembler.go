package uacp

import (
	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/bufferpool"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// Reassembler accumulates bytes read off a connection and emits complete
// (header, body) frames as soon as enough bytes have arrived. Partial reads
// never block: Feed returns immediately with however many frames could be
// extracted, possibly zero (spec.md §4.A).
//
// Grounded on src/connection.go's per-connection receive buffer plus
// src/buffer.go's pool, generalized from a WebSocket frame reader to the
// OPC UA 8-byte-header state machine.
type Reassembler struct {
	buf            []byte
	maxMessageSize uint32
	pool           *bufferpool.Pool
}

// NewReassembler creates a Reassembler that rejects any frame declaring a
// size above maxMessageSize (0 selects DefaultMaxMessageSize).
func NewReassembler(pool *bufferpool.Pool, maxMessageSize uint32) *Reassembler {
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Reassembler{maxMessageSize: maxMessageSize, pool: pool}
}

// Frame is one decoded header with its body slice. The slice aliases the
// Reassembler's internal buffer and is only valid until the next Feed call;
// callers that need to retain it must copy.
type Frame struct {
	Header Header
	Body   []byte
}

// Feed appends b to the internal buffer and extracts as many complete
// frames as are now available. It returns ua.StatusBadTCPMessageTypeInvalid
// or ua.StatusBadTCPMessageTooLarge on a malformed header — the caller must
// abort the connection with an ERR frame and close, per spec.md §4.A.
func (r *Reassembler) Feed(b []byte) ([]Frame, error) {
	r.buf = append(r.buf, b...)

	var frames []Frame
	for {
		if len(r.buf) < HeaderSize {
			break
		}
		hdr, err := DecodeHeader(r.buf)
		if err != nil {
			return frames, err
		}
		if hdr.MessageSize > r.maxMessageSize {
			return frames, errors.Wrapf(ua.StatusBadTCPMessageTooLarge,
				"uacp: message size %d exceeds max %d", hdr.MessageSize, r.maxMessageSize)
		}
		if uint32(len(r.buf)) < hdr.MessageSize {
			break // await more bytes
		}

		body := make([]byte, hdr.MessageSize-HeaderSize)
		copy(body, r.buf[HeaderSize:hdr.MessageSize])
		frames = append(frames, Frame{Header: hdr, Body: body})

		remaining := r.buf[hdr.MessageSize:]
		next := r.pool.Get(len(remaining))
		*next = append((*next)[:0], remaining...)
		r.pool.Put(&r.buf)
		r.buf = *next
	}
	return frames, nil
}

// Reset discards any partially buffered bytes, used when a connection is
// aborted mid-frame.
func (r *Reassembler) Reset() {
	if r.buf != nil {
		r.pool.Put(&r.buf)
	}
	r.buf = nil
}
