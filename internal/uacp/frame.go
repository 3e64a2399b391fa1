// Package uacp implements the OPC UA TCP transport framing: the 8-byte
// message header (spec.md §4.A) and the incremental reassembly of a
// complete header+body pair out of a stream socket.
package uacp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

const HeaderSize = 8

// MessageType is the 3-byte ASCII tag at the front of every frame.
type MessageType string

const (
	MessageTypeHello  MessageType = "HEL"
	MessageTypeAck    MessageType = "ACK"
	MessageTypeError  MessageType = "ERR"
	MessageTypeOpen   MessageType = "OPN"
	MessageTypeClose  MessageType = "CLO"
	MessageTypeMSG    MessageType = "MSG"
)

// ChunkType is the 1-byte tag following the message type.
type ChunkType byte

const (
	ChunkFinal        ChunkType = 'F'
	ChunkIntermediate ChunkType = 'C'
	ChunkAbort        ChunkType = 'A'
)

// DefaultMaxMessageSize is the default ceiling on a reassembled message,
// per spec.md §4.A ("typically 64 MiB").
const DefaultMaxMessageSize = 64 * 1024 * 1024

// Header is the decoded 8-byte frame prefix.
type Header struct {
	MessageType MessageType
	ChunkType   ChunkType
	MessageSize uint32
}

// DecodeHeader parses the first HeaderSize bytes of b. It does not validate
// MessageSize against any configured maximum; callers do that with the
// negotiated/ configured limit, since the limit is connection-specific.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.New("uacp: short header")
	}
	mt := MessageType(b[0:3])
	switch mt {
	case MessageTypeHello, MessageTypeAck, MessageTypeError,
		MessageTypeOpen, MessageTypeClose, MessageTypeMSG:
	default:
		return Header{}, errors.Wrapf(ua.StatusBadTCPMessageTypeInvalid, "uacp: unknown message type %q", b[0:3])
	}
	ct := ChunkType(b[3])
	switch ct {
	case ChunkFinal, ChunkIntermediate, ChunkAbort:
	default:
		return Header{}, errors.Wrapf(ua.StatusBadTCPMessageTypeInvalid, "uacp: unknown chunk type %q", ct)
	}
	size := binary.LittleEndian.Uint32(b[4:8])
	if size < HeaderSize {
		return Header{}, errors.Wrapf(ua.StatusBadTCPMessageTooLarge, "uacp: message size %d below header size", size)
	}
	return Header{MessageType: mt, ChunkType: ct, MessageSize: size}, nil
}

// Encode writes the header back into a fresh 8-byte slice.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:3], h.MessageType)
	b[3] = byte(h.ChunkType)
	binary.LittleEndian.PutUint32(b[4:8], h.MessageSize)
	return b
}
