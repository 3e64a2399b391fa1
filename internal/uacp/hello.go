package uacp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Hello is the client's opening HEL message (spec.md §4.A / §4.B).
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// Acknowledge is the server's ACK response, with every limit already
// resolved to the negotiated minimum of client and server values
// (spec.md §4.B).
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// DecodeHello parses a HEL message body (the bytes after the 8-byte header).
func DecodeHello(body []byte) (Hello, error) {
	if len(body) < 16 {
		return Hello{}, errors.New("uacp: HEL body too short")
	}
	h := Hello{
		ProtocolVersion:   binary.LittleEndian.Uint32(body[0:4]),
		ReceiveBufferSize: binary.LittleEndian.Uint32(body[4:8]),
		SendBufferSize:    binary.LittleEndian.Uint32(body[8:12]),
		MaxMessageSize:    binary.LittleEndian.Uint32(body[12:16]),
	}
	off := 16
	if len(body) < off+4 {
		return Hello{}, errors.New("uacp: HEL body missing chunk count")
	}
	h.MaxChunkCount = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	url, err := decodeString(body[off:])
	if err != nil {
		return Hello{}, errors.Wrap(err, "uacp: decoding HEL endpoint url")
	}
	h.EndpointURL = url
	return h, nil
}

// Encode serialises the full ACK message, header included.
func (a Acknowledge) Encode() []byte {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], a.ProtocolVersion)
	binary.LittleEndian.PutUint32(body[4:8], a.ReceiveBufferSize)
	binary.LittleEndian.PutUint32(body[8:12], a.SendBufferSize)
	binary.LittleEndian.PutUint32(body[12:16], a.MaxMessageSize)
	binary.LittleEndian.PutUint32(body[16:20], a.MaxChunkCount)

	hdr := Header{MessageType: MessageTypeAck, ChunkType: ChunkFinal, MessageSize: uint32(HeaderSize + len(body))}
	return append(hdr.Encode(), body...)
}

// Negotiate resolves the server's own limits against a client Hello,
// taking the minimum of each pair, per spec.md §4.B scenario 1.
func Negotiate(h Hello, serverReceiveBuf, serverSendBuf, serverMaxMessageSize, serverMaxChunkCount uint32) Acknowledge {
	return Acknowledge{
		ProtocolVersion:   0,
		ReceiveBufferSize: min32(h.ReceiveBufferSize, serverReceiveBuf),
		SendBufferSize:    min32(h.SendBufferSize, serverSendBuf),
		MaxMessageSize:    minNonZero32(h.MaxMessageSize, serverMaxMessageSize),
		MaxChunkCount:     minNonZero32(h.MaxChunkCount, serverMaxChunkCount),
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// minNonZero32 treats 0 as "no limit" on either side, per Part 6's
// convention that a zero buffer/message/chunk limit means unbounded.
func minNonZero32(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	return min32(a, b)
}

func decodeString(b []byte) (string, error) {
	if len(b) < 4 {
		return "", errors.New("uacp: truncated string length")
	}
	n := int32(binary.LittleEndian.Uint32(b[0:4]))
	if n < 0 {
		return "", nil
	}
	if len(b) < 4+int(n) {
		return "", errors.New("uacp: truncated string body")
	}
	return string(b[4 : 4+n]), nil
}
