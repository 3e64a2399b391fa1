package uasc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/uacp"
)

// MessageChunk is one decoded OPN/CLO/MSG chunk: the uacp.Header plus the
// sequence header and ciphertext-or-plaintext payload. The symmetric
// security header is decoded by DecodeSymmetricSecurityHeader below; no
// asymmetric security header is decoded.
type MessageChunk struct {
	Header          uacp.Header
	SecureChannelID uint32
	RequestID       uint32
	SequenceNumber  uint32
	Data            []byte // plaintext after decrypt/verify
}

// DecodeChunkPrefix parses the secure-channel-id that follows the uacp
// header on every OPN/CLO/MSG chunk. The remainder (security header,
// sequence header, body) is policy- and message-type-specific and is
// decoded by the caller after the channel is resolved.
func DecodeChunkPrefix(body []byte) (secureChannelID uint32, rest []byte, err error) {
	if len(body) < 4 {
		return 0, nil, errors.New("uasc: chunk body missing secure channel id")
	}
	return binary.LittleEndian.Uint32(body[0:4]), body[4:], nil
}

// DecodeSequenceHeader parses the 8-byte (sequence number, request id)
// pair that prefixes every chunk's plaintext payload.
func DecodeSequenceHeader(b []byte) (seq, requestID uint32, rest []byte, err error) {
	if len(b) < 8 {
		return 0, 0, nil, errors.New("uasc: truncated sequence header")
	}
	seq = binary.LittleEndian.Uint32(b[0:4])
	requestID = binary.LittleEndian.Uint32(b[4:8])
	return seq, requestID, b[8:], nil
}

// EncodeSequenceHeader serialises a (sequence number, request id) pair.
func EncodeSequenceHeader(seq, requestID uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], seq)
	binary.LittleEndian.PutUint32(b[4:8], requestID)
	return b
}

// EncodeChunkPrefix serialises the secure-channel-id field.
func EncodeChunkPrefix(secureChannelID uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, secureChannelID)
	return b
}

// DecodeSymmetricSecurityHeader parses the 4-byte TokenId that follows the
// secure-channel-id on every MSG/CLO chunk (Part 6 §6.7.3). OPN chunks
// never call this: the supervisor reads their sequence header directly
// after the secure-channel-id.
func DecodeSymmetricSecurityHeader(b []byte) (tokenID uint32, rest []byte, err error) {
	if len(b) < 4 {
		return 0, nil, errors.New("uasc: truncated symmetric security header")
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

// EncodeSymmetricSecurityHeader serialises a TokenId field.
func EncodeSymmetricSecurityHeader(tokenID uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, tokenID)
	return b
}
