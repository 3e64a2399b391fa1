package ua

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// EncodeRequestEnvelope prepends a TypeID and RequestHeader to a service
// body, the shape every decrypted MSG chunk payload takes on the wire
// (component C's input). TypeID is encoded as the 4-byte numeric id of the
// binary-encoding NodeId (namespace 0 is assumed throughout this server,
// per SPEC_FULL.md §3 EXPANSION: "no secondary namespace support").
func EncodeRequestEnvelope(id TypeID, h RequestHeader, body []byte) []byte {
	out := make([]byte, 0, 4+4+len(h.AuthenticationToken)+8+4+4+len(body))
	out = appendUint32(out, uint32(id))
	out = appendByteString(out, h.AuthenticationToken)
	out = appendInt64(out, h.Timestamp.UnixNano())
	out = appendUint32(out, h.RequestHandle)
	out = appendUint32(out, h.TimeoutHint)
	out = append(out, body...)
	return out
}

// DecodeRequestEnvelope is EncodeRequestEnvelope's inverse.
func DecodeRequestEnvelope(b []byte) (TypeID, RequestHeader, []byte, error) {
	if len(b) < 4 {
		return 0, RequestHeader{}, nil, errors.Wrap(StatusBadDecodingError, "ua: envelope too short for TypeID")
	}
	id := TypeID(binary.LittleEndian.Uint32(b))
	rest := b[4:]

	token, rest, err := readByteString(rest)
	if err != nil {
		return 0, RequestHeader{}, nil, errors.Wrap(err, "ua: decoding AuthenticationToken")
	}
	if len(rest) < 16 {
		return 0, RequestHeader{}, nil, errors.Wrap(StatusBadDecodingError, "ua: envelope too short for RequestHeader tail")
	}
	ts := int64(binary.LittleEndian.Uint64(rest))
	rest = rest[8:]
	handle := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	timeoutHint := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]

	h := RequestHeader{
		AuthenticationToken: token,
		Timestamp:           time.Unix(0, ts).UTC(),
		RequestHandle:       handle,
		TimeoutHint:         timeoutHint,
	}
	return id, h, rest, nil
}

// EncodeResponseEnvelope mirrors EncodeRequestEnvelope for the response
// side: TypeID, ResponseHeader, body.
func EncodeResponseEnvelope(id TypeID, h ResponseHeader, body []byte) []byte {
	out := make([]byte, 0, 4+8+4+4+len(body))
	out = appendUint32(out, uint32(id))
	out = appendInt64(out, h.Timestamp.UnixNano())
	out = appendUint32(out, h.RequestHandle)
	out = appendUint32(out, uint32(h.ServiceResult))
	out = append(out, body...)
	return out
}

// DecodeResponseEnvelope is EncodeResponseEnvelope's inverse, used by test
// helpers and any client-side tooling that exercises this server.
func DecodeResponseEnvelope(b []byte) (TypeID, ResponseHeader, []byte, error) {
	if len(b) < 20 {
		return 0, ResponseHeader{}, nil, errors.Wrap(StatusBadDecodingError, "ua: envelope too short for ResponseHeader")
	}
	id := TypeID(binary.LittleEndian.Uint32(b))
	rest := b[4:]
	ts := int64(binary.LittleEndian.Uint64(rest))
	rest = rest[8:]
	handle := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	result := StatusCode(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]

	h := ResponseHeader{
		Timestamp:     time.Unix(0, ts).UTC(),
		RequestHandle: handle,
		ServiceResult: result,
	}
	return id, h, rest, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

// appendByteString encodes a length-prefixed byte string using the -1
// sentinel for nil, matching the OPC UA binary ByteString/String encoding
// convention (Part 6 §5.2.2).
func appendByteString(b []byte, s []byte) []byte {
	if s == nil {
		return appendUint32(b, 0xFFFFFFFF)
	}
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func readByteString(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.Wrap(StatusBadDecodingError, "ua: byte string length truncated")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if n == 0xFFFFFFFF {
		return nil, b, nil
	}
	if uint32(len(b)) < n {
		return nil, nil, errors.Wrap(StatusBadDecodingError, "ua: byte string body truncated")
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}
