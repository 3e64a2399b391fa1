package main

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/audit"
	"github.com/adred-codev/opcua-server/internal/config"
	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/dispatcher"
	"github.com/adred-codev/opcua-server/internal/metrics"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/shard"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// The handlers in this package only ever decode request bodies and encode
// response bodies (internal/ua/services.go mirrors that direction), so
// these tests hand-roll the small amount of wire encoding a test client
// would need, matching the exact little-endian/length-prefixed layout
// internal/ua/services.go's Decode* functions expect.

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendFloat64(b []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(b, tmp[:]...)
}

func appendByteString(b []byte, s []byte) []byte {
	if s == nil {
		return appendUint32(b, 0xFFFFFFFF)
	}
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func readUint32(b []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(b), b[4:]
}

func readFloat64(b []byte) (float64, []byte) {
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), b[8:]
}

func readByteString(b []byte) ([]byte, []byte) {
	n, b := readUint32(b)
	if n == 0xFFFFFFFF {
		return nil, b
	}
	return b[:n], b[n:]
}

func encodeCreateSessionRequest(timeoutMillis float64) []byte {
	b := appendByteString(nil, []byte("test-nonce"))
	return appendFloat64(b, timeoutMillis)
}

func decodeCreateSessionResponse(b []byte) (sessionID uint32, authToken []byte) {
	sessionID, b = readUint32(b)
	authToken, b = readByteString(b)
	_, b = readFloat64(b)
	_, _ = readByteString(b)
	return sessionID, authToken
}

func encodeActivateSessionRequest(sessionID uint32) []byte {
	b := appendUint32(nil, sessionID)
	b = appendUint32(b, uint32(ua.UserTokenAnonymous))
	return appendByteString(b, nil)
}

func newTestServices(t *testing.T) (*services, *dispatcher.Table) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	sessions.RegisterValidator(ua.UserTokenAnonymous, func(token, nonce []byte) (session.Identity, error) {
		return session.Identity{TokenType: ua.UserTokenAnonymous}, nil
	})
	shards := shard.NewRegistry(1, zap.NewNop())
	t.Cleanup(shards.Shutdown)
	space := addrspace.New()

	reg := prometheus.NewRegistry()
	svc := &services{
		sessions: sessions,
		shards:   shards,
		space:    space,
		policy:   cryptopolicy.NonePolicy{},
		cfg:      config.Config{Server: config.ServerConfig{ListenAddr: "0.0.0.0:4840"}},
		metrics:  metrics.NewRegistryWith(reg, reg),
		logger:   zap.NewNop(),
		audit:    audit.New(zap.NewNop()),
	}
	table := dispatcher.NewTable(sessions)
	registerHandlers(table, svc)
	return svc, table
}

// establishSession drives CreateSession + ActivateSession against a
// freshly assigned channel, returning the activated session's id and
// authentication token for subsequent requests.
func establishSession(t *testing.T, svc *services, table *dispatcher.Table, channelID uint32) (uint32, []byte) {
	t.Helper()
	ctx := context.Background()
	svc.shards.Assign(channelID)

	resp, err := table.Dispatch(ctx, dispatcher.Request{
		ChannelID: channelID,
		TypeID:    ua.TypeIDCreateSessionRequest,
		Body:      encodeCreateSessionRequest(60000),
	})
	if err != nil {
		t.Fatalf("CreateSession dispatch: %v", err)
	}
	sessionID, authToken := decodeCreateSessionResponse(resp.Body)

	_, err = table.Dispatch(ctx, dispatcher.Request{
		ChannelID: channelID,
		TypeID:    ua.TypeIDActivateSessionRequest,
		Header:    ua.RequestHeader{AuthenticationToken: authToken},
		Body:      encodeActivateSessionRequest(sessionID),
	})
	if err != nil {
		t.Fatalf("ActivateSession dispatch: %v", err)
	}
	return sessionID, authToken
}

func TestCreateSessionAssignsToShardAndTracksMetrics(t *testing.T) {
	svc, table := newTestServices(t)
	sessionID, authToken := establishSession(t, svc, table, 1)

	if len(authToken) == 0 {
		t.Fatalf("expected a non-empty authentication token")
	}
	if svc.sessions.Count() != 1 {
		t.Fatalf("expected 1 active session, got %d", svc.sessions.Count())
	}
	if _, ok := svc.shards.ShardForSession(sessionID); !ok {
		t.Fatalf("expected session %d to be assigned to a shard", sessionID)
	}
	if got := testutil.ToFloat64(svc.metrics.SessionsActive); got != 1 {
		t.Fatalf("expected SessionsActive == 1, got %v", got)
	}
}

func TestCloseSessionReleasesShardAndDecrementsMetrics(t *testing.T) {
	svc, table := newTestServices(t)
	ctx := context.Background()
	sessionID, authToken := establishSession(t, svc, table, 1)

	_, err := table.Dispatch(ctx, dispatcher.Request{
		ChannelID: 1,
		TypeID:    ua.TypeIDCloseSessionRequest,
		Header:    ua.RequestHeader{AuthenticationToken: authToken},
		Body:      []byte{0},
	})
	if err != nil {
		t.Fatalf("CloseSession dispatch: %v", err)
	}
	if _, ok := svc.shards.ShardForSession(sessionID); ok {
		t.Fatalf("expected session %d to be released from its shard", sessionID)
	}
	if got := testutil.ToFloat64(svc.metrics.SessionsActive); got != 0 {
		t.Fatalf("expected SessionsActive == 0 after close, got %v", got)
	}
}

func TestReadAndWriteRoundTripThroughAddressSpace(t *testing.T) {
	svc, table := newTestServices(t)
	ctx := context.Background()
	_, authToken := establishSession(t, svc, table, 1)
	hdr := ua.RequestHeader{AuthenticationToken: authToken}

	nodeID := ua.NewNumericNodeID(2, 7)
	svc.space.Write(nodeID.String(), ua.DataValue{Value: "running", Status: ua.StatusOK, SourceTimestamp: time.Now()})

	readBody := appendUint32(nil, 1)
	readBody = append(readBody, byte(ua.IdentifierNumeric))
	readBody = appendUint32(readBody, uint32(nodeID.NamespaceIndex))
	readBody = appendUint32(readBody, nodeID.Numeric)
	readBody = appendUint32(readBody, ua.AttributeIDValue)
	readBody = appendByteString(readBody, []byte{}) // IndexRange, empty string

	resp, err := table.Dispatch(ctx, dispatcher.Request{TypeID: ua.TypeIDReadRequest, Header: hdr, Body: readBody})
	if err != nil {
		t.Fatalf("Read dispatch: %v", err)
	}
	n, b := readUint32(resp.Body)
	if n != 1 {
		t.Fatalf("expected 1 read result, got %d", n)
	}
	status, b := readUint32(b)
	if ua.StatusCode(status) != ua.StatusOK {
		t.Fatalf("expected StatusOK, got %d", status)
	}
	tag := b[0]
	if tag != 2 {
		t.Fatalf("expected string tag (2), got %d", tag)
	}
}

func TestBrowseReturnsAddressSpaceSnapshot(t *testing.T) {
	svc, table := newTestServices(t)
	ctx := context.Background()
	_, authToken := establishSession(t, svc, table, 1)
	hdr := ua.RequestHeader{AuthenticationToken: authToken}

	svc.space.Write(ua.NewStringNodeID(1, "tag.a").String(), ua.DataValue{Value: 1.0, Status: ua.StatusOK})
	svc.space.Write(ua.NewStringNodeID(1, "tag.b").String(), ua.DataValue{Value: 2.0, Status: ua.StatusOK})

	resp, err := table.Dispatch(ctx, dispatcher.Request{TypeID: ua.TypeIDBrowseRequest, Header: hdr, Body: appendUint32(nil, 0)})
	if err != nil {
		t.Fatalf("Browse dispatch: %v", err)
	}
	n, _ := readUint32(resp.Body)
	if n != 2 {
		t.Fatalf("expected 2 nodes in snapshot, got %d", n)
	}
}
