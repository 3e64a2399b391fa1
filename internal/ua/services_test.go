package ua

import (
	"testing"
	"time"
)

func TestCreateSessionRequestRoundTrip(t *testing.T) {
	req := CreateSessionRequest{ClientNonce: []byte("nonce-bytes"), RequestedSessionTimeout: 60000}
	decoded, err := DecodeCreateSessionRequest(EncodeCreateSessionRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded.ClientNonce) != string(req.ClientNonce) {
		t.Fatalf("nonce mismatch: got %q", decoded.ClientNonce)
	}
	if decoded.RequestedSessionTimeout != req.RequestedSessionTimeout {
		t.Fatalf("timeout mismatch: got %v", decoded.RequestedSessionTimeout)
	}
}

func TestActivateSessionRequestRoundTrip(t *testing.T) {
	req := ActivateSessionRequest{SessionID: 7, UserTokenType: uint32(UserTokenUserName), TokenBody: []byte("creds")}
	decoded, err := DecodeActivateSessionRequest(EncodeActivateSessionRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != req {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", decoded, req)
	}
}

func TestNodeIDRoundTripNumeric(t *testing.T) {
	n := NewNumericNodeID(2, 1001)
	b := appendNodeID(nil, n)
	decoded, rest, err := readNodeID(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if !decoded.Equal(n) {
		t.Fatalf("nodeid mismatch: got %s, want %s", decoded, n)
	}
}

func TestNodeIDRoundTripString(t *testing.T) {
	n := NewStringNodeID(3, "Temperature.Sensor1")
	decoded, _, err := readNodeID(appendNodeID(nil, n))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(n) {
		t.Fatalf("nodeid mismatch: got %s, want %s", decoded, n)
	}
}

func TestCreateMonitoredItemsRequestRoundTrip(t *testing.T) {
	req := CreateMonitoredItemsRequest{
		SubscriptionID:     42,
		TimestampsToReturn: TimestampsBoth,
		ItemsToCreate: []MonitoredItemCreateRequest{
			{
				ItemToMonitor:    ReadValueID{NodeID: NewNumericNodeID(1, 100), AttributeID: AttributeIDValue},
				Mode:             MonitoringModeReporting,
				ClientHandle:     5,
				SamplingInterval: 200,
				QueueSize:        10,
				DiscardOldest:    true,
				DeadbandType:     DeadbandAbsolute,
				DeadbandValue:    0.5,
			},
			{
				ItemToMonitor:    ReadValueID{NodeID: NewStringNodeID(2, "tag.b"), AttributeID: AttributeIDValue},
				Mode:             MonitoringModeSampling,
				ClientHandle:     6,
				SamplingInterval: 500,
				QueueSize:        1,
				DiscardOldest:    false,
				DeadbandType:     DeadbandNone,
			},
		},
	}

	b := appendUint32(nil, req.SubscriptionID)
	b = append(b, byte(req.TimestampsToReturn))
	b = appendUint32(b, uint32(len(req.ItemsToCreate)))
	for _, item := range req.ItemsToCreate {
		b = appendReadValueID(b, item.ItemToMonitor)
		b = append(b, byte(item.Mode))
		b = appendUint32(b, item.ClientHandle)
		b = appendFloat64(b, item.SamplingInterval)
		b = appendUint32(b, item.QueueSize)
		b = appendBool(b, item.DiscardOldest)
		b = append(b, byte(item.DeadbandType))
		b = appendFloat64(b, item.DeadbandValue)
	}

	decoded, err := DecodeCreateMonitoredItemsRequest(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SubscriptionID != req.SubscriptionID || decoded.TimestampsToReturn != req.TimestampsToReturn {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if len(decoded.ItemsToCreate) != 2 {
		t.Fatalf("expected 2 items, got %d", len(decoded.ItemsToCreate))
	}
	if !decoded.ItemsToCreate[0].ItemToMonitor.NodeID.Equal(req.ItemsToCreate[0].ItemToMonitor.NodeID) {
		t.Fatalf("item 0 nodeid mismatch")
	}
	if decoded.ItemsToCreate[1].ItemToMonitor.NodeID.String() != "ns=2;s=tag.b" {
		t.Fatalf("item 1 nodeid mismatch: got %s", decoded.ItemsToCreate[1].ItemToMonitor.NodeID)
	}
	if decoded.ItemsToCreate[0].DeadbandValue != 0.5 {
		t.Fatalf("deadband value mismatch: got %v", decoded.ItemsToCreate[0].DeadbandValue)
	}
}

func TestWriteRequestRoundTripFloatValue(t *testing.T) {
	req := WriteRequest{
		NodesToWrite: []WriteValue{
			{
				NodeID: ReadValueID{NodeID: NewNumericNodeID(1, 55), AttributeID: AttributeIDValue},
				Value:  DataValue{Value: 72.5, Status: StatusOK, SourceTimestamp: time.Unix(1700000000, 0).UTC()},
			},
		},
	}

	b := appendUint32(nil, uint32(len(req.NodesToWrite)))
	for _, wv := range req.NodesToWrite {
		b = appendReadValueID(b, wv.NodeID)
		b = appendUint32(b, uint32(wv.Value.Status))
		b = append(b, 1) // float64 tag
		b = appendFloat64(b, wv.Value.Value.(float64))
		b = appendInt64(b, wv.Value.SourceTimestamp.UnixNano())
	}

	decoded, err := DecodeWriteRequest(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.NodesToWrite) != 1 {
		t.Fatalf("expected 1 write value, got %d", len(decoded.NodesToWrite))
	}
	got := decoded.NodesToWrite[0]
	if got.Value.Value.(float64) != 72.5 {
		t.Fatalf("value mismatch: got %v", got.Value.Value)
	}
	if !got.Value.SourceTimestamp.Equal(req.NodesToWrite[0].Value.SourceTimestamp) {
		t.Fatalf("timestamp mismatch: got %v", got.Value.SourceTimestamp)
	}
}

func TestReadResponseEncodesStringValue(t *testing.T) {
	resp := ReadResponse{Results: []DataValue{
		{Value: "running", Status: StatusOK, SourceTimestamp: time.Unix(1700000000, 0).UTC()},
	}}
	b := EncodeReadResponse(resp)
	if len(b) == 0 {
		t.Fatalf("expected non-empty encoding")
	}
	// Length prefix, then status (4 bytes good), then tag byte 2 (string).
	if b[4] != 0 || b[8] != 2 {
		t.Fatalf("unexpected tag byte layout: %v", b[:12])
	}
}

func TestDeleteSubscriptionsRequestRoundTrip(t *testing.T) {
	ids := []uint32{1, 2, 3}
	decoded, err := DecodeDeleteSubscriptionsRequest(appendUint32Array(nil, ids))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.SubscriptionIDs) != 3 || decoded.SubscriptionIDs[2] != 3 {
		t.Fatalf("unexpected ids: %v", decoded.SubscriptionIDs)
	}
}
