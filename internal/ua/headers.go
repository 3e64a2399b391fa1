package ua

import "time"

// RequestHeader is decoded from the front of every service request body.
// AuthenticationToken binds the request to a Session (component D); a
// zero-length token is only legal for CreateSession/ActivateSession.
type RequestHeader struct {
	AuthenticationToken []byte
	Timestamp           time.Time
	RequestHandle       uint32
	TimeoutHint         uint32 // milliseconds, advisory
}

// ResponseHeader is encoded in front of every service response body.
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult StatusCode
}

// TypeID identifies the structured type of a decoded service body, i.e. the
// binary-encoding NodeId the spec requires every structured type to carry.
// The dispatcher's static table (component C) is keyed by this value rather
// than by Go runtime type, per the Design Note in spec.md §9.
type TypeID uint32

// Service type identifiers for the services the core must implement
// (spec.md §4.C). Values follow the published OPC UA binary-encoding ids
// (Part 6 companion spec numeric node ids in namespace 0).
const (
	TypeIDGetEndpointsRequest         TypeID = 428
	TypeIDGetEndpointsResponse        TypeID = 431
	TypeIDCreateSessionRequest        TypeID = 461
	TypeIDCreateSessionResponse       TypeID = 464
	TypeIDActivateSessionRequest      TypeID = 467
	TypeIDActivateSessionResponse     TypeID = 470
	TypeIDCloseSessionRequest         TypeID = 473
	TypeIDCloseSessionResponse        TypeID = 476
	TypeIDCreateSubscriptionRequest   TypeID = 787
	TypeIDCreateSubscriptionResponse  TypeID = 790
	TypeIDModifySubscriptionRequest   TypeID = 793
	TypeIDModifySubscriptionResponse  TypeID = 796
	TypeIDDeleteSubscriptionsRequest  TypeID = 847
	TypeIDDeleteSubscriptionsResponse TypeID = 850
	TypeIDSetPublishingModeRequest    TypeID = 799
	TypeIDSetPublishingModeResponse   TypeID = 802
	TypeIDPublishRequest              TypeID = 826
	TypeIDPublishResponse             TypeID = 829
	TypeIDRepublishRequest            TypeID = 832
	TypeIDRepublishResponse           TypeID = 835
	TypeIDCreateMonitoredItemsRequest  TypeID = 751
	TypeIDCreateMonitoredItemsResponse TypeID = 754
	TypeIDModifyMonitoredItemsRequest  TypeID = 757
	TypeIDModifyMonitoredItemsResponse TypeID = 760
	TypeIDDeleteMonitoredItemsRequest  TypeID = 778
	TypeIDDeleteMonitoredItemsResponse TypeID = 781
	TypeIDReadRequest                 TypeID = 631
	TypeIDReadResponse                TypeID = 634
	TypeIDWriteRequest                TypeID = 673
	TypeIDWriteResponse               TypeID = 676
	TypeIDBrowseRequest               TypeID = 527
	TypeIDBrowseResponse              TypeID = 530
	TypeIDOpenSecureChannelRequest    TypeID = 446
	TypeIDOpenSecureChannelResponse   TypeID = 449
	TypeIDCloseSecureChannelRequest   TypeID = 452
	TypeIDCloseSecureChannelResponse  TypeID = 455
)
