package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/ua"
)

func TestDispatchUnknownTypeID(t *testing.T) {
	mgr := session.NewManager(time.Minute)
	table := NewTable(mgr)

	_, err := table.Dispatch(context.Background(), Request{TypeID: ua.TypeID(99999)})
	if err == nil {
		t.Fatalf("expected error for unregistered TypeID")
	}
}

func TestDispatchRequiresBoundSession(t *testing.T) {
	mgr := session.NewManager(time.Minute)
	table := NewTable(mgr)
	table.Register(ua.TypeIDReadRequest, func(ctx context.Context, sess *session.Session, req Request) (Response, error) {
		return Response{TypeID: ua.TypeIDReadResponse}, nil
	})

	_, err := table.Dispatch(context.Background(), Request{TypeID: ua.TypeIDReadRequest, Header: ua.RequestHeader{AuthenticationToken: []byte("bogus")}})
	if err != ua.StatusBadSessionIDInvalid {
		t.Fatalf("expected BadSessionIdInvalid, got %v", err)
	}
}

func TestDispatchBindsActivatedSession(t *testing.T) {
	mgr := session.NewManager(time.Minute)
	mgr.RegisterValidator(ua.UserTokenAnonymous, func(token, nonce []byte) (session.Identity, error) {
		return session.Identity{TokenType: ua.UserTokenAnonymous}, nil
	})
	table := NewTable(mgr)

	var boundSessionID uint32
	table.Register(ua.TypeIDReadRequest, func(ctx context.Context, sess *session.Session, req Request) (Response, error) {
		if sess != nil {
			boundSessionID = sess.ID
		}
		return Response{TypeID: ua.TypeIDReadResponse}, nil
	})

	policy := cryptopolicy.NonePolicy{}
	now := time.Now()
	sess, _, err := mgr.CreateSession(0, policy, now)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, _, err := mgr.ActivateSession(sess.ID, sess.AuthenticationToken, ua.UserTokenAnonymous, nil, 1, policy); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}

	_, err = table.Dispatch(context.Background(), Request{
		TypeID: ua.TypeIDReadRequest,
		Header: ua.RequestHeader{AuthenticationToken: sess.AuthenticationToken},
	})
	if err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if boundSessionID != sess.ID {
		t.Fatalf("expected handler to receive session %d, got %d", sess.ID, boundSessionID)
	}
}

func TestDispatchGetEndpointsExemptFromSessionBinding(t *testing.T) {
	mgr := session.NewManager(time.Minute)
	table := NewTable(mgr)
	called := false
	table.Register(ua.TypeIDGetEndpointsRequest, func(ctx context.Context, sess *session.Session, req Request) (Response, error) {
		called = true
		return Response{TypeID: ua.TypeIDGetEndpointsResponse}, nil
	})

	_, err := table.Dispatch(context.Background(), Request{TypeID: ua.TypeIDGetEndpointsRequest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected handler to be invoked without a bound session")
	}
}
