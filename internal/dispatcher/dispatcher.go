// Package dispatcher implements the Message Dispatcher (component C):
// decodes the request header from a decrypted service body, binds the
// authentication token to a Session, looks up the handler by TypeID in a
// static table, and returns the encoded response in request-id order.
//
// Grounded on src/server.go's handleClientMessage switch (the closest
// teacher analogue to a routed request handler), generalized from a
// string-keyed switch over WebSocket message kinds to a TypeID-keyed map,
// per the Design Note in spec.md §9 ("tagged-variant enum, not runtime
// type identity").
package dispatcher

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// Request is one decoded service invocation bound to a channel.
type Request struct {
	ChannelID uint32
	TypeID    ua.TypeID
	Header    ua.RequestHeader
	Body      []byte
}

// Response is the result of handling a Request, still needing header
// encoding and channel-level sealing by the caller (component B).
type Response struct {
	TypeID ua.TypeID
	Header ua.ResponseHeader
	Body   []byte
}

// Handler processes one decoded request body against a bound Session (nil
// for CreateSession, which has none yet) and returns the response body.
type Handler func(ctx context.Context, sess *session.Session, req Request) (Response, error)

// sessionExempt lists the TypeIDs that may be invoked before a session is
// fully activated: ActivateSession itself, CloseSession, and the
// pre-session handshake services. Every other TypeID requires an
// activated session bound to the request's AuthenticationToken (spec.md
// §4.C).
var sessionExempt = map[ua.TypeID]bool{
	ua.TypeIDGetEndpointsRequest:       true,
	ua.TypeIDCreateSessionRequest:      true,
	ua.TypeIDActivateSessionRequest:    true,
	ua.TypeIDCloseSessionRequest:       true,
	ua.TypeIDOpenSecureChannelRequest:  true,
	ua.TypeIDCloseSecureChannelRequest: true,
}

// Table is the static TypeID -> Handler dispatch table (spec.md §9
// Design Note: "a sum type over request kinds and a handler table keyed
// by TypeId").
type Table struct {
	handlers map[ua.TypeID]Handler
	sessions *session.Manager
}

// NewTable creates an empty dispatch table bound to a Session Manager.
func NewTable(sessions *session.Manager) *Table {
	return &Table{handlers: make(map[ua.TypeID]Handler), sessions: sessions}
}

// Register installs the handler for one TypeID. Called once per service
// during server wiring (cmd/opcua-serverd).
func (t *Table) Register(id ua.TypeID, h Handler) {
	t.handlers[id] = h
}

// Dispatch binds the request's AuthenticationToken to a Session (unless
// the TypeID is session-exempt), looks up the handler, and invokes it.
// Binding failures are mapped to BadSessionIdInvalid/BadSessionNotActivated
// per spec.md §4.C without ever reaching the handler.
func (t *Table) Dispatch(ctx context.Context, req Request) (Response, error) {
	handler, ok := t.handlers[req.TypeID]
	if !ok {
		return Response{}, errors.Wrapf(ua.StatusBadServiceUnsupported, "dispatcher: no handler for TypeID %d", req.TypeID)
	}

	var sess *session.Session
	if !sessionExempt[req.TypeID] {
		s, err := t.sessions.Bind(req.Header.AuthenticationToken, false)
		if err != nil {
			return Response{}, err
		}
		sess = s
	} else if req.TypeID == ua.TypeIDActivateSessionRequest || req.TypeID == ua.TypeIDCloseSessionRequest {
		// These two are allowed against a not-yet-activated session, but
		// still need an existing one to act on (except first
		// ActivateSession immediately after CreateSession, which the
		// handler itself resolves via the CreateSessionResponse's session
		// id carried in the request body, not the RequestHeader token).
		if s, err := t.sessions.Bind(req.Header.AuthenticationToken, true); err == nil {
			sess = s
		}
	}
	if sess != nil {
		sess.Touch(time.Now())
	}

	resp, err := handler(ctx, sess, req)
	if err != nil {
		return Response{}, err
	}
	resp.Header.RequestHandle = req.Header.RequestHandle
	return resp, nil
}
