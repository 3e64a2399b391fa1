// Package session implements the Session Manager (spec.md §4.D): session
// creation, activation, timeout, and the user identity token policies that
// gate ActivateSession.
package session

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// minAuthTokenLength is the floor named in spec.md §3: "authentication
// token (opaque, random, ≥32 bytes)".
const minAuthTokenLength = 32

// Session is a logical user-authenticated context that may migrate across
// Secure Channels and owns a set of Subscriptions by id only (spec.md §9,
// "subscription hold the session id, not an owning reference" — here it is
// the session that holds subscription ids rather than subscription
// pointers, to keep the relationship one-directional and arena-friendly).
type Session struct {
	mu sync.Mutex

	ID                uint32
	AuthenticationToken []byte
	ChannelID         uint32 // current bound channel, 0 if detached
	Timeout           time.Duration
	UserIdentity      Identity
	Activated         bool

	serverNonce []byte
	lastActivity time.Time

	SubscriptionIDs map[uint32]struct{}
}

// Identity describes the authenticated principal behind a Session, filled
// in by whichever UserTokenType validator accepted the ActivateSession
// request (spec.md §4.D, SPEC_FULL.md §4.D EXPANSION).
type Identity struct {
	TokenType UserTokenType
	Subject   string
}

// UserTokenType mirrors ua.UserTokenType; re-exported here to keep the
// session package's public surface self-contained for callers that only
// import session.
type UserTokenType = ua.UserTokenType

// newAuthToken generates a cryptographically random authentication token of
// at least minAuthTokenLength bytes.
func newAuthToken() ([]byte, error) {
	b := make([]byte, minAuthTokenLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "session: generating authentication token")
	}
	return b, nil
}

// Touch records activity against the session's timeout clock, called on
// every request bound to this session (spec.md §4.D, "session times out if
// no request arrives within its timeout").
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Expired reports whether the session has gone silent longer than its
// configured Timeout.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > s.Timeout
}

// Rebind moves the session onto a new channel id, the mechanism behind
// spec.md §8 scenario 6 ("session survives channel reopen").
func (s *Session) Rebind(channelID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChannelID = channelID
}

// AddSubscription records ownership of a subscription id.
func (s *Session) AddSubscription(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubscriptionIDs[id] = struct{}{}
}

// RemoveSubscription drops ownership of a subscription id.
func (s *Session) RemoveSubscription(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.SubscriptionIDs, id)
}

// OwnedSubscriptions returns a snapshot of currently owned subscription ids.
func (s *Session) OwnedSubscriptions() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.SubscriptionIDs))
	for id := range s.SubscriptionIDs {
		ids = append(ids, id)
	}
	return ids
}
