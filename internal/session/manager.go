package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// IdentityValidator checks one UserIdentityToken policy and returns the
// resolved Identity, or an error mapping to BadUserAccessDenied.
type IdentityValidator func(token []byte, serverNonce []byte) (Identity, error)

// Manager owns every live Session, keyed by server-assigned session id.
// Grounded on src/sharded/shard.go's single-map-owned-by-one-goroutine
// pattern generalized to sessions (the owning goroutine is whichever Shard
// (component N) the session's channel currently belongs to; Manager itself
// is safe for the callers that already serialize access that way, and adds
// its own mutex only to protect the id-allocation counter and map, which
// CreateSession/CloseSession touch from the Shard's single goroutine).
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	nextID   uint32

	validators map[UserTokenType]IdentityValidator

	DefaultTimeout time.Duration
}

// NewManager creates an empty Manager. defaultTimeout is used for sessions
// whose CreateSessionRequest requested a zero or negative timeout.
func NewManager(defaultTimeout time.Duration) *Manager {
	return &Manager{
		sessions:       make(map[uint32]*Session),
		validators:     make(map[UserTokenType]IdentityValidator),
		DefaultTimeout: defaultTimeout,
	}
}

// RegisterValidator installs the validator for one UserIdentityToken
// policy. Policies with no registered validator are rejected with
// BadUserAccessDenied during ActivateSession.
func (m *Manager) RegisterValidator(t UserTokenType, v IdentityValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[t] = v
}

// CreateSession allocates a session id and authentication token and
// returns a server nonce to be used in the subsequent ActivateSession
// signature check (spec.md §4.D: "not yet usable for anything but
// ActivateSession").
func (m *Manager) CreateSession(requestedTimeout time.Duration, policy cryptopolicy.Policy, now time.Time) (*Session, []byte, error) {
	token, err := newAuthToken()
	if err != nil {
		return nil, nil, err
	}

	nonceLen := policy.NonceLength()
	if nonceLen == 0 {
		nonceLen = 32
	}
	nonce, err := cryptopolicy.NewNonce(nonceLen)
	if err != nil {
		return nil, nil, err
	}

	timeout := requestedTimeout
	if timeout <= 0 {
		timeout = m.DefaultTimeout
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	s := &Session{
		ID:                  id,
		AuthenticationToken: token,
		Timeout:             timeout,
		serverNonce:         nonce,
		lastActivity:        now,
		SubscriptionIDs:     make(map[uint32]struct{}),
	}
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nonce, nil
}

// ActivateSession validates the user identity token against the registered
// policy validators and marks the session activated, returning a fresh
// server nonce (spec.md §4.D).
func (m *Manager) ActivateSession(sessionID uint32, authToken []byte, tokenType UserTokenType, tokenBody []byte, channelID uint32, policy cryptopolicy.Policy) (*Session, []byte, error) {
	s, err := m.lookupWithToken(sessionID, authToken)
	if err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	validator, ok := m.validators[tokenType]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Wrapf(ua.StatusBadUserAccessDenied, "session: no validator registered for token type %d", tokenType)
	}

	s.mu.Lock()
	nonce := s.serverNonce
	s.mu.Unlock()

	identity, err := validator(tokenBody, nonce)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session: identity validation failed")
	}

	nonceLen := policy.NonceLength()
	if nonceLen == 0 {
		nonceLen = 32
	}
	newNonce, err := cryptopolicy.NewNonce(nonceLen)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.UserIdentity = identity
	s.Activated = true
	s.ChannelID = channelID
	s.serverNonce = newNonce
	s.mu.Unlock()

	return s, newNonce, nil
}

// Bind looks up a session by the authentication token carried in a
// RequestHeader, the mechanism used by the Message Dispatcher (component C)
// for every non-CreateSession request. It returns BadSessionIdInvalid for
// an unknown token and BadSessionNotActivated if found but not yet
// activated, unless allowBeforeActivation is set (ActivateSession itself
// and CloseSession are allowed against an unactivated session).
func (m *Manager) Bind(authToken []byte, allowBeforeActivation bool) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if tokensEqual(s.AuthenticationToken, authToken) {
			if !s.Activated && !allowBeforeActivation {
				return nil, ua.StatusBadSessionNotActivated
			}
			return s, nil
		}
	}
	return nil, ua.StatusBadSessionIDInvalid
}

func (m *Manager) lookupWithToken(sessionID uint32, authToken []byte) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}
	if !tokensEqual(s.AuthenticationToken, authToken) {
		return nil, ua.StatusBadSessionIDInvalid
	}
	return s, nil
}

// CloseSession removes a session and returns the subscription ids it owned,
// so the caller (the Shard owning this session) can tear them down.
func (m *Manager) CloseSession(sessionID uint32) ([]uint32, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}
	return s.OwnedSubscriptions(), nil
}

// SweepExpired returns the sessions whose timeout has elapsed as of now and
// removes them, cascading into subscription deletion per spec.md §4.D.
func (m *Manager) SweepExpired(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	return expired
}

// Count reports the number of live sessions, used by admission control
// (max sessions, spec.md §6 configurable knobs / BadTooManySessions).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func tokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
