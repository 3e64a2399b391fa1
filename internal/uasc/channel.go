// Package uasc implements the OPC UA Secure Channel: lifecycle, token
// rotation, chunk reassembly, and request sequence-number verification
// (spec.md §4.B). It is grounded on the real gopcua/opcua/uasc
// SecureChannel (see DESIGN.md), generalized from a client-initiated
// channel to a server-accepted one.
package uasc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// State is the Secure Channel lifecycle state (spec.md §4.B).
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateRenewing
	StateClosed
)

// maxSequenceNumber is the wrap point named in spec.md §4.B: sequence
// numbers increase monotonically mod 2^32 with one wrap point around
// 4294966271, per the Open Question resolution recorded in SPEC_FULL.md §9.
const maxSequenceNumber uint32 = 4294966271

// TokenOverlapLeniency is not read by this package: a previous token stays
// valid alongside a freshly renewed one until ExpireOldToken finds its own
// Lifetime passed (spec.md §3: "at most two token key sets are valid").
const TokenOverlapLeniency = 0

// Token is one (current or previous) symmetric key set bound to a
// SecurityTokenID with a creation time and revised lifetime.
type Token struct {
	ID          uint32
	CreatedAt   time.Time
	Lifetime    time.Duration
	SymmetricKeys cryptopolicy.SymmetricKeys
}

// Expired reports whether the token has passed its revised lifetime.
func (t Token) Expired(now time.Time) bool {
	return now.Sub(t.CreatedAt) > t.Lifetime
}

// SecureChannel is one server-assigned channel: current + previous token,
// the send/expected-receive sequence counters, and the per-request-id
// chunk reassembly buffers.
type SecureChannel struct {
	ID       uint32
	Policy   cryptopolicy.Policy

	mu              sync.Mutex
	state           int32 // atomic, State
	currentToken    Token
	previousToken   *Token
	sendSeq         uint32
	expectedRecvSeq uint32
	haveRecvSeq     bool

	chunks map[uint32][]*MessageChunk // requestID -> buffered C chunks

	clock func() time.Time
}

// NewSecureChannel creates a channel in StateIdle, not yet assigned an id
// (Open assigns it on the first OpenSecureChannel; the Connection
// Supervisor passes its own connection id).
func NewSecureChannel(policy cryptopolicy.Policy) *SecureChannel {
	return &SecureChannel{
		Policy: policy,
		state:  int32(StateIdle),
		chunks: make(map[uint32][]*MessageChunk),
	}
}

func (c *SecureChannel) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

func (c *SecureChannel) State() State { return State(atomic.LoadInt32(&c.state)) }
func (c *SecureChannel) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// Open moves the channel to StateOpen, installs a freshly issued token and,
// if the channel was already open (a Renew rather than an Issue), demotes
// the existing token to previous so in-flight messages signed under the old
// token continue to verify until it expires.
func (c *SecureChannel) Open(id uint32, tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == int32(StateOpen) {
		prev := c.currentToken
		c.previousToken = &prev
	}
	c.ID = id
	c.currentToken = tok
	c.setState(StateOpen)
}

// Renew installs a new token as current and demotes the existing current
// token to previous, per spec.md §4.B ("retain previous key set until
// previous token's expiry; rotate sequence-number expectation does NOT
// reset").
func (c *SecureChannel) Renew(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.currentToken
	c.previousToken = &prev
	c.currentToken = tok
	c.setState(StateOpen)
}

// ExpireOldToken drops the previous token once it has aged out, enforcing
// the "at most two token key sets are valid" invariant.
func (c *SecureChannel) ExpireOldToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.previousToken != nil && c.previousToken.Expired(c.now()) {
		c.previousToken = nil
	}
}

// TokenForVerification returns the token set whose TokenID matches id —
// either current or the still-valid previous one — or false if neither
// matches (caller should fail the message with BadSecurityChecksFailed).
func (c *SecureChannel) TokenForVerification(id uint32) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentToken.ID == id {
		return c.currentToken, true
	}
	if c.previousToken != nil && c.previousToken.ID == id {
		return *c.previousToken, true
	}
	return Token{}, false
}

// NextSendSequenceNumber returns the next sequence number to stamp on an
// outgoing chunk, wrapping at maxSequenceNumber back to 1 (0 is reserved).
func (c *SecureChannel) NextSendSequenceNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSeq++
	if c.sendSeq > maxSequenceNumber {
		c.sendSeq = 1
	}
	return c.sendSeq
}

// VerifyRecvSequenceNumber checks that seq is the expected next value,
// allowing exactly the one wrap point, per spec.md §4.B. It returns
// BadSequenceNumberInvalid on any gap or regression.
func (c *SecureChannel) VerifyRecvSequenceNumber(seq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveRecvSeq {
		c.haveRecvSeq = true
		c.expectedRecvSeq = seq
		return nil
	}
	want := c.expectedRecvSeq + 1
	if c.expectedRecvSeq == maxSequenceNumber {
		want = 1
	}
	if seq != want {
		return errors.Wrapf(ua.StatusBadSequenceNumberInvalid,
			"uasc: channel %d expected sequence %d, got %d", c.ID, want, seq)
	}
	c.expectedRecvSeq = seq
	return nil
}

// BufferChunk appends an intermediate (C) chunk for requestID. It returns
// an error if the per-request chunk count would exceed maxChunkCount.
func (c *SecureChannel) BufferChunk(requestID uint32, chunk *MessageChunk, maxChunkCount uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[requestID] = append(c.chunks[requestID], chunk)
	if maxChunkCount > 0 && uint32(len(c.chunks[requestID])) > maxChunkCount {
		delete(c.chunks, requestID)
		return errors.Errorf("uasc: too many chunks for request %d (> %d)", requestID, maxChunkCount)
	}
	return nil
}

// TakeChunks removes and returns the buffered chunks for requestID, if any.
func (c *SecureChannel) TakeChunks(requestID uint32) []*MessageChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunks := c.chunks[requestID]
	delete(c.chunks, requestID)
	return chunks
}

// AbortChunks discards any buffered chunks for requestID, the effect of an
// incoming Abort (A) chunk (spec.md §4.A).
func (c *SecureChannel) AbortChunks(requestID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chunks, requestID)
}

// Close transitions the channel to Closed, releasing reassembly state.
func (c *SecureChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateClosed)
	c.chunks = nil
}

// MergeChunks concatenates the Data of each chunk in sequence order,
// skipping duplicate sequence numbers — ported from the gopcua uasc
// mergeChunks helper (other_examples secure_channel.go).
func MergeChunks(chunks []*MessageChunk) []byte {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) == 1 {
		return chunks[0].Data
	}
	var b []byte
	var seqnr uint32
	for _, c := range chunks {
		if c.SequenceNumber == seqnr {
			continue
		}
		seqnr = c.SequenceNumber
		b = append(b, c.Data...)
	}
	return b
}

// MaxSequenceNumber exposes the wrap point for tests.
func MaxSequenceNumber() uint32 { return maxSequenceNumber }
