// Package cryptopolicy is the external Crypto Policy collaborator named by
// spec.md §2 component I: nonces, signatures, key derivation. spec.md treats
// its internals as out of scope; this package defines the interface the
// rest of the server programs against plus two reference implementations
// (None, Basic256Sha256) so the server is runnable end to end.
package cryptopolicy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// SymmetricKeys is one direction's worth of derived key material: a signing
// key, an encryption key, and an initialization vector, per P_SHA256 (Part 6
// §6.7.4). A Token (uasc.Token) holds one SymmetricKeys per direction in
// practice; this server keeps both directions folded into the struct below
// for simplicity since spec.md does not require independently swappable
// send/receive key sets.
type SymmetricKeys struct {
	SigningKey    []byte
	EncryptionKey []byte
	IV            []byte
}

// Policy is the Crypto Policy external interface (component I). Each
// SecurityPolicyURI (spec.md §6) has one implementation.
type Policy interface {
	URI() ua.SecurityPolicyURI

	// NonceLength is the length of nonce this policy expects to exchange
	// during OpenSecureChannel.
	NonceLength() int

	// DeriveSymmetricKeys expands a (local nonce, remote nonce) pair into a
	// SymmetricKeys set via the policy's key-derivation function.
	DeriveSymmetricKeys(localNonce, remoteNonce []byte) (SymmetricKeys, error)

	// Sign produces a symmetric signature over data using keys.SigningKey.
	Sign(keys SymmetricKeys, data []byte) ([]byte, error)

	// Verify checks a symmetric signature produced by Sign.
	Verify(keys SymmetricKeys, data, signature []byte) error

	// Encrypt/Decrypt apply the policy's symmetric cipher. None's
	// implementation returns the input unchanged.
	Encrypt(keys SymmetricKeys, plaintext []byte) ([]byte, error)
	Decrypt(keys SymmetricKeys, ciphertext []byte) ([]byte, error)
}

// NewNonce reads a cryptographically random nonce of the given length.
func NewNonce(length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	n := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, errors.Wrap(err, "cryptopolicy: generating nonce")
	}
	return n, nil
}

// deriveP_SHA256 implements the P_SHA256 pseudo-random function (Part 6
// §6.7.4), producing exactly outLen bytes: A(0) = seed, A(i) =
// HMAC_SHA256(secret, A(i-1)), output = HMAC_SHA256(secret, A(i) + seed)
// for i = 1, 2, ... concatenated. secret and seed follow the spec's PSHA
// definition: the "secret" is one side's nonce, the "seed" is the other's.
func deriveP_SHA256(secret, seed []byte, outLen int) ([]byte, error) {
	var out []byte
	for a := signHMACSHA256(secret, seed); len(out) < outLen; a = signHMACSHA256(secret, a) {
		out = append(out, signHMACSHA256(secret, append(append([]byte{}, a...), seed...))...)
	}
	return out[:outLen], nil
}

// signHMACSHA256 is the symmetric signature of Basic256Sha256, the only
// signing policy in this server, and the HMAC step of deriveP_SHA256.
func signHMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func verifyHMACSHA256(key, data, signature []byte) error {
	expect := signHMACSHA256(key, data)
	if !hmac.Equal(expect, signature) {
		return errors.Wrapf(ua.StatusBadSecurityChecksFailed, "cryptopolicy: signature mismatch")
	}
	return nil
}
