package cryptopolicy

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// Basic256Sha256Policy implements SecurityPolicy#Basic256Sha256: HMAC-SHA256
// symmetric signing, AES-256-CBC symmetric encryption, P_SHA256 key
// derivation (spec.md §6). Asymmetric signature/encryption (RSA-OAEP with
// SHA-256) happen only during the OpenSecureChannel handshake and are the
// responsibility of the (out of scope) certificate layer; this type covers
// the symmetric per-message operations the Secure Channel uses for every
// MSG chunk after the handshake.
type Basic256Sha256Policy struct{}

const (
	basic256SigningKeyLen    = 32 // SHA-256 HMAC key
	basic256EncryptionKeyLen = 32 // AES-256
	basic256IVLen            = 16 // AES block size
	basic256NonceLen         = 32
)

func (Basic256Sha256Policy) URI() ua.SecurityPolicyURI { return ua.SecurityPolicyBasic256Sha256 }
func (Basic256Sha256Policy) NonceLength() int          { return basic256NonceLen }

// DeriveSymmetricKeys expands (localNonce, remoteNonce) via P_SHA256 into
// a signing key, encryption key, and IV, in that order, per Part 6 §6.7.4.
func (Basic256Sha256Policy) DeriveSymmetricKeys(localNonce, remoteNonce []byte) (SymmetricKeys, error) {
	total := basic256SigningKeyLen + basic256EncryptionKeyLen + basic256IVLen
	material, err := deriveP_SHA256(remoteNonce, localNonce, total)
	if err != nil {
		return SymmetricKeys{}, err
	}
	return SymmetricKeys{
		SigningKey:    material[:basic256SigningKeyLen],
		EncryptionKey: material[basic256SigningKeyLen : basic256SigningKeyLen+basic256EncryptionKeyLen],
		IV:            material[basic256SigningKeyLen+basic256EncryptionKeyLen:],
	}, nil
}

func (Basic256Sha256Policy) Sign(keys SymmetricKeys, data []byte) ([]byte, error) {
	return signHMACSHA256(keys.SigningKey, data), nil
}

func (Basic256Sha256Policy) Verify(keys SymmetricKeys, data, signature []byte) error {
	return verifyHMACSHA256(keys.SigningKey, data, signature)
}

func (Basic256Sha256Policy) Encrypt(keys SymmetricKeys, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "cryptopolicy: aes cipher")
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(out, padded)
	return out, nil
}

func (Basic256Sha256Policy) Decrypt(keys SymmetricKeys, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "cryptopolicy: aes cipher")
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.Wrapf(ua.StatusBadSecurityChecksFailed, "cryptopolicy: ciphertext not block-aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.IV).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+pad)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("cryptopolicy: empty padded block")
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > len(b) {
		return nil, errors.Wrap(ua.StatusBadSecurityChecksFailed, "cryptopolicy: invalid pkcs7 padding")
	}
	return b[:len(b)-pad], nil
}
