package cryptopolicy

import "github.com/adred-codev/opcua-server/internal/ua"

// NonePolicy implements SecurityPolicy#None: no signing, no encryption, no
// nonce requirement (spec.md §6).
type NonePolicy struct{}

func (NonePolicy) URI() ua.SecurityPolicyURI { return ua.SecurityPolicyNone }
func (NonePolicy) NonceLength() int          { return 0 }

func (NonePolicy) DeriveSymmetricKeys(_, _ []byte) (SymmetricKeys, error) {
	return SymmetricKeys{}, nil
}

func (NonePolicy) Sign(_ SymmetricKeys, _ []byte) ([]byte, error) { return nil, nil }
func (NonePolicy) Verify(_ SymmetricKeys, _, _ []byte) error      { return nil }

func (NonePolicy) Encrypt(_ SymmetricKeys, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NonePolicy) Decrypt(_ SymmetricKeys, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
