package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/blake2b"
)

// randomNonce returns size cryptographically random bytes
func randomNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrCryptoFailure
	}
	return nonce, nil
}

// DeriveStoreKey derives a 32-byte storage encryption key from a
// passphrase. Deterministic so the same passphrase reopens the store.
func DeriveStoreKey(passphrase string) []byte {
	sum := blake2b.Sum256([]byte("quietwire store key v1:" + passphrase))
	return sum[:]
}
