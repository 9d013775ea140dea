package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrAuthFailure = errors.New("authentication failure")

const (
	// SessionKeyLen is the length of one directional session key
	SessionKeyLen = 32

	// TagSize is the Poly1305 authentication tag length
	TagSize = chacha20poly1305.Overhead

	// sessionKDFInfo is the HKDF info string for session key derivation
	sessionKDFInfo = "quietwire session keys v1"
)

// SessionKeys holds the directional keys of an established session.
// Initiator and responder swap Send/Recv so the same derivation yields
// a consistent pair on both sides.
type SessionKeys struct {
	Send [SessionKeyLen]byte
	Recv [SessionKeyLen]byte
}

// DeriveSessionKeys expands the concatenated DH outputs into two
// directional keys via HKDF-SHA256. Raw DH output is never used directly.
// initiator selects which half becomes the send key.
func DeriveSessionKeys(dhOutputs [][]byte, initiator bool) (*SessionKeys, error) {
	var ikm []byte
	for _, dh := range dhOutputs {
		ikm = append(ikm, dh...)
	}
	if len(ikm) == 0 {
		return nil, ErrCryptoFailure
	}

	salt := make([]byte, 32)
	reader := hkdf.New(sha256.New, ikm, salt, []byte(sessionKDFInfo))

	out := make([]byte, 2*SessionKeyLen)
	if _, err := reader.Read(out); err != nil {
		return nil, ErrCryptoFailure
	}

	keys := &SessionKeys{}
	if initiator {
		copy(keys.Send[:], out[0:SessionKeyLen])
		copy(keys.Recv[:], out[SessionKeyLen:])
	} else {
		copy(keys.Recv[:], out[0:SessionKeyLen])
		copy(keys.Send[:], out[SessionKeyLen:])
	}

	return keys, nil
}

// Nonce builds the deterministic 12-byte AEAD nonce for an envelope.
// Counters never repeat within an epoch, and the directional keys keep
// the two directions from sharing a (key, nonce) pair.
func Nonce(epoch uint32, counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], epoch)
	binary.BigEndian.PutUint64(nonce[4:12], counter)
	return nonce
}

// Seal encrypts plaintext with ChaCha20-Poly1305, binding the associated
// data (the canonical envelope header). Returns ciphertext and tag separately.
func Seal(key [SessionKeyLen]byte, epoch uint32, counter uint64, plaintext, associatedData []byte) (ciphertext []byte, tag [TagSize]byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, tag, ErrCryptoFailure
	}

	nonce := Nonce(epoch, counter)
	sealed := aead.Seal(nil, nonce[:], plaintext, associatedData)

	split := len(sealed) - TagSize
	ciphertext = sealed[:split]
	copy(tag[:], sealed[split:])
	return ciphertext, tag, nil
}

// Open decrypts and authenticates a sealed payload. Any tampering with
// ciphertext, tag, or associated data fails with ErrAuthFailure; no
// partial plaintext is ever returned.
func Open(key [SessionKeyLen]byte, epoch uint32, counter uint64, ciphertext []byte, tag [TagSize]byte, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrCryptoFailure
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)

	nonce := Nonce(epoch, counter)
	plaintext, err := aead.Open(nil, nonce[:], sealed, associatedData)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// SealBlob encrypts a local blob (key material, log content) with a store
// key using a random nonce prefix. Used for encryption at rest.
func SealBlob(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	nonce, err := randomNonce(chacha20poly1305.NonceSize)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenBlob decrypts a blob sealed by SealBlob
func OpenBlob(key []byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrAuthFailure
	}

	nonce, box := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
