package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrCryptoFailure = errors.New("crypto failure")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidAddress = errors.New("invalid address")
)

// AddressSize is the length of a derived address in bytes
const AddressSize = 20

// Address identifies an identity on the wire (20 bytes)
type Address [AddressSize]byte

// KeyPair holds the long-term key material of one identity:
// an Ed25519 pair for signatures and an X25519 pair for key agreement.
type KeyPair struct {
	SignPublic  [32]byte // Ed25519 public key
	SignPrivate [64]byte // Ed25519 private key
	DHPublic    [32]byte // X25519 public key
	DHPrivate   [32]byte // X25519 private key
}

// GenerateKeyPair generates a fresh identity key pair
func GenerateKeyPair() (*KeyPair, error) {
	edPublic, edPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	var dhPrivate [32]byte
	if _, err := rand.Read(dhPrivate[:]); err != nil {
		return nil, ErrCryptoFailure
	}

	var dhPublic [32]byte
	curve25519.ScalarBaseMult(&dhPublic, &dhPrivate)

	kp := &KeyPair{
		DHPublic:  dhPublic,
		DHPrivate: dhPrivate,
	}
	copy(kp.SignPublic[:], edPublic)
	copy(kp.SignPrivate[:], edPrivate)

	return kp, nil
}

// GenerateEphemeralKey generates a single-use X25519 key pair for handshakes
func GenerateEphemeralKey() (private [32]byte, public [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		err = ErrCryptoFailure
		return
	}
	curve25519.ScalarBaseMult(&public, &private)
	return
}

// DH performs X25519 Diffie-Hellman and returns the raw shared secret.
// The result must always be passed through DeriveSessionKeys before use.
func DH(private [32]byte, public [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return shared, nil
}

// Sign signs data with the identity's Ed25519 key
func Sign(kp *KeyPair, data []byte) []byte {
	return ed25519.Sign(kp.SignPrivate[:], data)
}

// Verify checks an Ed25519 signature against a public key
func Verify(signPublic [32]byte, data []byte, signature []byte) bool {
	return ed25519.Verify(signPublic[:], data, signature)
}

// DeriveAddress derives the stable address of a public key.
// Deterministic: the same key always yields the same address.
func DeriveAddress(signPublic [32]byte) Address {
	sum := blake2b.Sum256(signPublic[:])

	var addr Address
	copy(addr[:], sum[:AddressSize])
	return addr
}

// String returns the lowercase hex form of the address
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is all zeros
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses the hex form of an address
func ParseAddress(s string) (Address, error) {
	var addr Address
	raw, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(s)))
	if err != nil || len(raw) != AddressSize {
		return addr, ErrInvalidAddress
	}
	copy(addr[:], raw)
	return addr, nil
}
