package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testSessionKeys(t *testing.T) (*SessionKeys, *SessionKeys) {
	t.Helper()

	dh := [][]byte{
		bytes.Repeat([]byte{0x01}, 32),
		bytes.Repeat([]byte{0x02}, 32),
		bytes.Repeat([]byte{0x03}, 32),
	}

	initiator, err := DeriveSessionKeys(dh, true)
	if err != nil {
		t.Fatalf("DeriveSessionKeys(initiator) error = %v", err)
	}
	responder, err := DeriveSessionKeys(dh, false)
	if err != nil {
		t.Fatalf("DeriveSessionKeys(responder) error = %v", err)
	}
	return initiator, responder
}

func TestDeriveSessionKeysDirectional(t *testing.T) {
	initiator, responder := testSessionKeys(t)

	if initiator.Send != responder.Recv {
		t.Error("initiator send key != responder recv key")
	}
	if initiator.Recv != responder.Send {
		t.Error("initiator recv key != responder send key")
	}
	if initiator.Send == initiator.Recv {
		t.Error("directional keys are identical")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	initiator, responder := testSessionKeys(t)
	ad := []byte("header bytes")

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"short", []byte("hello")},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte{0xAB}, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, tag, err := Seal(initiator.Send, 1, 7, tt.plaintext, ad)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			pt, err := Open(responder.Recv, 1, 7, ct, tag, ad)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(pt, tt.plaintext) {
				t.Error("round-tripped plaintext mismatch")
			}
		})
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	initiator, responder := testSessionKeys(t)
	ad := []byte("header bytes")

	ct, tag, err := Seal(initiator.Send, 1, 7, []byte("secret"), ad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tests := []struct {
		name string
		open func() ([]byte, error)
	}{
		{"wrong key", func() ([]byte, error) {
			return Open(initiator.Recv, 1, 7, ct, tag, ad)
		}},
		{"tampered ciphertext", func() ([]byte, error) {
			bad := append([]byte{}, ct...)
			bad[0] ^= 0x01
			return Open(responder.Recv, 1, 7, bad, tag, ad)
		}},
		{"tampered tag", func() ([]byte, error) {
			badTag := tag
			badTag[0] ^= 0x01
			return Open(responder.Recv, 1, 7, ct, badTag, ad)
		}},
		{"tampered associated data", func() ([]byte, error) {
			return Open(responder.Recv, 1, 7, ct, tag, []byte("other header"))
		}},
		{"wrong counter", func() ([]byte, error) {
			return Open(responder.Recv, 1, 8, ct, tag, ad)
		}},
		{"wrong epoch", func() ([]byte, error) {
			return Open(responder.Recv, 2, 7, ct, tag, ad)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := tt.open()
			if !errors.Is(err, ErrAuthFailure) {
				t.Errorf("Open() error = %v, want ErrAuthFailure", err)
			}
			if pt != nil {
				t.Error("Open() returned plaintext on failure")
			}
		})
	}
}

func TestSealBlobRoundTrip(t *testing.T) {
	key := DeriveStoreKey("passphrase")

	sealed, err := SealBlob(key, []byte("private key material"))
	if err != nil {
		t.Fatalf("SealBlob() error = %v", err)
	}

	opened, err := OpenBlob(key, sealed)
	if err != nil {
		t.Fatalf("OpenBlob() error = %v", err)
	}
	if string(opened) != "private key material" {
		t.Error("blob round-trip mismatch")
	}

	sealed[len(sealed)-1] ^= 0xFF
	if _, err := OpenBlob(key, sealed); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("OpenBlob() on tampered blob error = %v, want ErrAuthFailure", err)
	}

	if _, err := OpenBlob(key, []byte{0x01}); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("OpenBlob() on truncated blob error = %v, want ErrAuthFailure", err)
	}
}

func TestDeriveStoreKeyDeterminism(t *testing.T) {
	if !bytes.Equal(DeriveStoreKey("a"), DeriveStoreKey("a")) {
		t.Error("DeriveStoreKey not deterministic")
	}
	if bytes.Equal(DeriveStoreKey("a"), DeriveStoreKey("b")) {
		t.Error("distinct passphrases derived the same key")
	}
}
