package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/quietwire/quietwire/pkg/crypto"
)

var ErrAuthFailure = errors.New("handshake authentication failure")

// HandshakePayloadSize is the fixed encoded size of a handshake payload
const HandshakePayloadSize = 32 + 32 + 32 + 8

// HandshakePayload carries the signed key-agreement material of a
// HANDSHAKE_INIT or HANDSHAKE_RESP envelope. It travels in plaintext;
// the signature binds it to the sender identity and the addressed
// header, which is what prevents ephemeral-key substitution.
type HandshakePayload struct {
	SignPublic      [32]byte // sender's Ed25519 identity key
	StaticDHPublic  [32]byte // sender's long-term X25519 key
	EphemeralPublic [32]byte // fresh per-handshake X25519 key
	Timestamp       uint64   // unix milliseconds, diagnostic only
}

// Encode encodes the handshake payload to its fixed canonical layout
func (p *HandshakePayload) Encode() []byte {
	buf := make([]byte, HandshakePayloadSize)
	copy(buf[0:32], p.SignPublic[:])
	copy(buf[32:64], p.StaticDHPublic[:])
	copy(buf[64:96], p.EphemeralPublic[:])
	binary.BigEndian.PutUint64(buf[96:104], p.Timestamp)
	return buf
}

// DecodeHandshakePayload parses a handshake payload
func DecodeHandshakePayload(buf []byte) (*HandshakePayload, error) {
	if len(buf) != HandshakePayloadSize {
		return nil, ErrMalformedEnvelope
	}

	p := &HandshakePayload{}
	copy(p.SignPublic[:], buf[0:32])
	copy(p.StaticDHPublic[:], buf[32:64])
	copy(p.EphemeralPublic[:], buf[64:96])
	p.Timestamp = binary.BigEndian.Uint64(buf[96:104])
	return p, nil
}

// SignHandshake fills in the signature of a handshake envelope. The
// signing input is the canonical header followed by the payload, so a
// relay cannot graft the key material onto a different conversation.
func SignHandshake(kp *crypto.KeyPair, e *Envelope) {
	input := append(e.EncodeHeader(), e.Payload...)
	e.Signature = crypto.Sign(kp, input)
}

// VerifyHandshake checks a handshake envelope end to end: payload shape,
// signature, and that the claimed signing key actually derives the
// sender address. Returns the verified payload or ErrAuthFailure.
func VerifyHandshake(e *Envelope) (*HandshakePayload, error) {
	if !e.Type.IsHandshake() {
		return nil, ErrMalformedEnvelope
	}

	payload, err := DecodeHandshakePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	if crypto.DeriveAddress(payload.SignPublic) != e.Sender {
		return nil, ErrAuthFailure
	}

	input := append(e.EncodeHeader(), e.Payload...)
	if !crypto.Verify(payload.SignPublic, input, e.Signature) {
		return nil, ErrAuthFailure
	}

	return payload, nil
}
