// Package protocol defines the quietwire wire format: versioned envelopes
// with an authenticated header, sealed payloads, and signed handshake
// material. Encoding is canonical, with one fixed byte layout per
// envelope, so signatures over the wire form verify without ambiguity.
package protocol

import (
	"errors"

	"github.com/quietwire/quietwire/pkg/crypto"
)

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// Version is the current envelope format version
const Version uint8 = 1

// EnvelopeType identifies the role of an envelope
type EnvelopeType uint8

// Envelope types (closed set)
const (
	TypeData          EnvelopeType = 0x01
	TypeHandshakeInit EnvelopeType = 0x02
	TypeHandshakeResp EnvelopeType = 0x03
	TypeAck           EnvelopeType = 0x04
)

// String returns the wire name of the envelope type
func (t EnvelopeType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHandshakeInit:
		return "HANDSHAKE_INIT"
	case TypeHandshakeResp:
		return "HANDSHAKE_RESP"
	case TypeAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// valid reports whether the type is part of the closed set
func (t EnvelopeType) valid() bool {
	return t >= TypeData && t <= TypeAck
}

// IsHandshake reports whether the envelope carries signed key-agreement material
func (t EnvelopeType) IsHandshake() bool {
	return t == TypeHandshakeInit || t == TypeHandshakeResp
}

// Address aliases the engine-wide address type for wire definitions
type Address = crypto.Address
