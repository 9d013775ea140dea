package protocol

import (
	"encoding/binary"

	"github.com/quietwire/quietwire/pkg/crypto"
)

// Header layout (big-endian, fixed 54 bytes):
//
//	version   u8
//	type      u8
//	sender    [20]byte
//	recipient [20]byte
//	epoch     u32
//	counter   u64
//
// The header is the AEAD associated data, so any alteration of these
// fields is detected when the payload is opened.
const HeaderSize = 1 + 1 + crypto.AddressSize + crypto.AddressSize + 4 + 8

// Envelope is the wire-level unit exchanged over the pub/sub transport
type Envelope struct {
	Version   uint8
	Type      EnvelopeType
	Sender    Address
	Recipient Address
	Epoch     uint32
	Counter   uint64

	// Payload is the AEAD ciphertext for DATA/ACK and the plaintext
	// handshake payload for HANDSHAKE_INIT/HANDSHAKE_RESP.
	Payload []byte

	// AuthTag authenticates Payload together with the header
	AuthTag [crypto.TagSize]byte

	// Signature is present only on handshake envelopes and covers
	// the header plus payload.
	Signature []byte
}

// maxPayloadSize bounds decoded payloads to keep a malformed length
// prefix from allocating unbounded memory.
const maxPayloadSize = 16 * 1024 * 1024

// EncodeHeader encodes only the header fields. Used as AEAD associated
// data and as part of the handshake signing input.
func (e *Envelope) EncodeHeader() []byte {
	buf := make([]byte, HeaderSize)

	buf[0] = e.Version
	buf[1] = uint8(e.Type)
	offset := 2

	copy(buf[offset:], e.Sender[:])
	offset += crypto.AddressSize

	copy(buf[offset:], e.Recipient[:])
	offset += crypto.AddressSize

	binary.BigEndian.PutUint32(buf[offset:], e.Epoch)
	offset += 4

	binary.BigEndian.PutUint64(buf[offset:], e.Counter)

	return buf
}

// Encode encodes the envelope to its canonical wire form:
// header, u32 payload length, payload, auth tag, u16 signature length,
// signature. The same logical envelope always yields identical bytes.
func (e *Envelope) Encode() []byte {
	size := HeaderSize + 4 + len(e.Payload) + crypto.TagSize + 2 + len(e.Signature)
	buf := make([]byte, 0, size)

	buf = append(buf, e.EncodeHeader()...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Payload...)

	buf = append(buf, e.AuthTag[:]...)

	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(e.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, e.Signature...)

	return buf
}

// Decode parses an envelope from wire bytes. All-or-nothing: on any
// error the receiver is left untouched.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) < HeaderSize+4 {
		return nil, ErrMalformedEnvelope
	}

	e := &Envelope{}
	e.Version = buf[0]
	if e.Version > Version {
		return nil, ErrUnsupportedVersion
	}

	e.Type = EnvelopeType(buf[1])
	if !e.Type.valid() {
		return nil, ErrMalformedEnvelope
	}
	offset := 2

	copy(e.Sender[:], buf[offset:offset+crypto.AddressSize])
	offset += crypto.AddressSize

	copy(e.Recipient[:], buf[offset:offset+crypto.AddressSize])
	offset += crypto.AddressSize

	e.Epoch = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	e.Counter = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	payloadLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	if payloadLen > maxPayloadSize {
		return nil, ErrMalformedEnvelope
	}
	if len(buf) < offset+int(payloadLen)+crypto.TagSize+2 {
		return nil, ErrMalformedEnvelope
	}

	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, buf[offset:offset+int(payloadLen)])
	offset += int(payloadLen)

	copy(e.AuthTag[:], buf[offset:offset+crypto.TagSize])
	offset += crypto.TagSize

	sigLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	if len(buf) != offset+int(sigLen) {
		return nil, ErrMalformedEnvelope
	}
	if e.Type.IsHandshake() == (sigLen == 0) {
		// Handshake envelopes must be signed, all others must not be.
		return nil, ErrMalformedEnvelope
	}

	if sigLen > 0 {
		e.Signature = make([]byte, sigLen)
		copy(e.Signature, buf[offset:])
	}

	return e, nil
}
