package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/protocol"
	"github.com/quietwire/quietwire/pkg/storage"
)

// InboundResult is the outcome of handling an inbound handshake
// envelope: an optional reply to publish, payloads unblocked by the
// establishment, and the session record to persist.
type InboundResult struct {
	Reply   *Outbound
	Flushed []*Outbound
	Record  *storage.SessionRecord
}

// establish installs the negotiated keys and resets per-epoch state.
// Caller holds s.mu.
func (m *Manager) establish(s *session, keys *crypto.SessionKeys, epoch uint32, initiator bool) {
	s.keys = keys
	s.epoch = epoch
	s.state = StateEstablished
	s.initiator = initiator
	s.counter = 0
	s.replay = NewReplayWindow(m.cfg.ReplayWindowSize)
	s.handshake = nil
	s.authFailures = 0
}

// flush seals every queued payload on the freshly established session.
// Caller holds s.mu.
func (m *Manager) flush(s *session) []*Outbound {
	flushed := make([]*Outbound, 0, len(s.pending))
	for _, out := range s.pending {
		env, err := m.seal(s, protocol.TypeData, out.Plaintext)
		if err != nil {
			if out.Wait != nil {
				out.Wait <- SendResult{Err: err}
			}
			continue
		}
		out.Envelope = env
		flushed = append(flushed, out)
	}
	s.pending = nil
	return flushed
}

// keepInitiatorRole breaks the both-sides-initiated tie: the
// lexicographically lower address keeps the initiator role and ignores
// the peer's INIT; the higher one discards its own handshake and
// responds. Both sides apply the same rule, so exactly one handshake
// survives.
func (m *Manager) keepInitiatorRole(peer crypto.Address) bool {
	return bytes.Compare(m.addr[:], peer[:]) < 0
}

// HandleInit processes an inbound HANDSHAKE_INIT. On success the
// session is ESTABLISHED and the result carries the HANDSHAKE_RESP to
// publish.
func (m *Manager) HandleInit(env *protocol.Envelope) (*InboundResult, error) {
	payload, err := protocol.VerifyHandshake(env)
	if err != nil {
		return nil, err
	}

	s := m.get(env.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handshake != nil && m.keepInitiatorRole(s.peer) {
		// Concurrent handshake race: our INIT wins, the peer will
		// answer it as responder.
		return &InboundResult{}, nil
	}

	if s.state == StateEstablished && env.Epoch <= s.epoch {
		if env.Epoch == s.epoch && payload.EphemeralPublic == s.peerEphemeral && s.resp != nil {
			// Transport redelivered the INIT; our RESP was lost.
			return &InboundResult{Reply: &Outbound{Envelope: s.resp}}, nil
		}
		return nil, ErrReplayDetected
	}

	ephPrivate, ephPublic, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}

	dh1, err := crypto.DH(ephPrivate, payload.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(m.identity.DHPrivate, payload.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ephPrivate, payload.StaticDHPublic)
	if err != nil {
		return nil, err
	}

	keys, err := crypto.DeriveSessionKeys([][]byte{dh1, dh2, dh3}, false)
	if err != nil {
		return nil, err
	}

	respPayload := &protocol.HandshakePayload{
		SignPublic:      m.identity.SignPublic,
		StaticDHPublic:  m.identity.DHPublic,
		EphemeralPublic: ephPublic,
		Timestamp:       uint64(time.Now().UnixMilli()),
	}
	resp := &protocol.Envelope{
		Version:   protocol.Version,
		Type:      protocol.TypeHandshakeResp,
		Sender:    m.addr,
		Recipient: s.peer,
		Epoch:     env.Epoch,
		Counter:   0,
		Payload:   respPayload.Encode(),
	}
	protocol.SignHandshake(m.identity, resp)

	m.establish(s, keys, env.Epoch, false)
	s.peerEphemeral = payload.EphemeralPublic
	s.resp = resp

	flushed := m.flush(s)

	return &InboundResult{
		Reply:   &Outbound{Envelope: resp},
		Flushed: flushed,
		Record:  m.record(s),
	}, nil
}

// HandleResp processes an inbound HANDSHAKE_RESP while a handshake of
// ours is in flight. On success queued payloads are sealed and returned.
func (m *Manager) HandleResp(env *protocol.Envelope) (*InboundResult, error) {
	payload, err := protocol.VerifyHandshake(env)
	if err != nil {
		return nil, err
	}

	s := m.get(env.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handshake == nil || env.Epoch != s.handshake.epoch {
		// Duplicate or stale response after establishment.
		return nil, ErrReplayDetected
	}

	dh1, err := crypto.DH(s.handshake.ephPrivate, payload.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(s.handshake.ephPrivate, payload.StaticDHPublic)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(m.identity.DHPrivate, payload.EphemeralPublic)
	if err != nil {
		return nil, err
	}

	keys, err := crypto.DeriveSessionKeys([][]byte{dh1, dh2, dh3}, true)
	if err != nil {
		return nil, err
	}

	m.establish(s, keys, env.Epoch, true)
	s.peerEphemeral = payload.EphemeralPublic
	s.resp = nil

	flushed := m.flush(s)

	return &InboundResult{
		Flushed: flushed,
		Record:  m.record(s),
	}, nil
}

// ResendHandshakes returns the INIT envelopes of handshakes still in
// flight, for periodic re-publish by the retry sweep (the transport is
// lossy; handshake envelopes are not outbox-backed).
func (m *Manager) ResendHandshakes() []*protocol.Envelope {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var inits []*protocol.Envelope
	for _, s := range sessions {
		s.mu.Lock()
		if s.handshake != nil && s.handshake.init != nil {
			inits = append(inits, s.handshake.init)
		}
		s.mu.Unlock()
	}
	return inits
}

// StartRekeys begins a proactive re-key for every established session
// whose send counter crossed the high-water mark. The current keys stay
// in service until the new epoch establishes, so sending is never
// interrupted.
func (m *Manager) StartRekeys() []*protocol.Envelope {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var inits []*protocol.Envelope
	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateEstablished && s.handshake == nil && s.counter >= m.cfg.RekeyAfterMessages {
			env, err := m.buildInit(s, s.epoch+1)
			if err != nil {
				m.cfg.Logger.Warn("re-key initiation failed", "peer", s.peer.String(), "error", err)
			} else {
				inits = append(inits, env)
			}
		}
		s.mu.Unlock()
	}
	return inits
}

// Teardown resets a session to NONE, failing any queued sends. Used for
// explicit peer removal and for unrecoverable authentication failure.
func (m *Manager) Teardown(peer crypto.Address) *storage.SessionRecord {
	s := m.get(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.teardown(s)
}

// teardown implements Teardown. Caller holds s.mu.
func (m *Manager) teardown(s *session) *storage.SessionRecord {
	for _, out := range s.pending {
		if out.Wait != nil {
			out.Wait <- SendResult{Err: ErrSessionTorn}
		}
	}
	s.pending = nil
	s.state = StateNone
	s.keys = nil
	s.handshake = nil
	s.resp = nil
	s.counter = 0
	s.authFailures = 0
	s.replay = NewReplayWindow(m.cfg.ReplayWindowSize)
	return m.record(s)
}

// ===== ACK payload =====

const ackPayloadSize = 4 + 8

func encodeAckPayload(epoch uint32, counter uint64) []byte {
	buf := make([]byte, ackPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], epoch)
	binary.BigEndian.PutUint64(buf[4:12], counter)
	return buf
}

func decodeAckPayload(buf []byte) (uint32, uint64, error) {
	if len(buf) != ackPayloadSize {
		return 0, 0, fmt.Errorf("%w: bad ack payload length %d", protocol.ErrMalformedEnvelope, len(buf))
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint64(buf[4:12]), nil
}
