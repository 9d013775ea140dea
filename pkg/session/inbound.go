package session

import (
	"errors"
	"fmt"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/protocol"
	"github.com/quietwire/quietwire/pkg/storage"
)

// openSealed runs the replay check and AEAD open for a DATA or ACK
// envelope under the session lock, committing the replay window only
// on successful authentication. Caller holds s.mu.
func (m *Manager) openSealed(s *session, env *protocol.Envelope) ([]byte, error) {
	if s.state != StateEstablished || s.keys == nil {
		return nil, ErrNoSession
	}
	if env.Epoch != s.epoch {
		// Counters are scoped to an epoch; traffic from a retired
		// epoch is indistinguishable from replay.
		return nil, ErrReplayDetected
	}
	if s.replay.Seen(env.Counter) {
		return nil, ErrReplayDetected
	}

	plaintext, err := crypto.Open(s.keys.Recv, env.Epoch, env.Counter, env.Payload, env.AuthTag, env.EncodeHeader())
	if err != nil {
		s.authFailures++
		if s.authFailures >= m.cfg.MaxAuthFailures {
			m.cfg.Logger.Warn("tearing down session after repeated auth failures",
				"peer", s.peer.String(), "failures", s.authFailures)
			m.teardown(s)
			return nil, fmt.Errorf("%w: %d consecutive failures", crypto.ErrAuthFailure, m.cfg.MaxAuthFailures)
		}
		return nil, err
	}

	s.replay.Accept(env.Counter)
	s.authFailures = 0
	return plaintext, nil
}

// OpenData decrypts and replay-checks an inbound DATA envelope,
// returning the plaintext and the session record to persist.
func (m *Manager) OpenData(env *protocol.Envelope) ([]byte, *storage.SessionRecord, error) {
	s := m.get(env.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := m.openSealed(s, env)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailure) {
			// Teardown may have changed durable state even on failure.
			return nil, m.record(s), err
		}
		return nil, nil, err
	}
	return plaintext, m.record(s), nil
}

// OpenAck decrypts an inbound ACK envelope and returns the (epoch,
// counter) of the acknowledged DATA message.
func (m *Manager) OpenAck(env *protocol.Envelope) (uint32, uint64, *storage.SessionRecord, error) {
	s := m.get(env.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := m.openSealed(s, env)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailure) {
			return 0, 0, m.record(s), err
		}
		return 0, 0, nil, err
	}

	ackEpoch, ackCounter, err := decodeAckPayload(plaintext)
	if err != nil {
		return 0, 0, nil, err
	}
	return ackEpoch, ackCounter, m.record(s), nil
}
