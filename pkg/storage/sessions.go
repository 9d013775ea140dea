package storage

import (
	"fmt"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
)

// SessionRecord is the durable form of one per-peer session. The
// in-memory Session Manager cache is rebuilt from these rows at startup.
type SessionRecord struct {
	Identity     crypto.Address
	Peer         crypto.Address
	State        string
	Initiator    bool
	Epoch        uint32
	Keys         *crypto.SessionKeys // nil until established
	SendCounter  uint64
	ReplayMax    uint64
	ReplayBitmap []byte
	UpdatedAt    int64
}

// UpsertSession writes a session row, replacing any previous state for
// the same (identity, peer) pair.
func (s *Store) UpsertSession(rec *SessionRecord) error {
	return s.upsertSession(s.db, rec)
}

// UpsertSession is the transactional variant
func (t *Tx) UpsertSession(rec *SessionRecord) error {
	return t.s.upsertSession(t.tx, rec)
}

func (s *Store) upsertSession(q querier, rec *SessionRecord) error {
	var sealed []byte
	if rec.Keys != nil {
		plain := make([]byte, 0, 2*crypto.SessionKeyLen)
		plain = append(plain, rec.Keys.Send[:]...)
		plain = append(plain, rec.Keys.Recv[:]...)

		var err error
		sealed, err = crypto.SealBlob(s.key, plain)
		if err != nil {
			return fmt.Errorf("failed to seal session keys: %w", err)
		}
	}

	query := `
		INSERT INTO sessions (
			identity_address, peer_address, state, initiator, epoch,
			keys_sealed, send_counter, replay_max, replay_bitmap, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_address, peer_address) DO UPDATE SET
			state = excluded.state,
			initiator = excluded.initiator,
			epoch = excluded.epoch,
			keys_sealed = excluded.keys_sealed,
			send_counter = excluded.send_counter,
			replay_max = excluded.replay_max,
			replay_bitmap = excluded.replay_bitmap,
			updated_at = excluded.updated_at
	`
	_, err := q.Exec(query,
		rec.Identity.String(), rec.Peer.String(), rec.State, boolToInt(rec.Initiator),
		rec.Epoch, sealed, int64(rec.SendCounter), int64(rec.ReplayMax),
		rec.ReplayBitmap, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// LoadSessions loads every session of one identity
func (s *Store) LoadSessions(identity crypto.Address) ([]*SessionRecord, error) {
	query := `
		SELECT identity_address, peer_address, state, initiator, epoch,
		       keys_sealed, send_counter, replay_max, replay_bitmap, updated_at
		FROM sessions WHERE identity_address = ?
	`
	rows, err := s.db.Query(query, identity.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var identityText, peerText string
		var initiator int
		var sealed []byte
		var sendCounter, replayMax int64

		err := rows.Scan(&identityText, &peerText, &rec.State, &initiator, &rec.Epoch,
			&sealed, &sendCounter, &replayMax, &rec.ReplayBitmap, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if rec.Identity, err = crypto.ParseAddress(identityText); err != nil {
			return nil, fmt.Errorf("%w: invalid session identity %q", ErrCorruptState, identityText)
		}
		if rec.Peer, err = crypto.ParseAddress(peerText); err != nil {
			return nil, fmt.Errorf("%w: invalid session peer %q", ErrCorruptState, peerText)
		}
		rec.Initiator = intToBool(initiator)
		rec.SendCounter = uint64(sendCounter)
		rec.ReplayMax = uint64(replayMax)

		if len(sealed) > 0 {
			plain, err := crypto.OpenBlob(s.key, sealed)
			if err != nil || len(plain) != 2*crypto.SessionKeyLen {
				return nil, fmt.Errorf("%w: session keys for peer %s failed integrity check",
					ErrCorruptState, rec.Peer)
			}
			rec.Keys = &crypto.SessionKeys{}
			copy(rec.Keys.Send[:], plain[:crypto.SessionKeyLen])
			copy(rec.Keys.Recv[:], plain[crypto.SessionKeyLen:])
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteSession removes one session row
func (s *Store) DeleteSession(identity, peer crypto.Address) error {
	query := `DELETE FROM sessions WHERE identity_address = ? AND peer_address = ?`
	if _, err := s.db.Exec(query, identity.String(), peer.String()); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }
