package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
)

// LogEntry is one persisted application message, keyed by
// (identity, peer, epoch, counter, direction). The two directions of a
// conversation count independently, so direction is part of the key.
// Content is encrypted at rest.
type LogEntry struct {
	Identity  crypto.Address
	Peer      crypto.Address
	Epoch     uint32
	Counter   uint64
	Direction Direction
	Content   []byte
	Status    DeliveryStatus
	CreatedAt int64
}

// AppendLogEntry inserts a log entry. Idempotent: re-insertion of an
// existing key is a silent no-op (first write wins) and returns false.
func (s *Store) AppendLogEntry(e *LogEntry) (bool, error) {
	return s.appendLogEntry(s.db, e)
}

// AppendLogEntry is the transactional variant
func (t *Tx) AppendLogEntry(e *LogEntry) (bool, error) {
	return t.s.appendLogEntry(t.tx, e)
}

func (s *Store) appendLogEntry(q querier, e *LogEntry) (bool, error) {
	sealed, err := crypto.SealBlob(s.key, e.Content)
	if err != nil {
		return false, fmt.Errorf("failed to seal log content: %w", err)
	}

	query := `
		INSERT OR IGNORE INTO log_entries (
			identity_address, peer_address, epoch, counter,
			direction, content_sealed, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := q.Exec(query,
		e.Identity.String(), e.Peer.String(), e.Epoch, int64(e.Counter),
		string(e.Direction), sealed, string(e.Status), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append log entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateLogStatus advances the delivery status of one entry
func (s *Store) UpdateLogStatus(identity, peer crypto.Address, epoch uint32, counter uint64, dir Direction, status DeliveryStatus) error {
	return s.updateLogStatus(s.db, identity, peer, epoch, counter, dir, status)
}

// UpdateLogStatus is the transactional variant
func (t *Tx) UpdateLogStatus(identity, peer crypto.Address, epoch uint32, counter uint64, dir Direction, status DeliveryStatus) error {
	return t.s.updateLogStatus(t.tx, identity, peer, epoch, counter, dir, status)
}

func (s *Store) updateLogStatus(q querier, identity, peer crypto.Address, epoch uint32, counter uint64, dir Direction, status DeliveryStatus) error {
	query := `
		UPDATE log_entries SET status = ?
		WHERE identity_address = ? AND peer_address = ? AND epoch = ? AND counter = ? AND direction = ?
	`
	if _, err := q.Exec(query, string(status), identity.String(), peer.String(), epoch, int64(counter), string(dir)); err != nil {
		return fmt.Errorf("failed to update log status: %w", err)
	}
	return nil
}

// GetLogEntry loads one entry by its full key. Returns ErrNotFound when
// no such message was ever logged.
func (s *Store) GetLogEntry(identity, peer crypto.Address, epoch uint32, counter uint64, dir Direction) (*LogEntry, error) {
	query := `
		SELECT content_sealed, status, created_at
		FROM log_entries
		WHERE identity_address = ? AND peer_address = ? AND epoch = ? AND counter = ? AND direction = ?
	`
	e := &LogEntry{
		Identity:  identity,
		Peer:      peer,
		Epoch:     epoch,
		Counter:   counter,
		Direction: dir,
	}
	var sealed []byte
	var status string
	err := s.db.QueryRow(query, identity.String(), peer.String(), epoch, int64(counter), string(dir)).
		Scan(&sealed, &status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: log entry %s/%d/%d", ErrNotFound, peer, epoch, counter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log entry: %w", err)
	}
	e.Status = DeliveryStatus(status)
	if e.Content, err = crypto.OpenBlob(s.key, sealed); err != nil {
		return nil, fmt.Errorf("%w: log entry %s/%d/%d failed integrity check",
			ErrCorruptState, peer, epoch, counter)
	}
	return e, nil
}

// RemapLogEntry moves one entry to a new (epoch, counter) key. Used when
// an undelivered message is re-sealed on a fresh epoch: the log keeps a
// single record of the message under its current wire identity.
func (s *Store) RemapLogEntry(identity, peer crypto.Address, dir Direction, oldEpoch uint32, oldCounter uint64, newEpoch uint32, newCounter uint64) error {
	return s.remapLogEntry(s.db, identity, peer, dir, oldEpoch, oldCounter, newEpoch, newCounter)
}

// RemapLogEntry is the transactional variant
func (t *Tx) RemapLogEntry(identity, peer crypto.Address, dir Direction, oldEpoch uint32, oldCounter uint64, newEpoch uint32, newCounter uint64) error {
	return t.s.remapLogEntry(t.tx, identity, peer, dir, oldEpoch, oldCounter, newEpoch, newCounter)
}

func (s *Store) remapLogEntry(q querier, identity, peer crypto.Address, dir Direction, oldEpoch uint32, oldCounter uint64, newEpoch uint32, newCounter uint64) error {
	query := `
		UPDATE log_entries SET epoch = ?, counter = ?
		WHERE identity_address = ? AND peer_address = ? AND epoch = ? AND counter = ? AND direction = ?
	`
	res, err := q.Exec(query, newEpoch, int64(newCounter),
		identity.String(), peer.String(), oldEpoch, int64(oldCounter), string(dir))
	if err != nil {
		return fmt.Errorf("failed to remap log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: log entry %s/%d/%d", ErrNotFound, peer, oldEpoch, oldCounter)
	}
	return nil
}

// ListLog returns log entries for one conversation, newest first
func (s *Store) ListLog(identity, peer crypto.Address, limit, offset int) ([]*LogEntry, error) {
	query := `
		SELECT identity_address, peer_address, epoch, counter,
		       direction, content_sealed, status, created_at
		FROM log_entries
		WHERE identity_address = ? AND peer_address = ?
		ORDER BY created_at DESC, epoch DESC, counter DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.Query(query, identity.String(), peer.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list log: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var identityText, peerText, direction, status string
		var sealed []byte
		var counter int64

		err := rows.Scan(&identityText, &peerText, &e.Epoch, &counter,
			&direction, &sealed, &status, &e.CreatedAt)
		if err != nil {
			return nil, err
		}

		if e.Identity, err = crypto.ParseAddress(identityText); err != nil {
			return nil, fmt.Errorf("%w: invalid log identity %q", ErrCorruptState, identityText)
		}
		if e.Peer, err = crypto.ParseAddress(peerText); err != nil {
			return nil, fmt.Errorf("%w: invalid log peer %q", ErrCorruptState, peerText)
		}
		e.Counter = uint64(counter)
		e.Direction = Direction(direction)
		e.Status = DeliveryStatus(status)

		if e.Content, err = crypto.OpenBlob(s.key, sealed); err != nil {
			return nil, fmt.Errorf("%w: log entry %s/%d/%d failed integrity check",
				ErrCorruptState, e.Peer, e.Epoch, e.Counter)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
