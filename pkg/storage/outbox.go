package storage

import (
	"fmt"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
)

// OutboxEntry is a queued outbound envelope awaiting transport
// confirmation. The envelope bytes are already encrypted end to end,
// so they are stored as-is.
type OutboxEntry struct {
	ID       int64
	Identity crypto.Address
	Peer     crypto.Address
	Epoch    uint32
	Counter  uint64
	Envelope []byte
	Attempts int
	QueuedAt int64
}

// EnqueueOutbox queues an encoded envelope for delivery. Idempotent on
// the (identity, peer, epoch, counter) key.
func (s *Store) EnqueueOutbox(e *OutboxEntry) error {
	return s.enqueueOutbox(s.db, e)
}

// EnqueueOutbox is the transactional variant
func (t *Tx) EnqueueOutbox(e *OutboxEntry) error {
	return t.s.enqueueOutbox(t.tx, e)
}

func (s *Store) enqueueOutbox(q querier, e *OutboxEntry) error {
	query := `
		INSERT OR IGNORE INTO outbox (identity_address, peer_address, epoch, counter, envelope, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := q.Exec(query,
		e.Identity.String(), e.Peer.String(), e.Epoch, int64(e.Counter),
		e.Envelope, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// AckOutbox removes an entry once the peer confirmed receipt. Removing
// an already-acknowledged entry is a no-op.
func (s *Store) AckOutbox(identity, peer crypto.Address, epoch uint32, counter uint64) error {
	return s.ackOutbox(s.db, identity, peer, epoch, counter)
}

// AckOutbox is the transactional variant
func (t *Tx) AckOutbox(identity, peer crypto.Address, epoch uint32, counter uint64) error {
	return t.s.ackOutbox(t.tx, identity, peer, epoch, counter)
}

func (s *Store) ackOutbox(q querier, identity, peer crypto.Address, epoch uint32, counter uint64) error {
	query := `
		DELETE FROM outbox
		WHERE identity_address = ? AND peer_address = ? AND epoch = ? AND counter = ?
	`
	if _, err := q.Exec(query, identity.String(), peer.String(), epoch, int64(counter)); err != nil {
		return fmt.Errorf("failed to ack outbox entry: %w", err)
	}
	return nil
}

// PendingOutbox returns all unacknowledged entries of one identity in
// queue order. Used for startup recovery and the retry sweep.
func (s *Store) PendingOutbox(identity crypto.Address) ([]*OutboxEntry, error) {
	query := `
		SELECT id, identity_address, peer_address, epoch, counter, envelope, attempts, queued_at
		FROM outbox
		WHERE identity_address = ?
		ORDER BY queued_at ASC, id ASC
	`
	rows, err := s.db.Query(query, identity.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load pending outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var identityText, peerText string
		var counter int64

		err := rows.Scan(&e.ID, &identityText, &peerText, &e.Epoch, &counter,
			&e.Envelope, &e.Attempts, &e.QueuedAt)
		if err != nil {
			return nil, err
		}

		if e.Identity, err = crypto.ParseAddress(identityText); err != nil {
			return nil, fmt.Errorf("%w: invalid outbox identity %q", ErrCorruptState, identityText)
		}
		if e.Peer, err = crypto.ParseAddress(peerText); err != nil {
			return nil, fmt.Errorf("%w: invalid outbox peer %q", ErrCorruptState, peerText)
		}
		e.Counter = uint64(counter)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementOutboxAttempts bumps the delivery attempt counter
func (s *Store) IncrementOutboxAttempts(id int64) error {
	query := `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`
	if _, err := s.db.Exec(query, id); err != nil {
		return fmt.Errorf("failed to increment outbox attempts: %w", err)
	}
	return nil
}

// OutboxDepth returns the number of queued entries for one identity
func (s *Store) OutboxDepth(identity crypto.Address) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE identity_address = ?`, identity.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
