package engine

import (
	"errors"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/storage"
	"github.com/quietwire/quietwire/pkg/transport"
)

// retryLoop periodically re-publishes unacknowledged outbox entries and
// in-flight handshakes, and starts proactive re-keys for busy sessions.
// The transport is lossy, so this sweep is what turns the durable
// outbox into at-least-once delivery.
func (e *Engine) retryLoop() {
	defer e.wg.Done()

	// First sweep runs immediately so outbox entries left over from a
	// previous run go back on the wire at startup.
	e.sweep()

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.Lock()
	nodes := make(map[crypto.Address]*node, len(e.nodes))
	for addr, n := range e.nodes {
		nodes[addr] = n
	}
	e.mu.Unlock()

	for _, n := range nodes {
		e.sweepOutbox(n)
		e.sweepHandshakes(n)
		e.sweepRekeys(n)
	}
}

// sweepOutbox re-publishes every unacknowledged envelope of one
// identity. Entries sealed on a retired epoch are re-sealed on the live
// keys first: the peer discarded the old epoch at re-key and can never
// accept them as they stand.
func (e *Engine) sweepOutbox(n *node) {
	identity := n.mgr.Address()
	entries, err := e.store.PendingOutbox(identity)
	if err != nil {
		e.logger.Warn("outbox sweep failed", "identity", identity.String(), "error", err)
		return
	}
	for _, entry := range entries {
		if epoch, ok := n.mgr.Epoch(entry.Peer); ok && entry.Epoch < epoch {
			if err := e.resealOutboxEntry(n, entry); err != nil {
				e.logger.Warn("outbox re-seal failed",
					"peer", entry.Peer.String(), "counter", entry.Counter, "error", err)
			}
			continue
		}
		if err := e.tr.Publish(e.ctx, transport.TopicFor(entry.Peer), entry.Envelope); err != nil {
			e.logger.Warn("outbox republish failed",
				"peer", entry.Peer.String(), "counter", entry.Counter, "error", err)
			continue
		}
		if err := e.store.IncrementOutboxAttempts(entry.ID); err != nil {
			e.logger.Warn("outbox attempt count update failed", "error", err)
		}
	}
}

// resealOutboxEntry moves one undelivered envelope from a retired epoch
// onto the current session keys. The plaintext is recovered from the
// log entry written when the message was queued; the log key is remapped
// to the new (epoch, counter) in the same transaction that swaps the
// outbox entry, so the message keeps a single durable record.
func (e *Engine) resealOutboxEntry(n *node, entry *storage.OutboxEntry) error {
	identity := n.mgr.Address()

	logEntry, err := e.store.GetLogEntry(identity, entry.Peer, entry.Epoch, entry.Counter, storage.DirectionOutbound)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No plaintext to recover; the entry can never be
			// delivered on any epoch.
			e.logger.Warn("dropping outbox entry without log backing",
				"peer", entry.Peer.String(), "epoch", entry.Epoch, "counter", entry.Counter)
			return e.store.AckOutbox(identity, entry.Peer, entry.Epoch, entry.Counter)
		}
		return err
	}

	out, rec, err := n.mgr.Reseal(entry.Peer, logEntry.Content)
	if err != nil {
		return err
	}
	env := out.Envelope

	err = e.store.WithTx(func(tx *storage.Tx) error {
		if err := tx.UpsertSession(rec); err != nil {
			return err
		}
		if err := tx.AckOutbox(identity, entry.Peer, entry.Epoch, entry.Counter); err != nil {
			return err
		}
		if err := tx.RemapLogEntry(identity, entry.Peer, storage.DirectionOutbound,
			entry.Epoch, entry.Counter, env.Epoch, env.Counter); err != nil {
			return err
		}
		return tx.EnqueueOutbox(&storage.OutboxEntry{
			Identity: identity,
			Peer:     entry.Peer,
			Epoch:    env.Epoch,
			Counter:  env.Counter,
			Envelope: env.Encode(),
		})
	})
	if err != nil {
		return err
	}

	if err := e.publish(entry.Peer, env); err != nil {
		e.logger.Warn("re-sealed envelope publish failed",
			"peer", entry.Peer.String(), "counter", env.Counter, "error", err)
	}
	return nil
}

// sweepHandshakes re-publishes INITs still waiting for a response
func (e *Engine) sweepHandshakes(n *node) {
	for _, env := range n.mgr.ResendHandshakes() {
		if err := e.publish(env.Recipient, env); err != nil {
			e.logger.Warn("handshake republish failed", "peer", env.Recipient.String(), "error", err)
		}
	}
}

// sweepRekeys starts a key rotation for sessions past the send high
// water mark and publishes the new INITs.
func (e *Engine) sweepRekeys(n *node) {
	for _, env := range n.mgr.StartRekeys() {
		if err := e.publish(env.Recipient, env); err != nil {
			e.logger.Warn("re-key publish failed", "peer", env.Recipient.String(), "error", err)
		}
	}
}
