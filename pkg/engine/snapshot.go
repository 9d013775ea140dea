package engine

import (
	"encoding/json"
	"fmt"

	"github.com/quietwire/quietwire/pkg/archive"
	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/storage"
)

// snapshotEntry is the serialized form of one log entry inside an
// archive. Addresses travel as hex text, content as base64 via
// encoding/json's []byte handling.
type snapshotEntry struct {
	Identity  string `json:"identity"`
	Peer      string `json:"peer"`
	Epoch     uint32 `json:"epoch"`
	Counter   uint64 `json:"counter"`
	Direction string `json:"direction"`
	Content   []byte `json:"content"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// ArchiveConversation writes an erasure-coded snapshot of the full
// conversation with peer into dir. The snapshot holds plaintext
// content, so dir should live on a medium the operator trusts.
func (e *Engine) ArchiveConversation(identity, peer crypto.Address, dir string) (int, error) {
	entries, err := e.ListLog(identity, peer, 1<<31-1, 0)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("nothing to archive for peer %s", peer)
	}

	records := make([]snapshotEntry, len(entries))
	for i, le := range entries {
		records[i] = snapshotEntry{
			Identity:  le.Identity.String(),
			Peer:      le.Peer.String(),
			Epoch:     le.Epoch,
			Counter:   le.Counter,
			Direction: string(le.Direction),
			Content:   le.Content,
			Status:    string(le.Status),
			CreatedAt: le.CreatedAt,
		}
	}
	buf, err := json.Marshal(records)
	if err != nil {
		return 0, err
	}

	arch, err := archive.NewArchiver()
	if err != nil {
		return 0, err
	}
	if err := arch.WriteSnapshot(dir, buf); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RestoreConversation reads an archived snapshot and replays its
// entries into the log. Entries already present are left untouched.
func (e *Engine) RestoreConversation(identity crypto.Address, dir string) (int, error) {
	if _, err := e.node(identity); err != nil {
		return 0, err
	}

	arch, err := archive.NewArchiver()
	if err != nil {
		return 0, err
	}
	buf, err := arch.ReadSnapshot(dir)
	if err != nil {
		return 0, err
	}

	var records []snapshotEntry
	if err := json.Unmarshal(buf, &records); err != nil {
		return 0, fmt.Errorf("%w: %v", archive.ErrCorruptArchive, err)
	}

	restored := 0
	err = e.store.WithTx(func(tx *storage.Tx) error {
		for _, r := range records {
			idAddr, err := crypto.ParseAddress(r.Identity)
			if err != nil {
				return fmt.Errorf("%w: bad identity address", archive.ErrCorruptArchive)
			}
			if idAddr != identity {
				return fmt.Errorf("%w: snapshot belongs to %s", archive.ErrCorruptArchive, r.Identity)
			}
			peerAddr, err := crypto.ParseAddress(r.Peer)
			if err != nil {
				return fmt.Errorf("%w: bad peer address", archive.ErrCorruptArchive)
			}
			inserted, err := tx.AppendLogEntry(&storage.LogEntry{
				Identity:  idAddr,
				Peer:      peerAddr,
				Epoch:     r.Epoch,
				Counter:   r.Counter,
				Direction: storage.Direction(r.Direction),
				Content:   r.Content,
				Status:    storage.DeliveryStatus(r.Status),
			})
			if err != nil {
				return err
			}
			if inserted {
				restored++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}
