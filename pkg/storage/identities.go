package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
)

// SaveIdentity persists a key pair. Private key material is sealed with
// the store key before it touches disk.
func (s *Store) SaveIdentity(kp *crypto.KeyPair) error {
	addr := crypto.DeriveAddress(kp.SignPublic)

	private := make([]byte, 0, 64+32)
	private = append(private, kp.SignPrivate[:]...)
	private = append(private, kp.DHPrivate[:]...)

	sealed, err := crypto.SealBlob(s.key, private)
	if err != nil {
		return fmt.Errorf("failed to seal private keys: %w", err)
	}

	query := `
		INSERT INTO identities (address, sign_public, dh_public, private_sealed, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO NOTHING
	`
	_, err = s.db.Exec(query, addr.String(), kp.SignPublic[:], kp.DHPublic[:], sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// LoadIdentity loads a key pair by address. Fails with ErrNotFound if
// absent and ErrCorruptState if the sealed key material does not open
// or no longer derives the stored address.
func (s *Store) LoadIdentity(addr crypto.Address) (*crypto.KeyPair, error) {
	query := `SELECT sign_public, dh_public, private_sealed FROM identities WHERE address = ?`

	var signPublic, dhPublic, sealed []byte
	err := s.db.QueryRow(query, addr.String()).Scan(&signPublic, &dhPublic, &sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	if len(signPublic) != 32 || len(dhPublic) != 32 {
		return nil, fmt.Errorf("%w: identity %s has invalid public keys", ErrCorruptState, addr)
	}

	private, err := crypto.OpenBlob(s.key, sealed)
	if err != nil || len(private) != 64+32 {
		return nil, fmt.Errorf("%w: identity %s key material failed integrity check", ErrCorruptState, addr)
	}

	kp := &crypto.KeyPair{}
	copy(kp.SignPublic[:], signPublic)
	copy(kp.DHPublic[:], dhPublic)
	copy(kp.SignPrivate[:], private[:64])
	copy(kp.DHPrivate[:], private[64:])

	if crypto.DeriveAddress(kp.SignPublic) != addr {
		return nil, fmt.Errorf("%w: identity %s public key does not derive its address", ErrCorruptState, addr)
	}

	return kp, nil
}

// ListIdentities returns the addresses of all stored identities
func (s *Store) ListIdentities() ([]crypto.Address, error) {
	rows, err := s.db.Query(`SELECT address FROM identities ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var addrs []crypto.Address
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		addr, err := crypto.ParseAddress(text)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid stored address %q", ErrCorruptState, text)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// DeleteIdentity removes an identity and all of its dependent state
func (s *Store) DeleteIdentity(addr crypto.Address) error {
	return s.WithTx(func(tx *Tx) error {
		for _, query := range []string{
			`DELETE FROM outbox WHERE identity_address = ?`,
			`DELETE FROM log_entries WHERE identity_address = ?`,
			`DELETE FROM sessions WHERE identity_address = ?`,
			`DELETE FROM identities WHERE address = ?`,
		} {
			if _, err := tx.tx.Exec(query, addr.String()); err != nil {
				return fmt.Errorf("failed to delete identity: %w", err)
			}
		}
		return nil
	})
}
