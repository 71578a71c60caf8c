package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const secretColumns = `order_id, hashlock, hash_algo, secret, origin, created_at, revealed_at`

// insertSecret stores the hashlock of an order and, if known, its preimage.
// It runs inside the transaction that creates the order.
func insertSecret(tx *sql.Tx, secret *Secret) error {
	_, err := tx.Exec(`
		INSERT INTO secrets (`+secretColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		secret.OrderID, secret.Hashlock, secret.HashAlgo, nullString(secret.Secret),
		secret.Origin, secret.CreatedAt.Unix(), unixOrNil(secret.RevealedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}

func scanSecret(row rowScanner) (*Secret, error) {
	var secret Secret
	var value sql.NullString
	var createdAt int64
	var revealedAt sql.NullInt64

	err := row.Scan(
		&secret.OrderID, &secret.Hashlock, &secret.HashAlgo, &value,
		&secret.Origin, &createdAt, &revealedAt,
	)
	if err != nil {
		return nil, err
	}
	secret.Secret = value.String
	secret.CreatedAt = time.Unix(createdAt, 0)
	if revealedAt.Valid {
		t := time.Unix(revealedAt.Int64, 0)
		secret.RevealedAt = &t
	}
	return &secret, nil
}

// GetSecret retrieves the secret record of an order.
func (s *Storage) GetSecret(orderID string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, err := scanSecret(s.db.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE order_id = ?`, orderID))
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return secret, nil
}

// GetSecretByHash retrieves the most informative record for hashlock:
// a revealed one first, then one holding a preimage.
func (s *Storage) GetSecretByHash(hashlock string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, err := scanSecret(s.db.QueryRow(`
		SELECT `+secretColumns+` FROM secrets WHERE hashlock = ?
		ORDER BY revealed_at IS NULL, secret IS NULL, created_at
		LIMIT 1
	`, hashlock))
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret by hash: %w", err)
	}
	return secret, nil
}

// RevealSecret records that the preimage of hashlock has been seen
// publicly, on every order locked to it. It is write-once: revealing the
// same value again is a no-op.
func (s *Storage) RevealSecret(hashlock, preimage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total, conflicting int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(CASE WHEN secret IS NOT NULL AND secret != ? THEN 1 END)
		FROM secrets WHERE hashlock = ?
	`, preimage, hashlock).Scan(&total, &conflicting)
	if err != nil {
		return fmt.Errorf("failed to check secret: %w", err)
	}
	if total == 0 {
		return ErrSecretNotFound
	}
	if conflicting > 0 {
		return ErrSecretAlreadyRevealed
	}

	_, err = s.db.Exec(`
		UPDATE secrets SET secret = ?, revealed_at = ?
		WHERE hashlock = ? AND revealed_at IS NULL
	`, preimage, at.Unix(), hashlock)
	if err != nil {
		return fmt.Errorf("failed to reveal secret: %w", err)
	}
	return nil
}
