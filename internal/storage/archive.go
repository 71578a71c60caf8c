package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ArchivedOrder is the snapshot kept for audit after an order leaves the
// live tables.
type ArchivedOrder struct {
	Order  *Order       `json:"order"`
	Legs   []*EscrowLeg `json:"legs"`
	Fills  []*Fill      `json:"fills,omitempty"`
	Secret *Secret      `json:"secret,omitempty"`
}

// archivable selects finalized orders whose legs are all terminal and none
// of which is waiting for manual intervention.
const archivable = `
	SELECT id FROM orders o
	WHERE o.finalized = 1 AND o.finalized_at IS NOT NULL AND o.finalized_at < ?
	AND NOT EXISTS (
		SELECT 1 FROM escrow_legs l WHERE l.order_id = o.id
		AND (l.needs_intervention = 1 OR l.status NOT IN ('redeemed', 'refunded', 'expired'))
	)`

// ArchiveOrders moves finalized orders older than before into
// archived_orders and returns how many were moved.
func (s *Storage) ArchiveOrders(before time.Time) (int, error) {
	rows, err := s.db.Query(archivable, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to select archivable orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	archived := 0
	for _, id := range ids {
		if err := s.archiveOrder(id); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

func (s *Storage) archiveOrder(id string) error {
	order, err := s.GetOrder(id)
	if err != nil {
		return err
	}
	snap := ArchivedOrder{Order: order}
	if snap.Legs, err = s.GetLegs(id); err != nil {
		return err
	}
	if snap.Fills, err = s.ListFills(id); err != nil {
		return err
	}
	if secret, err := s.GetSecret(id); err == nil {
		snap.Secret = secret
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode archive snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO archived_orders (id, snapshot, archived_at) VALUES (?, ?, ?)`,
		id, string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to archive order: %w", err)
	}
	for _, stmt := range []string{
		"DELETE FROM applied_events WHERE order_id = ?",
		"DELETE FROM fills WHERE order_id = ?",
		"DELETE FROM escrow_legs WHERE order_id = ?",
		"DELETE FROM secrets WHERE order_id = ?",
		"DELETE FROM orders WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("failed to purge archived order: %w", err)
		}
	}
	return tx.Commit()
}

// GetArchivedOrder returns the archived snapshot of an order.
func (s *Storage) GetArchivedOrder(id string) (*ArchivedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT snapshot FROM archived_orders WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived order: %w", err)
	}
	var snap ArchivedOrder
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode archive snapshot: %w", err)
	}
	return &snap, nil
}
