package storage

import (
	"fmt"
	"time"
)

// AddFill appends a partial fill to the order's history.
func (s *Storage) AddFill(fill *Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO fills (order_id, resolver, amount, created_at) VALUES (?, ?, ?, ?)
	`, fill.OrderID, fill.Resolver, bigString(fill.Amount), fill.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to add fill: %w", err)
	}

	fill.ID, _ = result.LastInsertId()
	return nil
}

// ListFills returns the fills of an order, oldest first.
func (s *Storage) ListFills(orderID string) ([]*Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, resolver, amount, created_at FROM fills
		WHERE order_id = ? ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var fills []*Fill
	for rows.Next() {
		var f Fill
		var amount string
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Resolver, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Amount = parseBig(amount)
		f.CreatedAt = time.Unix(createdAt, 0)
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}
