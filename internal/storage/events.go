package storage

import (
	"fmt"
	"time"
)

// RecordEvent stores an applied chain event. It returns false without error
// if the same (order, chain, txRef, eventType) was already recorded.
func (s *Storage) RecordEvent(ev *AppliedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.AppliedAt.IsZero() {
		ev.AppliedAt = time.Now()
	}

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO applied_events (order_id, chain, tx_ref, event_type, confirmations, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.OrderID, ev.Chain, ev.TxRef, ev.EventType, ev.Confirmations, ev.AppliedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// ListEvents returns the events applied to an order, oldest first.
func (s *Storage) ListEvents(orderID string) ([]*AppliedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_id, chain, tx_ref, event_type, confirmations, applied_at
		FROM applied_events WHERE order_id = ? ORDER BY applied_at, rowid
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*AppliedEvent
	for rows.Next() {
		var ev AppliedEvent
		var appliedAt int64
		if err := rows.Scan(&ev.OrderID, &ev.Chain, &ev.TxRef, &ev.EventType, &ev.Confirmations, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.AppliedAt = time.Unix(appliedAt, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
