package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const orderColumns = `id, maker_address, taker_address, from_chain, to_chain,
	from_asset, to_asset, total_amount, hashlock, hash_algo, timelock_unix,
	allow_partial_fill, total_filled, finalized, cancelled, version,
	created_at, updated_at, finalized_at`

// CreateOrder persists an order together with its escrow legs and, when
// given, its secret record in a single transaction. Version is set to 1 on
// all records.
func (s *Storage) CreateOrder(order *Order, legs []*EscrowLeg, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	order.Version = 1
	_, err = tx.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.ID, order.MakerAddress, order.TakerAddress, order.FromChain, order.ToChain,
		order.FromAsset, order.ToAsset, bigString(order.TotalAmount),
		hex.EncodeToString(order.Hashlock), order.HashAlgo, order.TimelockUnix,
		boolToInt(order.AllowPartialFill), bigString(order.TotalFilled),
		boolToInt(order.Finalized), boolToInt(order.Cancelled), order.Version,
		order.CreatedAt.Unix(), order.UpdatedAt.Unix(), unixOrNil(order.FinalizedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	for _, leg := range legs {
		leg.Version = 1
		if err := insertLeg(tx, leg); err != nil {
			return err
		}
	}
	if secret != nil {
		if err := insertSecret(tx, secret); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *Storage) GetOrder(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []interface{}
	if filter.Maker != "" {
		where = append(where, "maker_address = ?")
		args = append(args, filter.Maker)
	}
	if filter.Chain != "" {
		where = append(where, "(from_chain = ? OR to_chain = ?)")
		args = append(args, filter.Chain, filter.Chain)
	}
	if filter.ActiveOnly {
		where = append(where, "finalized = 0 AND cancelled = 0")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// UpdateOrder writes the mutable order fields if the stored version still
// equals order.Version. On success order.Version is incremented.
func (s *Storage) UpdateOrder(order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE orders SET
			total_filled = ?, finalized = ?, cancelled = ?, updated_at = ?,
			finalized_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		bigString(order.TotalFilled), boolToInt(order.Finalized), boolToInt(order.Cancelled),
		order.UpdatedAt.Unix(), unixOrNil(order.FinalizedAt),
		order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.conflictOrMissing("SELECT 1 FROM orders WHERE id = ?", ErrOrderNotFound, order.ID)
	}
	order.Version++
	return nil
}

// conflictOrMissing distinguishes a stale version from a missing row after
// a compare-and-swap update touched nothing. Caller holds s.mu.
func (s *Storage) conflictOrMissing(query string, notFound error, args ...interface{}) error {
	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}
	return ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var totalAmount, totalFilled, hashlock string
	var allowPartial, finalized, cancelled int
	var createdAt, updatedAt int64
	var finalizedAt sql.NullInt64

	err := row.Scan(
		&o.ID, &o.MakerAddress, &o.TakerAddress, &o.FromChain, &o.ToChain,
		&o.FromAsset, &o.ToAsset, &totalAmount, &hashlock, &o.HashAlgo, &o.TimelockUnix,
		&allowPartial, &totalFilled, &finalized, &cancelled, &o.Version,
		&createdAt, &updatedAt, &finalizedAt,
	)
	if err != nil {
		return nil, err
	}

	o.TotalAmount = parseBig(totalAmount)
	o.TotalFilled = parseBig(totalFilled)
	o.Hashlock, _ = hex.DecodeString(hashlock)
	o.AllowPartialFill = allowPartial != 0
	o.Finalized = finalized != 0
	o.Cancelled = cancelled != 0
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	if finalizedAt.Valid {
		t := time.Unix(finalizedAt.Int64, 0)
		o.FinalizedAt = &t
	}
	return &o, nil
}
