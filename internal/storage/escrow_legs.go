package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

const legColumns = `order_id, chain, role, asset, sender, receiver, contract_ref,
	amount, hashlock, timelock, status, confirmations, last_confirmed_height,
	funding_tx_ref, settlement_tx_ref, needs_intervention, last_error, version,
	updated_at`

func insertLeg(tx *sql.Tx, leg *EscrowLeg) error {
	_, err := tx.Exec(`
		INSERT INTO escrow_legs (`+legColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		leg.OrderID, leg.Chain, leg.Role, leg.Asset, leg.Sender, leg.Receiver,
		nullString(leg.ContractRef), bigString(leg.Amount), hex.EncodeToString(leg.Hashlock),
		leg.Timelock, leg.Status, leg.Confirmations, leg.LastConfirmedHeight,
		nullString(leg.FundingTxRef), nullString(leg.SettlementTxRef),
		boolToInt(leg.NeedsIntervention), nullString(leg.LastError), leg.Version,
		leg.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("duplicate leg %s/%s: %w", leg.OrderID, leg.Chain, ErrDuplicateOrder)
		}
		return fmt.Errorf("failed to create escrow leg: %w", err)
	}
	return nil
}

// GetLeg retrieves the leg of an order on a chain.
func (s *Storage) GetLeg(orderID, chain string) (*EscrowLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+legColumns+` FROM escrow_legs WHERE order_id = ? AND chain = ?`, orderID, chain)
	leg, err := scanLeg(row)
	if err == sql.ErrNoRows {
		return nil, ErrLegNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow leg: %w", err)
	}
	return leg, nil
}

// GetLegs returns both legs of an order, source first.
func (s *Storage) GetLegs(orderID string) ([]*EscrowLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+legColumns+` FROM escrow_legs WHERE order_id = ?
		ORDER BY CASE role WHEN 'source' THEN 0 ELSE 1 END
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow legs: %w", err)
	}
	defer rows.Close()

	var legs []*EscrowLeg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow leg: %w", err)
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrOrderNotFound
	}
	return legs, nil
}

// UpdateLeg writes the mutable leg fields if the stored version still
// equals leg.Version. On success leg.Version is incremented.
func (s *Storage) UpdateLeg(leg *EscrowLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE escrow_legs SET
			contract_ref = ?, status = ?, confirmations = ?, last_confirmed_height = ?,
			funding_tx_ref = ?, settlement_tx_ref = ?, needs_intervention = ?,
			last_error = ?, updated_at = ?, version = version + 1
		WHERE order_id = ? AND chain = ? AND version = ?
	`,
		nullString(leg.ContractRef), leg.Status, leg.Confirmations, leg.LastConfirmedHeight,
		nullString(leg.FundingTxRef), nullString(leg.SettlementTxRef),
		boolToInt(leg.NeedsIntervention), nullString(leg.LastError), leg.UpdatedAt.Unix(),
		leg.OrderID, leg.Chain, leg.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow leg: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.conflictOrMissing("SELECT 1 FROM escrow_legs WHERE order_id = ? AND chain = ?",
			ErrLegNotFound, leg.OrderID, leg.Chain)
	}
	leg.Version++
	return nil
}

func scanLeg(row rowScanner) (*EscrowLeg, error) {
	var l EscrowLeg
	var contractRef, fundingTx, settlementTx, lastError sql.NullString
	var amount, hashlock string
	var needsIntervention int
	var updatedAt int64

	err := row.Scan(
		&l.OrderID, &l.Chain, &l.Role, &l.Asset, &l.Sender, &l.Receiver, &contractRef,
		&amount, &hashlock, &l.Timelock, &l.Status, &l.Confirmations, &l.LastConfirmedHeight,
		&fundingTx, &settlementTx, &needsIntervention, &lastError, &l.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.ContractRef = contractRef.String
	l.FundingTxRef = fundingTx.String
	l.SettlementTxRef = settlementTx.String
	l.LastError = lastError.String
	l.Amount = parseBig(amount)
	l.Hashlock, _ = hex.DecodeString(hashlock)
	l.NeedsIntervention = needsIntervention != 0
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}
