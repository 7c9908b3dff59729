package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
)

type ContractRepo struct {
	db *DB
}

func NewContractRepo(db *DB) *ContractRepo {
	return &ContractRepo{db: db}
}

const contractColumns = `contract_id, contract_ref, order_ref, status, delivery_deadline,
	delivery_proof_required, payment_release_condition, penalty_rate, activated_at,
	created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanContract(row rowScanner) (*model.MultiPartyContract, error) {
	var (
		c           model.MultiPartyContract
		activatedAt sql.NullTime
	)
	if err := row.Scan(
		&c.ContractID, &c.ContractRef, &c.OrderRef, &c.Status, &c.Terms.DeliveryDeadline,
		&c.Terms.DeliveryProofRequired, &c.Terms.PaymentReleaseCondition, &c.Terms.PenaltyRate, &activatedAt,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.ActivatedAt = timePtr(activatedAt)
	return &c, nil
}

func loadParties(ctx context.Context, q queryer, c *model.MultiPartyContract) error {
	rows, err := q.QueryContext(ctx, `
		SELECT role, wallet, signed, signed_at FROM contract_parties
		WHERE contract_id = $1
		ORDER BY position
	`, c.ContractID)
	if err != nil {
		return fmt.Errorf("query contract parties: %w", err)
	}
	defer rows.Close()

	c.Parties = c.Parties[:0]
	for rows.Next() {
		var (
			p        model.Party
			signedAt sql.NullTime
		)
		if err := rows.Scan(&p.Role, &p.Wallet, &p.Signed, &signedAt); err != nil {
			return fmt.Errorf("scan contract party: %w", err)
		}
		p.SignedAt = timePtr(signedAt)
		c.Parties = append(c.Parties, p)
	}
	return rows.Err()
}

func (r *ContractRepo) CreateTx(ctx context.Context, tx *sql.Tx, c *model.MultiPartyContract) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO multi_party_contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ContractID, c.ContractRef, c.OrderRef, c.Status, c.Terms.DeliveryDeadline,
		c.Terms.DeliveryProofRequired, c.Terms.PaymentReleaseCondition, c.Terms.PenaltyRate, c.ActivatedAt,
		c.CreatedAt, c.UpdatedAt); err != nil {
		return mapUniqueViolation(err, "insert contract")
	}

	for i, p := range c.Parties {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contract_parties (contract_id, position, role, wallet, signed, signed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ContractID, i, p.Role, p.Wallet, p.Signed, p.SignedAt); err != nil {
			return mapUniqueViolation(err, "insert contract party")
		}
	}
	return nil
}

func (r *ContractRepo) Get(ctx context.Context, contractID string) (*model.MultiPartyContract, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	c, err := scanContract(r.db.QueryRowContext(ctx, `
		SELECT `+contractColumns+` FROM multi_party_contracts WHERE contract_id = $1
	`, contractID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	if err := loadParties(ctx, r.db, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ContractRepo) List(ctx context.Context, limit, offset int) ([]model.MultiPartyContract, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM multi_party_contracts
		ORDER BY created_at DESC, contract_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}

	contracts := make([]model.MultiPartyContract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	rows.Close()

	for i := range contracts {
		if err := loadParties(ctx, r.db, &contracts[i]); err != nil {
			return nil, err
		}
	}
	return contracts, nil
}

// GetForUpdateTx locks the contract row, serializing signers of the same
// contract until tx ends. Parties are read inside the same transaction.
func (r *ContractRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, contractID string) (*model.MultiPartyContract, error) {
	c, err := scanContract(tx.QueryRowContext(ctx, `
		SELECT `+contractColumns+` FROM multi_party_contracts WHERE contract_id = $1 FOR UPDATE
	`, contractID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock contract: %w", err)
	}
	if err := loadParties(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ContractRepo) MarkSignedTx(ctx context.Context, tx *sql.Tx, contractID string, wallet model.Wallet, signedAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE contract_parties SET signed = true, signed_at = $3
		WHERE contract_id = $1 AND wallet = $2 AND NOT signed
	`, contractID, wallet, signedAt)
	if err != nil {
		return false, fmt.Errorf("mark party signed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark party signed rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE multi_party_contracts SET updated_at = $2 WHERE contract_id = $1
	`, contractID, signedAt); err != nil {
		return false, fmt.Errorf("touch contract: %w", err)
	}
	return true, nil
}

func (r *ContractRepo) ActivateTx(ctx context.Context, tx *sql.Tx, contractID string, activatedAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE multi_party_contracts
		SET status = 'active', activated_at = $2, updated_at = $2
		WHERE contract_id = $1 AND activated_at IS NULL AND status = 'pending_signatures'
			AND NOT EXISTS (SELECT 1 FROM contract_parties WHERE contract_id = $1 AND NOT signed)
	`, contractID, activatedAt)
	if err != nil {
		return false, fmt.Errorf("activate contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate contract rows: %w", err)
	}
	return n == 1, nil
}

func (r *ContractRepo) UpdateStatus(ctx context.Context, contractID string, status model.ContractStatus, updatedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE multi_party_contracts SET status = $2, updated_at = $3 WHERE contract_id = $1
	`, contractID, status, updatedAt)
	if err != nil {
		return false, fmt.Errorf("update contract status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update contract status rows: %w", err)
	}
	return n == 1, nil
}
