package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/shopspring/decimal"
)

type DepositRepo struct {
	db *DB
}

func NewDepositRepo(db *DB) *DepositRepo {
	return &DepositRepo{db: db}
}

const depositColumns = `deposit_ref, order_ref, buyer_wallet, recipient_wallet, token_address, tx_hash,
	amount_token, amount_usd, risk_category, deposit_rate, risk_factors,
	required_amount, observed_balance, sufficient_balance, balance_checked_at,
	confirmed, confirmed_by, confirmed_at, funds_deducted, funds_deducted_at,
	status, order_synced_at, refunded_at, created_at, updated_at`

func scanDeposit(row rowScanner) (*model.DepositTransaction, error) {
	var (
		d           model.DepositTransaction
		txHash      sql.NullString
		amountToken decimal.Decimal
		factors     []byte
		confirmedBy sql.NullString
		confirmedAt sql.NullTime
		deductedAt  sql.NullTime
		syncedAt    sql.NullTime
		refundedAt  sql.NullTime
	)
	if err := row.Scan(
		&d.DepositRef, &d.OrderRef, &d.BuyerWallet, &d.RecipientWallet, &d.TokenAddress, &txHash,
		&amountToken, &d.AmountUSD, &d.RiskProfile.Category, &d.RiskProfile.DepositRate, &factors,
		&d.BalanceCheck.RequiredAmount, &d.BalanceCheck.ObservedBalance, &d.BalanceCheck.Sufficient, &d.BalanceCheck.CheckedAt,
		&d.Confirmation.Confirmed, &confirmedBy, &confirmedAt, &d.FundDeduction.Deducted, &deductedAt,
		&d.Status, &syncedAt, &refundedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factors, &d.RiskProfile.Factors); err != nil {
		return nil, fmt.Errorf("decode risk factors of %s: %w", d.DepositRef, err)
	}
	d.TxHash = txHash.String
	d.AmountToken = amountToken.String()
	if confirmedBy.Valid {
		w := model.Wallet(confirmedBy.String)
		d.Confirmation.ConfirmedBy = &w
	}
	d.Confirmation.ConfirmedAt = timePtr(confirmedAt)
	d.FundDeduction.DeductedAt = timePtr(deductedAt)
	d.OrderSyncedAt = timePtr(syncedAt)
	d.RefundedAt = timePtr(refundedAt)
	return &d, nil
}

func (r *DepositRepo) Create(ctx context.Context, d *model.DepositTransaction) error {
	factors, err := json.Marshal(d.RiskProfile.Factors)
	if err != nil {
		return fmt.Errorf("encode risk factors: %w", err)
	}
	amountToken, err := decimal.NewFromString(d.AmountToken)
	if err != nil {
		return fmt.Errorf("parse amount_token %q: %w", d.AmountToken, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deposit_transactions (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`, d.DepositRef, d.OrderRef, d.BuyerWallet, d.RecipientWallet, d.TokenAddress, nullString(d.TxHash),
		amountToken, d.AmountUSD, d.RiskProfile.Category, d.RiskProfile.DepositRate, factors,
		d.BalanceCheck.RequiredAmount, d.BalanceCheck.ObservedBalance, d.BalanceCheck.Sufficient, d.BalanceCheck.CheckedAt,
		d.Confirmation.Confirmed, walletPtr(d.Confirmation.ConfirmedBy), d.Confirmation.ConfirmedAt,
		d.FundDeduction.Deducted, d.FundDeduction.DeductedAt,
		d.Status, d.OrderSyncedAt, d.RefundedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err, "insert deposit")
	}
	return nil
}

func (r *DepositRepo) Get(ctx context.Context, depositRef string) (*model.DepositTransaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	d, err := scanDeposit(r.db.QueryRowContext(ctx, `
		SELECT `+depositColumns+` FROM deposit_transactions WHERE deposit_ref = $1
	`, depositRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

func (r *DepositRepo) ListByOrder(ctx context.Context, orderRef string) ([]model.DepositTransaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	return r.queryDeposits(ctx, `
		SELECT `+depositColumns+` FROM deposit_transactions
		WHERE order_ref = $1
		ORDER BY created_at, deposit_ref
	`, orderRef)
}

// GetForUpdateTx locks the deposit row until tx ends.
func (r *DepositRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, depositRef string) (*model.DepositTransaction, error) {
	d, err := scanDeposit(tx.QueryRowContext(ctx, `
		SELECT `+depositColumns+` FROM deposit_transactions WHERE deposit_ref = $1 FOR UPDATE
	`, depositRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	return d, nil
}

func (r *DepositRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, d *model.DepositTransaction) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE deposit_transactions
		SET status = 'confirmed', confirmed = true, confirmed_by = $2, confirmed_at = $3,
			funds_deducted = true, funds_deducted_at = $4, updated_at = $5
		WHERE deposit_ref = $1 AND status = 'balance_checked' AND sufficient_balance
	`, d.DepositRef, walletPtr(d.Confirmation.ConfirmedBy), d.Confirmation.ConfirmedAt,
		d.FundDeduction.DeductedAt, d.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("confirm deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm deposit rows: %w", err)
	}
	return n == 1, nil
}

func (r *DepositRepo) SumConfirmedTx(ctx context.Context, tx *sql.Tx, orderRef string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM deposit_transactions
		WHERE order_ref = $1 AND status = 'confirmed'
	`, orderRef).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum confirmed deposits: %w", err)
	}
	return sum, nil
}

// MarkOrderSyncedTx stamps every confirmed deposit of the order that has not
// been synced yet and returns how many were stamped.
func (r *DepositRepo) MarkOrderSyncedTx(ctx context.Context, tx *sql.Tx, orderRef string, syncedAt time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE deposit_transactions SET order_synced_at = $2, updated_at = $2
		WHERE order_ref = $1 AND status = 'confirmed' AND order_synced_at IS NULL
	`, orderRef, syncedAt)
	if err != nil {
		return 0, fmt.Errorf("mark deposits synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark deposits synced rows: %w", err)
	}
	return n, nil
}

func (r *DepositRepo) ListUnsynced(ctx context.Context, limit int) ([]model.DepositTransaction, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	return r.queryDeposits(ctx, `
		SELECT `+depositColumns+` FROM deposit_transactions
		WHERE status = 'confirmed' AND order_synced_at IS NULL
		ORDER BY confirmed_at
		LIMIT $1
	`, limit)
}

func (r *DepositRepo) queryDeposits(ctx context.Context, query string, args ...any) ([]model.DepositTransaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	deposits := make([]model.DepositTransaction, 0)
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func walletPtr(w *model.Wallet) sql.NullString {
	if w == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*w), Valid: true}
}
