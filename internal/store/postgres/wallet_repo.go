package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/shopspring/decimal"
)

type WalletRepo struct {
	db *DB
}

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func scanWallet(row rowScanner) (*model.WalletAccount, error) {
	var (
		a         model.WalletAccount
		lastLogin sql.NullTime
	)
	if err := row.Scan(&a.Address, &lastLogin, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.LastLoginAt = timePtr(lastLogin)
	return &a, nil
}

func (r *WalletRepo) Get(ctx context.Context, wallet model.Wallet) (*model.WalletAccount, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	a, err := scanWallet(r.db.QueryRowContext(ctx, `
		SELECT wallet_address, last_login_at, created_at, updated_at
		FROM wallet_accounts WHERE wallet_address = $1
	`, wallet))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet account: %w", err)
	}
	return a, nil
}

// Ensure creates the account if missing and returns it.
func (r *WalletRepo) Ensure(ctx context.Context, wallet model.Wallet) (*model.WalletAccount, error) {
	a, err := scanWallet(r.db.QueryRowContext(ctx, `
		INSERT INTO wallet_accounts (wallet_address) VALUES ($1)
		ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		RETURNING wallet_address, last_login_at, created_at, updated_at
	`, wallet))
	if err != nil {
		return nil, fmt.Errorf("ensure wallet account: %w", err)
	}
	return a, nil
}

func (r *WalletRepo) TouchLogin(ctx context.Context, wallet model.Wallet, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE wallet_accounts SET last_login_at = $2, updated_at = $2 WHERE wallet_address = $1
	`, wallet, at); err != nil {
		return fmt.Errorf("touch wallet login: %w", err)
	}
	return nil
}

func (r *WalletRepo) TokenBalance(ctx context.Context, wallet, token model.Wallet) (decimal.Decimal, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, `
		SELECT balance FROM wallet_token_balances WHERE wallet_address = $1 AND token_address = $2
	`, wallet, token).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get token balance: %w", err)
	}
	return balance, nil
}

func (r *WalletRepo) DebitTokenBalanceTx(ctx context.Context, tx *sql.Tx, wallet, token model.Wallet, amount decimal.Decimal) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_token_balances
		SET balance = balance - $3, updated_at = now()
		WHERE wallet_address = $1 AND token_address = $2 AND balance >= $3
	`, wallet, token, amount)
	if err != nil {
		return false, fmt.Errorf("debit token balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit token balance rows: %w", err)
	}
	return n == 1, nil
}

// SetTokenBalance upserts the on-file balance. Operators fund wallets
// through it; confirmations debit it.
func (r *WalletRepo) SetTokenBalance(ctx context.Context, wallet, token model.Wallet, balance decimal.Decimal) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_token_balances (wallet_address, token_address, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address, token_address) DO UPDATE SET
			balance = EXCLUDED.balance,
			updated_at = now()
	`, wallet, token, balance); err != nil {
		return fmt.Errorf("set token balance: %w", err)
	}
	return nil
}
