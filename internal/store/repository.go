package store

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/emperorhan/cargo-escrow/internal/store TxBeginner,OrderRepository,DepositRepository,ContractRepository,WalletRepository,IncidentRepository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint.
var ErrDuplicate = errors.New("duplicate key")

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// OrderRepository provides access to transport orders. Lookups return
// nil, nil when the order does not exist.
type OrderRepository interface {
	Create(ctx context.Context, o *model.TransportOrder) error
	Get(ctx context.Context, orderRef string) (*model.TransportOrder, error)
	List(ctx context.Context, limit, offset int) ([]model.TransportOrder, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error)
	UpdatePaymentTx(ctx context.Context, tx *sql.Tx, orderRef string, payment model.Payment, status model.OrderStatus, updatedAt time.Time) error
	// TransitionStatus moves the order from `from` to `to` only if it is
	// still in `from`. It reports whether a row was updated.
	TransitionStatus(ctx context.Context, orderRef string, from, to model.OrderStatus, updatedAt time.Time) (bool, error)
	// ListSettledRefs returns up to limit orders with at least one confirmed
	// deposit, in ref order, starting after the given ref ("" for the first page).
	ListSettledRefs(ctx context.Context, after string, limit int) ([]string, error)
}

// DepositRepository provides access to deposit transactions.
type DepositRepository interface {
	Create(ctx context.Context, d *model.DepositTransaction) error
	Get(ctx context.Context, depositRef string) (*model.DepositTransaction, error)
	ListByOrder(ctx context.Context, orderRef string) ([]model.DepositTransaction, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, depositRef string) (*model.DepositTransaction, error)
	// ConfirmTx persists the confirmation and fund deduction stamps. It only
	// updates a deposit still in balance_checked and reports whether it did.
	ConfirmTx(ctx context.Context, tx *sql.Tx, d *model.DepositTransaction) (bool, error)
	SumConfirmedTx(ctx context.Context, tx *sql.Tx, orderRef string) (decimal.Decimal, error)
	MarkOrderSyncedTx(ctx context.Context, tx *sql.Tx, orderRef string, syncedAt time.Time) (int64, error)
	ListUnsynced(ctx context.Context, limit int) ([]model.DepositTransaction, error)
}

// ContractRepository provides access to multi-party contracts.
type ContractRepository interface {
	// CreateTx inserts the contract and its parties. A second contract for
	// the same order returns ErrDuplicate.
	CreateTx(ctx context.Context, tx *sql.Tx, c *model.MultiPartyContract) error
	Get(ctx context.Context, contractID string) (*model.MultiPartyContract, error)
	List(ctx context.Context, limit, offset int) ([]model.MultiPartyContract, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, contractID string) (*model.MultiPartyContract, error)
	MarkSignedTx(ctx context.Context, tx *sql.Tx, contractID string, wallet model.Wallet, signedAt time.Time) (bool, error)
	// ActivateTx sets active and activated_at unless already activated.
	ActivateTx(ctx context.Context, tx *sql.Tx, contractID string, activatedAt time.Time) (bool, error)
	UpdateStatus(ctx context.Context, contractID string, status model.ContractStatus, updatedAt time.Time) (bool, error)
}

// WalletRepository provides access to wallet accounts and their on-file
// token balances.
type WalletRepository interface {
	Get(ctx context.Context, wallet model.Wallet) (*model.WalletAccount, error)
	Ensure(ctx context.Context, wallet model.Wallet) (*model.WalletAccount, error)
	TouchLogin(ctx context.Context, wallet model.Wallet, at time.Time) error
	// TokenBalance returns zero when the wallet never held the token.
	TokenBalance(ctx context.Context, wallet, token model.Wallet) (decimal.Decimal, error)
	// DebitTokenBalanceTx subtracts amount only when the balance covers it;
	// false means nothing was debited.
	DebitTokenBalanceTx(ctx context.Context, tx *sql.Tx, wallet, token model.Wallet, amount decimal.Decimal) (bool, error)
}

// IncidentRepository stores reconciliation incidents.
type IncidentRepository interface {
	Record(ctx context.Context, inc *model.ReconciliationIncident) error
	List(ctx context.Context, limit int) ([]model.ReconciliationIncident, error)
}
