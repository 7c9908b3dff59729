package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
)

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

const orderColumns = `order_ref, from_wallet, to_wallet, carrier_wallet, cargo, pickup_proof,
	token_used, amount_due_usd, amount_paid_usd, remaining_usd, paid_at, status,
	delivery_proof_cid, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.TransportOrder, error) {
	var (
		o           model.TransportOrder
		cargo       []byte
		pickup      []byte
		tokenUsed   sql.NullString
		paidAt      sql.NullTime
		deliveryCID sql.NullString
	)
	if err := row.Scan(
		&o.OrderRef, &o.FromWallet, &o.ToWallet, &o.CarrierWallet, &cargo, &pickup,
		&tokenUsed, &o.Payment.AmountDueUSD, &o.Payment.AmountPaidUSD, &o.Payment.RemainingUSD,
		&paidAt, &o.Status, &deliveryCID, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cargo, &o.Cargo); err != nil {
		return nil, fmt.Errorf("decode cargo of %s: %w", o.OrderRef, err)
	}
	if err := json.Unmarshal(pickup, &o.PickupProof); err != nil {
		return nil, fmt.Errorf("decode pickup proof of %s: %w", o.OrderRef, err)
	}
	o.Payment.TokenUsed = tokenUsed.String
	o.DeliveryProofCID = deliveryCID.String
	if paidAt.Valid {
		t := paidAt.Time
		o.Payment.PaidAt = &t
	}
	return &o, nil
}

func (r *OrderRepo) Create(ctx context.Context, o *model.TransportOrder) error {
	cargo, err := json.Marshal(o.Cargo)
	if err != nil {
		return fmt.Errorf("encode cargo: %w", err)
	}
	pickup, err := json.Marshal(o.PickupProof)
	if err != nil {
		return fmt.Errorf("encode pickup proof: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO transport_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.OrderRef, o.FromWallet, o.ToWallet, o.CarrierWallet, cargo, pickup,
		nullString(o.Payment.TokenUsed), o.Payment.AmountDueUSD, o.Payment.AmountPaidUSD, o.Payment.RemainingUSD,
		o.Payment.PaidAt, o.Status, nullString(o.DeliveryProofCID), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err, "insert order")
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, orderRef string) (*model.TransportOrder, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	o, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM transport_orders WHERE order_ref = $1
	`, orderRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepo) List(ctx context.Context, limit, offset int) ([]model.TransportOrder, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM transport_orders
		ORDER BY created_at DESC, order_ref
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]model.TransportOrder, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetForUpdateTx locks the order row until tx ends.
func (r *OrderRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM transport_orders WHERE order_ref = $1 FOR UPDATE
	`, orderRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

func (r *OrderRepo) UpdatePaymentTx(ctx context.Context, tx *sql.Tx, orderRef string, payment model.Payment, status model.OrderStatus, updatedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transport_orders
		SET amount_paid_usd = $2, remaining_usd = $3, paid_at = $4, status = $5, updated_at = $6
		WHERE order_ref = $1
	`, orderRef, payment.AmountPaidUSD, payment.RemainingUSD, payment.PaidAt, status, updatedAt)
	if err != nil {
		return fmt.Errorf("update order payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order payment rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update order payment: %d rows affected for %s", n, orderRef)
	}
	return nil
}

func (r *OrderRepo) TransitionStatus(ctx context.Context, orderRef string, from, to model.OrderStatus, updatedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transport_orders SET status = $3, updated_at = $4
		WHERE order_ref = $1 AND status = $2
	`, orderRef, from, to, updatedAt)
	if err != nil {
		return false, fmt.Errorf("transition order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition order status rows: %w", err)
	}
	return n == 1, nil
}

func (r *OrderRepo) ListSettledRefs(ctx context.Context, after string, limit int) ([]string, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT order_ref FROM deposit_transactions
		WHERE status = 'confirmed' AND order_ref > $1
		ORDER BY order_ref
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query settled orders: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan settled order: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
