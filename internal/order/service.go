package order

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/risk"
	"github.com/emperorhan/cargo-escrow/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const (
	refPrefix = "ORD-"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

type CreateInput struct {
	FromWallet    string
	ToWallet      string
	CarrierWallet string
	Cargo         model.Cargo
	// PickupImages are base64 encoded images; each is hashed with SHA-256.
	PickupImages []string
	// PickupImageHashes are accepted as-is when images were hashed upstream.
	PickupImageHashes []string
	PickupLocation    *model.GeoPoint
	// UploadedBy defaults to the buyer wallet.
	UploadedBy string
	TokenUsed  string
	// AmountDueUSD overrides the risk-weighted deposit as the amount due.
	AmountDueUSD *decimal.Decimal
}

type Service struct {
	orders    store.OrderRepository
	deposits  store.DepositRepository
	wallets   store.WalletRepository
	evaluator *risk.Evaluator
	publisher event.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	orders store.OrderRepository,
	deposits store.DepositRepository,
	wallets store.WalletRepository,
	evaluator *risk.Evaluator,
	publisher event.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		orders:    orders,
		deposits:  deposits,
		wallets:   wallets,
		evaluator: evaluator,
		publisher: publisher,
		logger:    logger.With("component", "order"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewRef returns a fresh, time-sortable order reference.
func NewRef() string {
	return refPrefix + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*model.TransportOrder, error) {
	from, err := parseWallet("from_wallet", in.FromWallet)
	if err != nil {
		return nil, err
	}
	to, err := parseWallet("to_wallet", in.ToWallet)
	if err != nil {
		return nil, err
	}
	carrier, err := parseWallet("carrier_wallet", in.CarrierWallet)
	if err != nil {
		return nil, err
	}
	uploadedBy := from
	if in.UploadedBy != "" {
		if uploadedBy, err = parseWallet("uploaded_by", in.UploadedBy); err != nil {
			return nil, err
		}
	}
	if err := in.Cargo.Validate(); err != nil {
		return nil, err
	}
	if in.Cargo.TransportType == "" {
		in.Cargo.TransportType = model.TransportStandard
	}

	hashes, err := pickupHashes(in.PickupImages, in.PickupImageHashes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &model.TransportOrder{
		OrderRef:      NewRef(),
		FromWallet:    from,
		ToWallet:      to,
		CarrierWallet: carrier,
		Cargo:         in.Cargo,
		PickupProof: model.PickupProof{
			ImageHashes: hashes,
			UploadedBy:  uploadedBy,
			UploadedAt:  now,
			Location:    in.PickupLocation,
		},
		Status:    model.OrderStatusPendingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.ValidateParties(); err != nil {
		return nil, err
	}
	if err := o.PickupProof.Validate(); err != nil {
		return nil, err
	}

	due := risk.RequiredDeposit(s.evaluator.Classify(in.Cargo))
	if in.AmountDueUSD != nil {
		if in.AmountDueUSD.IsNegative() {
			return nil, apperror.Validation("amount_usd must be non-negative")
		}
		due = in.AmountDueUSD.Round(2)
	}
	o.Payment = model.Payment{
		TokenUsed:     strings.ToLower(in.TokenUsed),
		AmountDueUSD:  due,
		AmountPaidUSD: decimal.Zero,
		RemainingUSD:  due,
	}

	for _, w := range []struct {
		field  string
		wallet model.Wallet
	}{{"from_wallet", from}, {"to_wallet", to}, {"carrier_wallet", carrier}} {
		acct, err := s.wallets.Get(ctx, w.wallet)
		if err != nil {
			return nil, apperror.Internal(err, "look up wallet account")
		}
		if acct == nil {
			return nil, apperror.ErrWalletNotFound.With(w.field + " is not a registered wallet")
		}
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, apperror.Internal(err, "create order")
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(o.Cargo.TransportType)).Inc()
	s.logger.Info("order created",
		"order_ref", o.OrderRef,
		"amount_due_usd", o.Payment.AmountDueUSD.String(),
		"transport_type", o.Cargo.TransportType,
	)
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderRef string) (*model.TransportOrder, error) {
	o, err := s.orders.Get(ctx, orderRef)
	if err != nil {
		return nil, apperror.Internal(err, "get order")
	}
	if o == nil {
		return nil, apperror.ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]model.TransportOrder, error) {
	limit, offset = ClampPage(limit, offset)
	orders, err := s.orders.List(ctx, limit, offset)
	if err != nil {
		return nil, apperror.Internal(err, "list orders")
	}
	return orders, nil
}

// Transition applies a collaborator-driven status change. Payment statuses
// are owned by the deposit ledger and rejected here.
func (s *Service) Transition(ctx context.Context, orderRef, status string) (*model.TransportOrder, error) {
	next, ok := model.ParseOrderStatus(status)
	if !ok {
		return nil, apperror.ErrInvalidStatus.With(fmt.Sprintf("order status %q is not allowed", status))
	}
	if next == model.OrderStatusPaid || next == model.OrderStatusPartialPaid {
		return nil, apperror.ErrInvalidTransition.With("payment statuses are set by deposit confirmation")
	}

	o, err := s.Get(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, apperror.ErrInvalidTransition.With(fmt.Sprintf("order cannot move from %s to %s", o.Status, next))
	}

	now := s.now()
	updated, err := s.orders.TransitionStatus(ctx, orderRef, o.Status, next, now)
	if err != nil {
		return nil, apperror.Internal(err, "update order status")
	}
	if !updated {
		return nil, apperror.ErrInvalidTransition.With("order status changed concurrently; reload and retry")
	}

	prev := o.Status
	o.Status = next
	o.UpdatedAt = now
	metrics.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.logger.Info("order status changed", "order_ref", orderRef, "from", prev, "to", next)
	event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
		Type:       event.OrderStatusChanged,
		EntityRef:  orderRef,
		OrderRef:   orderRef,
		Status:     string(next),
		OccurredAt: now,
		Payload:    map[string]string{"from": string(prev)},
	})
	return o, nil
}

// RecomputePaymentTx recalculates the order payment from the full set of
// confirmed deposits while holding the order row lock. Orders already past
// payment keep their status; only amounts are refreshed.
func (s *Service) RecomputePaymentTx(ctx context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error) {
	o, err := s.orders.GetForUpdateTx(ctx, tx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderRef, err)
	}
	if o == nil {
		return nil, apperror.ErrOrderNotFound
	}

	sum, err := s.deposits.SumConfirmedTx(ctx, tx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("sum confirmed deposits of %s: %w", orderRef, err)
	}

	payment, status := o.Payment.Settle(sum)
	switch {
	case o.Status.AcceptsDeposits():
	case o.Status == model.OrderStatusCancelled:
		return nil, apperror.ErrOrderNotPayable.With(fmt.Sprintf("order %s is cancelled", orderRef))
	default:
		status = o.Status
	}

	now := s.now()
	if status == model.OrderStatusPaid && payment.PaidAt == nil {
		payment.PaidAt = &now
	}
	if err := s.orders.UpdatePaymentTx(ctx, tx, orderRef, payment, status, now); err != nil {
		return nil, fmt.Errorf("update order payment %s: %w", orderRef, err)
	}

	o.Payment = payment
	o.Status = status
	o.UpdatedAt = now
	return o, nil
}

// ClampPage applies the default and maximum page size.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseWallet(field, raw string) (model.Wallet, error) {
	w, ok := model.ParseWallet(raw)
	if !ok {
		return "", apperror.ErrInvalidWallet.With(field + " must match 0x followed by 40 hex characters")
	}
	return w, nil
}

func pickupHashes(images, hashes []string) ([]string, error) {
	out := make([]string, 0, len(images)+len(hashes))
	for i, img := range images {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, apperror.Validationf("pickup_images[%d] is not valid base64", i)
		}
		if len(raw) == 0 {
			return nil, apperror.Validationf("pickup_images[%d] is empty", i)
		}
		sum := sha256.Sum256(raw)
		out = append(out, hex.EncodeToString(sum[:]))
	}
	for _, h := range hashes {
		out = append(out, strings.ToLower(h))
	}
	if len(out) == 0 {
		return nil, apperror.Validation("pickup_proof requires at least one image")
	}
	return out, nil
}
