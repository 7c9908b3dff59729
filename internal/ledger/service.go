package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/retry"
	"github.com/emperorhan/cargo-escrow/internal/risk"
	"github.com/emperorhan/cargo-escrow/internal/store"
	"github.com/emperorhan/cargo-escrow/internal/tracing"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

const refPrefix = "DEP-"

// PaymentRecomputer refreshes an order's payment from its confirmed
// deposits inside the caller's transaction.
type PaymentRecomputer interface {
	RecomputePaymentTx(ctx context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error)
}

// IncidentRecorder persists and escalates a reconciliation incident.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, inc *model.ReconciliationIncident) error
}

type Config struct {
	// MaxAttempts bounds how often a confirmation transaction is retried
	// after a transient persistence error.
	MaxAttempts int
	Backoff     time.Duration
}

type CreateDepositInput struct {
	OrderRef     string
	BuyerWallet  string
	TokenAddress string
	TxHash       string
}

type ConfirmResult struct {
	Deposit *model.DepositTransaction `json:"deposit"`
	Order   *model.TransportOrder     `json:"order"`
}

type Service struct {
	db        store.TxBeginner
	orders    store.OrderRepository
	deposits  store.DepositRepository
	wallets   store.WalletRepository
	payments  PaymentRecomputer
	incidents IncidentRecorder
	evaluator *risk.Evaluator
	publisher event.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	db store.TxBeginner,
	orders store.OrderRepository,
	deposits store.DepositRepository,
	wallets store.WalletRepository,
	payments PaymentRecomputer,
	incidents IncidentRecorder,
	evaluator *risk.Evaluator,
	publisher event.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Service{
		db:        db,
		orders:    orders,
		deposits:  deposits,
		wallets:   wallets,
		payments:  payments,
		incidents: incidents,
		evaluator: evaluator,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "ledger"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func NewRef() string {
	return refPrefix + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// CreateDeposit records a balance-checked deposit intent for an order. No
// funds move; the stored balance check gates a later confirmation.
func (s *Service) CreateDeposit(ctx context.Context, in CreateDepositInput) (_ *model.DepositTransaction, err error) {
	ctx, span := tracing.Start(ctx, "ledger", "create_deposit", attribute.String("order_ref", in.OrderRef))
	defer func() { tracing.End(span, err) }()

	buyer, ok := model.ParseWallet(in.BuyerWallet)
	if !ok {
		return nil, apperror.ErrInvalidWallet.With("buyer_wallet must match 0x followed by 40 hex characters")
	}
	token, ok := model.ParseWallet(in.TokenAddress)
	if !ok {
		return nil, apperror.ErrInvalidWallet.With("token_address must match 0x followed by 40 hex characters")
	}

	o, err := s.orders.Get(ctx, in.OrderRef)
	if err != nil {
		return nil, apperror.Internal(err, "get order")
	}
	if o == nil {
		return nil, apperror.ErrOrderNotFound
	}
	if !o.Status.AcceptsDeposits() {
		return nil, apperror.ErrOrderNotPayable.With(fmt.Sprintf("order %s is %s", o.OrderRef, o.Status))
	}
	if buyer != o.FromWallet {
		return nil, apperror.ErrNotBuyer
	}

	profile := s.evaluator.Classify(o.Cargo)
	required := risk.RequiredDeposit(profile)

	acct, err := s.wallets.Get(ctx, buyer)
	if err != nil {
		return nil, apperror.Internal(err, "look up buyer wallet")
	}
	if acct == nil {
		return nil, apperror.ErrBuyerNotFound
	}
	balance, err := s.wallets.TokenBalance(ctx, buyer, token)
	if err != nil {
		return nil, apperror.Internal(err, "read token balance")
	}

	now := s.now()
	sufficient := balance.GreaterThanOrEqual(required)
	status := model.DepositStatusBalanceChecked
	if !sufficient {
		status = model.DepositStatusInsufficientBalance
	}
	d := &model.DepositTransaction{
		DepositRef:      NewRef(),
		OrderRef:        o.OrderRef,
		BuyerWallet:     buyer,
		RecipientWallet: o.ToWallet,
		TokenAddress:    token,
		TxHash:          in.TxHash,
		// Tokens are USD-pegged stablecoins.
		AmountToken: required.StringFixed(2),
		AmountUSD:   required,
		RiskProfile: profile,
		BalanceCheck: model.BalanceCheck{
			RequiredAmount:  required,
			ObservedBalance: balance,
			Sufficient:      sufficient,
			CheckedAt:       now,
		},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deposits.Create(ctx, d); err != nil {
		return nil, apperror.Internal(err, "create deposit")
	}

	metrics.DepositsCreatedTotal.WithLabelValues(string(profile.Category), strconv.FormatBool(sufficient)).Inc()
	s.logger.Info("deposit created",
		"deposit_ref", d.DepositRef,
		"order_ref", d.OrderRef,
		"risk_category", profile.Category,
		"required_usd", required.String(),
		"sufficient", sufficient,
	)
	event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
		Type:       event.DepositCreated,
		EntityRef:  d.DepositRef,
		OrderRef:   d.OrderRef,
		Wallet:     buyer,
		Status:     string(d.Status),
		OccurredAt: now,
		Payload: map[string]string{
			"risk_category": string(profile.Category),
			"amount_usd":    required.String(),
		},
	})
	return d, nil
}

// ConfirmDeposit confirms a balance-checked deposit and applies it to its
// order in one transaction. Transient persistence failures retry the whole
// transaction. A terminal failure after the deposit write is rolled back
// and escalated as a reconciliation incident.
func (s *Service) ConfirmDeposit(ctx context.Context, depositRef string, confirmer *model.Wallet) (_ *ConfirmResult, err error) {
	ctx, span := tracing.Start(ctx, "ledger", "confirm_deposit", attribute.String("deposit_ref", depositRef))
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	var (
		res     *ConfirmResult
		written *model.DepositTransaction
		appErr  *apperror.Error
	)
	err = retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.Backoff, func(attempt int) error {
		if attempt > 1 {
			metrics.DepositConfirmRetriesTotal.Inc()
			s.logger.Warn("retrying deposit confirmation", "deposit_ref", depositRef, "attempt", attempt)
		}
		out, d, err := s.confirmOnce(ctx, depositRef, confirmer)
		if err != nil {
			// Any attempt that got past the deposit write makes the
			// outcome an incident, even if a later attempt failed earlier.
			if written == nil {
				written = d
			}
			if errors.As(err, &appErr) {
				return retry.Terminal(err)
			}
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		if appErr != nil {
			metrics.DepositConfirmRejectedTotal.WithLabelValues(string(appErr.Code)).Inc()
			return nil, appErr
		}
		if written == nil {
			return nil, apperror.Internal(err, "confirm deposit")
		}
		return nil, s.escalate(ctx, written, err)
	}

	metrics.DepositsConfirmedTotal.Inc()
	metrics.DepositConfirmLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("deposit confirmed",
		"deposit_ref", res.Deposit.DepositRef,
		"order_ref", res.Order.OrderRef,
		"order_status", res.Order.Status,
		"remaining_usd", res.Order.Payment.RemainingUSD.String(),
	)
	ev := event.SettlementEvent{
		Type:       event.DepositConfirmed,
		EntityRef:  res.Deposit.DepositRef,
		OrderRef:   res.Order.OrderRef,
		Status:     string(res.Deposit.Status),
		OccurredAt: *res.Deposit.Confirmation.ConfirmedAt,
		Payload: map[string]string{
			"order_status":  string(res.Order.Status),
			"remaining_usd": res.Order.Payment.RemainingUSD.String(),
		},
	}
	if confirmer != nil {
		ev.Wallet = *confirmer
	}
	event.Emit(ctx, s.publisher, s.logger, ev)
	return res, nil
}

// confirmOnce runs a single confirmation transaction. It returns the
// deposit alongside the error once the deposit row has been written, so
// the caller can tell a pre-write rejection from a cross-entity failure.
func (s *Service) confirmOnce(ctx context.Context, depositRef string, confirmer *model.Wallet) (*ConfirmResult, *model.DepositTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "deposit_ref", depositRef, "error", rbErr)
		}
	}()

	d, err := s.deposits.GetForUpdateTx(ctx, tx, depositRef)
	if err != nil {
		return nil, nil, fmt.Errorf("lock deposit %s: %w", depositRef, err)
	}
	if d == nil {
		return nil, nil, apperror.ErrDepositNotFound
	}
	switch d.Status {
	case model.DepositStatusBalanceChecked:
	case model.DepositStatusConfirmed, model.DepositStatusRefunded:
		return nil, nil, apperror.ErrAlreadyConfirmed
	case model.DepositStatusInsufficientBalance:
		return nil, nil, apperror.ErrInsufficientBalance.With("balance check failed; create a new deposit")
	default:
		return nil, nil, apperror.ErrInvalidTransition.With(fmt.Sprintf("deposit in %s cannot be confirmed", d.Status))
	}
	if !d.BalanceCheck.Sufficient {
		return nil, nil, apperror.ErrInsufficientBalance
	}
	if confirmer != nil && *confirmer != d.RecipientWallet {
		return nil, nil, apperror.ErrNotRecipient
	}

	debited, err := s.wallets.DebitTokenBalanceTx(ctx, tx, d.BuyerWallet, d.TokenAddress, d.AmountUSD)
	if err != nil {
		return nil, nil, fmt.Errorf("debit buyer for %s: %w", depositRef, err)
	}
	if !debited {
		return nil, nil, apperror.ErrInsufficientBalance.With("buyer balance no longer covers the deposit")
	}

	now := s.now()
	d.Confirm(confirmer, now)
	updated, err := s.deposits.ConfirmTx(ctx, tx, d)
	if err != nil {
		return nil, nil, fmt.Errorf("confirm deposit %s: %w", depositRef, err)
	}
	if !updated {
		return nil, nil, apperror.ErrAlreadyConfirmed
	}

	o, err := s.payments.RecomputePaymentTx(ctx, tx, d.OrderRef)
	if err != nil {
		return nil, d, err
	}
	if _, err := s.deposits.MarkOrderSyncedTx(ctx, tx, d.OrderRef, now); err != nil {
		return nil, d, fmt.Errorf("mark deposits of %s synced: %w", d.OrderRef, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, d, fmt.Errorf("commit deposit confirmation: %w", err)
	}
	committed = true
	d.OrderSyncedAt = &now
	return &ConfirmResult{Deposit: d, Order: o}, d, nil
}

func (s *Service) escalate(ctx context.Context, d *model.DepositTransaction, cause error) error {
	s.logger.Error("deposit confirmation rolled back after deposit write",
		"deposit_ref", d.DepositRef,
		"order_ref", d.OrderRef,
		"error", cause,
	)
	inc := &model.ReconciliationIncident{
		Kind:       model.IncidentSettlementFailed,
		OrderRef:   d.OrderRef,
		DepositRef: d.DepositRef,
		Detail:     cause.Error(),
	}
	if err := s.incidents.RecordIncident(context.WithoutCancel(ctx), inc); err != nil {
		s.logger.Error("record settlement incident failed", "deposit_ref", d.DepositRef, "error", err)
	}
	metrics.DepositConfirmRejectedTotal.WithLabelValues(string(apperror.CodeReconciliationRequired)).Inc()
	return apperror.Wrap(cause, apperror.KindInternal, apperror.CodeReconciliationRequired, apperror.ErrReconciliation.Message)
}

func (s *Service) GetDeposit(ctx context.Context, depositRef string) (*model.DepositTransaction, error) {
	d, err := s.deposits.Get(ctx, depositRef)
	if err != nil {
		return nil, apperror.Internal(err, "get deposit")
	}
	if d == nil {
		return nil, apperror.ErrDepositNotFound
	}
	return d, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderRef string) ([]model.DepositTransaction, error) {
	o, err := s.orders.Get(ctx, orderRef)
	if err != nil {
		return nil, apperror.Internal(err, "get order")
	}
	if o == nil {
		return nil, apperror.ErrOrderNotFound
	}
	deposits, err := s.deposits.ListByOrder(ctx, orderRef)
	if err != nil {
		return nil, apperror.Internal(err, "list deposits")
	}
	return deposits, nil
}
