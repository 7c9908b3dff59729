package contract

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/order"
	"github.com/emperorhan/cargo-escrow/internal/signature"
	"github.com/emperorhan/cargo-escrow/internal/store"
	"github.com/emperorhan/cargo-escrow/internal/tracing"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

const refPrefix = "CTR-"

// SignatureVerifier checks a personal-message signature against a wallet.
type SignatureVerifier interface {
	Verify(claimedWallet, message, signature string) bool
}

type SignInput struct {
	ContractID string
	Wallet     string
	// Signature is over signature.SigningMessage(ContractID, Wallet). It is
	// only checked when signature enforcement is enabled.
	Signature string
}

type Service struct {
	db        store.TxBeginner
	orders    store.OrderRepository
	contracts store.ContractRepository
	terms     model.TermsPolicy
	verifier  SignatureVerifier
	// requireSignature enables signature checks on Sign.
	requireSignature bool
	publisher        event.Publisher
	logger           *slog.Logger
	now              func() time.Time
}

func NewService(
	db store.TxBeginner,
	orders store.OrderRepository,
	contracts store.ContractRepository,
	terms model.TermsPolicy,
	verifier SignatureVerifier,
	requireSignature bool,
	publisher event.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:               db,
		orders:           orders,
		contracts:        contracts,
		terms:            terms,
		verifier:         verifier,
		requireSignature: requireSignature,
		publisher:        publisher,
		logger:           logger.With("component", "contract"),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// NewRef returns a fresh, time-sortable contract reference.
func NewRef() string {
	return refPrefix + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// CreateFromOrder opens a contract for a paid order. The contract id is
// derived from the order, so a second create is a uniqueness conflict.
func (s *Service) CreateFromOrder(ctx context.Context, orderRef string) (_ *model.MultiPartyContract, err error) {
	ctx, span := tracing.Start(ctx, "contract", "create_from_order", attribute.String("order_ref", orderRef))
	defer func() { tracing.End(span, err) }()

	o, err := s.orders.Get(ctx, orderRef)
	if err != nil {
		return nil, apperror.Internal(err, "get order")
	}
	if o == nil {
		return nil, apperror.ErrOrderNotFound
	}
	if o.Status != model.OrderStatusPaid {
		return nil, apperror.ErrOrderNotPaid.With(fmt.Sprintf("order %s is %s; contracts require a paid order", orderRef, o.Status))
	}

	now := s.now()
	c := &model.MultiPartyContract{
		ContractID:  model.ContractIDForOrder(o.OrderRef),
		ContractRef: NewRef(),
		OrderRef:    o.OrderRef,
		Parties:     o.Counterparties(),
		Terms:       s.terms.TermsAt(now),
		Status:      model.ContractStatusPendingSignatures,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return s.contracts.CreateTx(ctx, tx, c)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperror.ErrContractAlreadyExists.With(fmt.Sprintf("contract %s already exists", c.ContractID))
	}
	if err != nil {
		return nil, apperror.Internal(err, "create contract")
	}

	metrics.ContractsCreatedTotal.Inc()
	s.logger.Info("contract created", "contract_id", c.ContractID, "order_ref", c.OrderRef)
	event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
		Type:       event.ContractCreated,
		EntityRef:  c.ContractID,
		OrderRef:   c.OrderRef,
		Status:     string(c.Status),
		OccurredAt: now,
	})
	return c, nil
}

// Sign records a party's signature. The all-signed check runs against the
// locked row in the same transaction as the signature, so the last of
// several concurrent signers always activates the contract.
func (s *Service) Sign(ctx context.Context, in SignInput) (_ *model.MultiPartyContract, activated bool, err error) {
	ctx, span := tracing.Start(ctx, "contract", "sign", attribute.String("contract_id", in.ContractID))
	defer func() { tracing.End(span, err) }()

	wallet, ok := model.ParseWallet(in.Wallet)
	if !ok {
		return nil, false, apperror.ErrInvalidWallet.With("wallet must match 0x followed by 40 hex characters")
	}

	var (
		c    *model.MultiPartyContract
		role model.Role
		now  = s.now()
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.contracts.GetForUpdateTx(ctx, tx, in.ContractID)
		if err != nil {
			return fmt.Errorf("lock contract %s: %w", in.ContractID, err)
		}
		if c == nil {
			return apperror.ErrContractNotFound
		}
		idx := c.PartyIndex(wallet)
		if idx < 0 {
			return apperror.ErrNotAParty
		}
		if c.Parties[idx].Signed {
			return apperror.ErrAlreadySigned
		}
		if c.Status.IsTerminal() {
			return apperror.ErrInvalidTransition.With(fmt.Sprintf("contract %s is %s", c.ContractID, c.Status))
		}
		if s.requireSignature && !s.verifier.Verify(string(wallet), signature.SigningMessage(c.ContractID, string(wallet)), in.Signature) {
			return apperror.ErrInvalidSignature
		}

		marked, err := s.contracts.MarkSignedTx(ctx, tx, c.ContractID, c.Parties[idx].Wallet, now)
		if err != nil {
			return fmt.Errorf("mark party signed: %w", err)
		}
		if !marked {
			return apperror.ErrAlreadySigned
		}
		c.Parties[idx].Signed = true
		c.Parties[idx].SignedAt = &now
		role = c.Parties[idx].Role

		if c.AllSigned() && c.ActivatedAt == nil && c.Status == model.ContractStatusPendingSignatures {
			ok, err := s.contracts.ActivateTx(ctx, tx, c.ContractID, now)
			if err != nil {
				return fmt.Errorf("activate contract: %w", err)
			}
			if ok {
				c.Status = model.ContractStatusActive
				c.ActivatedAt = &now
				activated = true
			}
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, false, appErr
		}
		return nil, false, apperror.Internal(err, "sign contract")
	}

	metrics.ContractSignaturesTotal.WithLabelValues(string(role)).Inc()
	s.logger.Info("contract signed", "contract_id", c.ContractID, "role", role, "activated", activated)
	event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
		Type:       event.ContractSigned,
		EntityRef:  c.ContractID,
		OrderRef:   c.OrderRef,
		Wallet:     wallet,
		Status:     string(c.Status),
		OccurredAt: now,
		Payload:    map[string]string{"role": string(role)},
	})
	if activated {
		metrics.ContractsActivatedTotal.Inc()
		event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
			Type:       event.ContractActivated,
			EntityRef:  c.ContractID,
			OrderRef:   c.OrderRef,
			Status:     string(c.Status),
			OccurredAt: now,
		})
	}
	return c, activated, nil
}

// UpdateStatus is the operator override. Any status in the registry is
// accepted from any current status.
func (s *Service) UpdateStatus(ctx context.Context, contractID, status string) (*model.MultiPartyContract, error) {
	next, ok := model.ParseContractStatus(status)
	if !ok {
		return nil, apperror.ErrInvalidStatus.With(fmt.Sprintf("contract status %q is not allowed", status))
	}

	now := s.now()
	updated, err := s.contracts.UpdateStatus(ctx, contractID, next, now)
	if err != nil {
		return nil, apperror.Internal(err, "update contract status")
	}
	if !updated {
		return nil, apperror.ErrContractNotFound
	}
	c, err := s.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}

	metrics.ContractStatusOverridesTotal.WithLabelValues(string(next)).Inc()
	s.logger.Warn("contract status overridden", "contract_id", contractID, "status", next)
	event.Emit(ctx, s.publisher, s.logger, event.SettlementEvent{
		Type:       event.ContractStatusOverridden,
		EntityRef:  contractID,
		OrderRef:   c.OrderRef,
		Status:     string(next),
		OccurredAt: now,
	})
	return c, nil
}

func (s *Service) Get(ctx context.Context, contractID string) (*model.MultiPartyContract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, apperror.Internal(err, "get contract")
	}
	if c == nil {
		return nil, apperror.ErrContractNotFound
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]model.MultiPartyContract, error) {
	limit, offset = order.ClampPage(limit, offset)
	contracts, err := s.contracts.List(ctx, limit, offset)
	if err != nil {
		return nil, apperror.Internal(err, "list contracts")
	}
	return contracts, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
