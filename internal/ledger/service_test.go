package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/risk"
	"github.com/emperorhan/cargo-escrow/internal/store/mocks"
	redisstore "github.com/emperorhan/cargo-escrow/internal/store/redis"
	"github.com/emperorhan/cargo-escrow/internal/store/storetest"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	buyer   = model.Wallet("0x1111111111111111111111111111111111111111")
	seller  = model.Wallet("0x2222222222222222222222222222222222222222")
	carrier = model.Wallet("0x3333333333333333333333333333333333333333")
	usdc    = model.Wallet("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePayments struct {
	calls int
	fn    func(orderRef string) (*model.TransportOrder, error)
}

func (f *fakePayments) RecomputePaymentTx(_ context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error) {
	f.calls++
	if tx == nil {
		return nil, errors.New("recompute outside a transaction")
	}
	return f.fn(orderRef)
}

type fakeIncidents struct {
	mu        sync.Mutex
	incidents []*model.ReconciliationIncident
}

func (f *fakeIncidents) RecordIncident(_ context.Context, inc *model.ReconciliationIncident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, inc)
	return nil
}

type harness struct {
	svc       *Service
	orders    *mocks.MockOrderRepository
	deposits  *mocks.MockDepositRepository
	wallets   *mocks.MockWalletRepository
	payments  *fakePayments
	incidents *fakeIncidents
	events    *redisstore.InMemoryStream
	txlog     *storetest.TxLog
}

func newHarness(t *testing.T) *harness {
	ctrl := gomock.NewController(t)
	db, txlog := storetest.OpenFakeDB(t)
	h := &harness{
		orders:    mocks.NewMockOrderRepository(ctrl),
		deposits:  mocks.NewMockDepositRepository(ctrl),
		wallets:   mocks.NewMockWalletRepository(ctrl),
		payments:  &fakePayments{},
		incidents: &fakeIncidents{},
		events:    redisstore.NewInMemoryStream(0),
		txlog:     txlog,
	}
	evaluator, err := risk.NewEvaluator(risk.DefaultPolicy())
	require.NoError(t, err)
	h.svc = NewService(db, h.orders, h.deposits, h.wallets, h.payments, h.incidents, evaluator, h.events,
		Config{MaxAttempts: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func testOrder(status model.OrderStatus) *model.TransportOrder {
	return &model.TransportOrder{
		OrderRef:      "ORD-1",
		FromWallet:    buyer,
		ToWallet:      seller,
		CarrierWallet: carrier,
		Cargo: model.Cargo{
			Description:      "lithium batteries",
			WeightKg:         decimal.NewFromInt(500),
			CargoValueUSD:    decimal.NewFromInt(1000),
			IsDangerousGoods: true,
			TransportType:    model.TransportStandard,
		},
		Payment: model.Payment{
			AmountDueUSD:  decimal.NewFromInt(850),
			AmountPaidUSD: decimal.Zero,
			RemainingUSD:  decimal.NewFromInt(850),
		},
		Status: status,
	}
}

func depositInput() CreateDepositInput {
	return CreateDepositInput{
		OrderRef:     "ORD-1",
		BuyerWallet:  string(buyer),
		TokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TxHash:       "0xfeed",
	}
}

func TestCreateDeposit_Sufficient(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPendingPayment), nil)
	h.wallets.EXPECT().Get(gomock.Any(), buyer).Return(&model.WalletAccount{Address: buyer}, nil)
	h.wallets.EXPECT().TokenBalance(gomock.Any(), buyer, usdc).Return(decimal.NewFromInt(900), nil)
	h.deposits.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

	d, err := h.svc.CreateDeposit(context.Background(), depositInput())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(d.DepositRef, "DEP-"))
	assert.Equal(t, model.DepositStatusBalanceChecked, d.Status)
	assert.Equal(t, seller, d.RecipientWallet)
	assert.Equal(t, usdc, d.TokenAddress)
	assert.Equal(t, model.RiskDangerous, d.RiskProfile.Category)
	assert.True(t, d.AmountUSD.Equal(decimal.NewFromInt(850)), d.AmountUSD.String())
	assert.Equal(t, "850.00", d.AmountToken)
	assert.True(t, d.BalanceCheck.Sufficient)
	assert.True(t, d.BalanceCheck.ObservedBalance.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, fixedNow, d.BalanceCheck.CheckedAt)
	assert.False(t, d.FundDeduction.Deducted, "creation never moves funds")

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, event.DepositCreated, events[0].Type)
	assert.Equal(t, "dangerous", events[0].Payload["risk_category"])
}

func TestCreateDeposit_Insufficient(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPartialPaid), nil)
	h.wallets.EXPECT().Get(gomock.Any(), buyer).Return(&model.WalletAccount{Address: buyer}, nil)
	h.wallets.EXPECT().TokenBalance(gomock.Any(), buyer, usdc).Return(decimal.RequireFromString("849.99"), nil)
	h.deposits.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

	d, err := h.svc.CreateDeposit(context.Background(), depositInput())
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusInsufficientBalance, d.Status)
	assert.False(t, d.BalanceCheck.Sufficient)
}

func TestCreateDeposit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateDepositInput)
		setup   func(h *harness)
		wantErr *apperror.Error
	}{
		{
			name:    "malformed buyer",
			mutate:  func(in *CreateDepositInput) { in.BuyerWallet = "0x123" },
			wantErr: apperror.ErrInvalidWallet,
		},
		{
			name:    "malformed token",
			mutate:  func(in *CreateDepositInput) { in.TokenAddress = "usdc" },
			wantErr: apperror.ErrInvalidWallet,
		},
		{
			name: "order not found",
			setup: func(h *harness) {
				h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(nil, nil)
			},
			wantErr: apperror.ErrOrderNotFound,
		},
		{
			name: "order already paid",
			setup: func(h *harness) {
				h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPaid), nil)
			},
			wantErr: apperror.ErrOrderNotPayable,
		},
		{
			name: "order cancelled",
			setup: func(h *harness) {
				h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusCancelled), nil)
			},
			wantErr: apperror.ErrOrderNotPayable,
		},
		{
			name:   "someone other than the buyer",
			mutate: func(in *CreateDepositInput) { in.BuyerWallet = string(carrier) },
			setup: func(h *harness) {
				h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPendingPayment), nil)
			},
			wantErr: apperror.ErrNotBuyer,
		},
		{
			name: "buyer has no account",
			setup: func(h *harness) {
				h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPendingPayment), nil)
				h.wallets.EXPECT().Get(gomock.Any(), buyer).Return(nil, nil)
			},
			wantErr: apperror.ErrBuyerNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			in := depositInput()
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			_, err := h.svc.CreateDeposit(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.events.Events())
		})
	}
}

func checkedDeposit() *model.DepositTransaction {
	return &model.DepositTransaction{
		DepositRef:      "DEP-1",
		OrderRef:        "ORD-1",
		BuyerWallet:     buyer,
		RecipientWallet: seller,
		TokenAddress:    usdc,
		AmountToken:     "850.00",
		AmountUSD:       decimal.NewFromInt(850),
		BalanceCheck: model.BalanceCheck{
			RequiredAmount:  decimal.NewFromInt(850),
			ObservedBalance: decimal.NewFromInt(900),
			Sufficient:      true,
		},
		Status: model.DepositStatusBalanceChecked,
	}
}

// expectLock returns a fresh copy on every call so retried attempts start
// from the stored state.
func (h *harness) expectLock(d *model.DepositTransaction, times int) {
	h.deposits.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Not(gomock.Nil()), d.DepositRef).
		DoAndReturn(func(context.Context, *sql.Tx, string) (*model.DepositTransaction, error) {
			cp := *d
			return &cp, nil
		}).Times(times)
}

// expectDebit lets every debit through.
func (h *harness) expectDebit(times int) {
	h.wallets.EXPECT().DebitTokenBalanceTx(gomock.Any(), gomock.Not(gomock.Nil()), buyer, usdc, decimal.NewFromInt(850)).
		Return(true, nil).Times(times)
}

func paidOrder(string) (*model.TransportOrder, error) {
	o := testOrder(model.OrderStatusPaid)
	o.Payment.AmountPaidUSD = decimal.NewFromInt(850)
	o.Payment.RemainingUSD = decimal.Zero
	return o, nil
}

func TestConfirmDeposit_Success(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 1)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *sql.Tx, d *model.DepositTransaction) (bool, error) {
			assert.Equal(t, model.DepositStatusConfirmed, d.Status)
			assert.True(t, d.FundDeduction.Deducted)
			return true, nil
		})
	h.payments.fn = paidOrder
	h.deposits.EXPECT().MarkOrderSyncedTx(gomock.Any(), gomock.Any(), "ORD-1", fixedNow).Return(int64(1), nil)

	confirmer := seller
	res, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", &confirmer)
	require.NoError(t, err)

	assert.Equal(t, model.DepositStatusConfirmed, res.Deposit.Status)
	assert.Equal(t, &confirmer, res.Deposit.Confirmation.ConfirmedBy)
	assert.Equal(t, fixedNow, *res.Deposit.FundDeduction.DeductedAt)
	assert.Equal(t, fixedNow, *res.Deposit.OrderSyncedAt)
	assert.Equal(t, model.OrderStatusPaid, res.Order.Status)
	assert.True(t, res.Order.Payment.RemainingUSD.IsZero())

	assert.Equal(t, 1, h.txlog.Commits())
	assert.Equal(t, 0, h.txlog.Rollbacks())
	assert.Empty(t, h.incidents.incidents)

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, event.DepositConfirmed, events[0].Type)
	assert.Equal(t, "paid", events[0].Payload["order_status"])
	assert.Equal(t, seller, events[0].Wallet)
}

func TestConfirmDeposit_Rejections(t *testing.T) {
	other := carrier
	tests := []struct {
		name      string
		deposit   func() *model.DepositTransaction
		confirmer *model.Wallet
		wantErr   *apperror.Error
	}{
		{
			name:    "not found",
			wantErr: apperror.ErrDepositNotFound,
		},
		{
			name: "already confirmed",
			deposit: func() *model.DepositTransaction {
				d := checkedDeposit()
				d.Status = model.DepositStatusConfirmed
				return d
			},
			wantErr: apperror.ErrAlreadyConfirmed,
		},
		{
			name: "insufficient balance status",
			deposit: func() *model.DepositTransaction {
				d := checkedDeposit()
				d.Status = model.DepositStatusInsufficientBalance
				d.BalanceCheck.Sufficient = false
				return d
			},
			wantErr: apperror.ErrInsufficientBalance,
		},
		{
			name: "check flag not sufficient",
			deposit: func() *model.DepositTransaction {
				d := checkedDeposit()
				d.BalanceCheck.Sufficient = false
				return d
			},
			wantErr: apperror.ErrInsufficientBalance,
		},
		{
			name:      "confirmer is not the recipient",
			deposit:   checkedDeposit,
			confirmer: &other,
			wantErr:   apperror.ErrNotRecipient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.deposit == nil {
				h.deposits.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Any(), "DEP-1").Return(nil, nil)
			} else {
				h.expectLock(tt.deposit(), 1)
			}

			_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", tt.confirmer)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, h.txlog.Begun(), "business rejections are not retried")
			assert.Equal(t, 0, h.txlog.Commits())
			assert.Equal(t, 1, h.txlog.Rollbacks())
			assert.Zero(t, h.payments.calls)
			assert.Empty(t, h.events.Events())
		})
	}
}

func TestConfirmDeposit_LostRaceReportsAlreadyConfirmed(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 1)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, nil)

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	assert.ErrorIs(t, err, apperror.ErrAlreadyConfirmed)
	assert.Zero(t, h.payments.calls, "the order is never touched by the loser")
}

func TestConfirmDeposit_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 2)
	h.expectDebit(2)
	gomock.InOrder(
		h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(false, &pq.Error{Code: "40001", Message: "could not serialize access"}),
		h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil),
	)
	h.payments.fn = paidOrder
	h.deposits.EXPECT().MarkOrderSyncedTx(gomock.Any(), gomock.Any(), "ORD-1", fixedNow).Return(int64(1), nil)

	res, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, 2, h.txlog.Begun())
	assert.Equal(t, 1, h.txlog.Commits())
	assert.Equal(t, 1, h.txlog.Rollbacks())
	assert.Empty(t, h.incidents.incidents, "a pre-write transient failure is not an incident")
}

func TestConfirmDeposit_OrderUpdateFailureRecordsIncident(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 1)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	h.payments.fn = func(string) (*model.TransportOrder, error) {
		return nil, errors.New("update order payment ORD-1: check constraint violation")
	}

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrReconciliation)
	assert.Equal(t, apperror.KindInternal, apperror.KindOf(err))
	assert.Equal(t, 0, h.txlog.Commits(), "deposit write is rolled back")
	assert.Equal(t, 1, h.txlog.Rollbacks())

	require.Len(t, h.incidents.incidents, 1)
	inc := h.incidents.incidents[0]
	assert.Equal(t, model.IncidentSettlementFailed, inc.Kind)
	assert.Equal(t, "DEP-1", inc.DepositRef)
	assert.Equal(t, "ORD-1", inc.OrderRef)
	assert.Contains(t, inc.Detail, "constraint violation")
	assert.Empty(t, h.events.Events())
}

func TestConfirmDeposit_CommitFailureRecordsIncident(t *testing.T) {
	h := newHarness(t)
	h.txlog.FailNextCommits(1)
	h.expectLock(checkedDeposit(), 1)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	h.payments.fn = paidOrder
	h.deposits.EXPECT().MarkOrderSyncedTx(gomock.Any(), gomock.Any(), "ORD-1", fixedNow).Return(int64(1), nil)

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	assert.ErrorIs(t, err, apperror.ErrReconciliation)
	assert.ErrorIs(t, err, storetest.ErrCommitFailed)
	require.Len(t, h.incidents.incidents, 1)
}

func TestConfirmDeposit_OrderMissingAbortsWithoutIncident(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 1)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	h.payments.fn = func(string) (*model.TransportOrder, error) { return nil, apperror.ErrOrderNotFound }

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
	assert.Equal(t, 0, h.txlog.Commits())
	assert.Empty(t, h.incidents.incidents)
}

func TestConfirmDeposit_DebitRefusedRollsBack(t *testing.T) {
	h := newHarness(t)
	h.expectLock(checkedDeposit(), 1)
	h.wallets.EXPECT().DebitTokenBalanceTx(gomock.Any(), gomock.Any(), buyer, usdc, decimal.NewFromInt(850)).Return(false, nil)

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)
	assert.Equal(t, 0, h.txlog.Commits())
	assert.Equal(t, 1, h.txlog.Rollbacks())
	assert.Zero(t, h.payments.calls)
	assert.Empty(t, h.incidents.incidents)
}

// One on-file balance cannot fund two deposits that each passed their own
// balance check.
func TestConfirmDeposit_BalanceFundsOnlyOneDeposit(t *testing.T) {
	h := newHarness(t)
	balance := decimal.NewFromInt(900)
	h.wallets.EXPECT().DebitTokenBalanceTx(gomock.Any(), gomock.Any(), buyer, usdc, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *sql.Tx, _, _ model.Wallet, amount decimal.Decimal) (bool, error) {
			if balance.LessThan(amount) {
				return false, nil
			}
			balance = balance.Sub(amount)
			return true, nil
		}).Times(2)

	first, second := checkedDeposit(), checkedDeposit()
	second.DepositRef, second.OrderRef = "DEP-2", "ORD-2"
	h.expectLock(first, 1)
	h.expectLock(second, 1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	h.payments.fn = paidOrder
	h.deposits.EXPECT().MarkOrderSyncedTx(gomock.Any(), gomock.Any(), "ORD-1", fixedNow).Return(int64(1), nil)

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	require.NoError(t, err)
	_, err = h.svc.ConfirmDeposit(context.Background(), "DEP-2", nil)
	assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)

	assert.True(t, balance.Equal(decimal.NewFromInt(50)), "balance = %s", balance)
	assert.Equal(t, 1, h.txlog.Commits())
}

func TestConfirmDeposit_EarlierWriteStillEscalates(t *testing.T) {
	h := newHarness(t)
	deadlock := &pq.Error{Code: "40P01", Message: "deadlock detected"}
	gomock.InOrder(
		h.deposits.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Any(), "DEP-1").
			DoAndReturn(func(context.Context, *sql.Tx, string) (*model.DepositTransaction, error) {
				return checkedDeposit(), nil
			}),
		h.deposits.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Any(), "DEP-1").Return(nil, deadlock).Times(2),
	)
	h.expectDebit(1)
	h.deposits.EXPECT().ConfirmTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	h.payments.fn = func(string) (*model.TransportOrder, error) {
		return nil, &pq.Error{Code: "40001", Message: "could not serialize access"}
	}

	_, err := h.svc.ConfirmDeposit(context.Background(), "DEP-1", nil)
	assert.ErrorIs(t, err, apperror.ErrReconciliation)
	assert.Equal(t, 3, h.txlog.Begun())
	require.Len(t, h.incidents.incidents, 1)
	assert.Equal(t, "DEP-1", h.incidents.incidents[0].DepositRef)
}

func TestGetDeposit(t *testing.T) {
	h := newHarness(t)
	h.deposits.EXPECT().Get(gomock.Any(), "DEP-1").Return(checkedDeposit(), nil)
	h.deposits.EXPECT().Get(gomock.Any(), "DEP-2").Return(nil, nil)

	d, err := h.svc.GetDeposit(context.Background(), "DEP-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", d.OrderRef)

	_, err = h.svc.GetDeposit(context.Background(), "DEP-2")
	assert.ErrorIs(t, err, apperror.ErrDepositNotFound)
}

func TestListByOrder(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().Get(gomock.Any(), "ORD-1").Return(testOrder(model.OrderStatusPartialPaid), nil)
	h.deposits.EXPECT().ListByOrder(gomock.Any(), "ORD-1").Return([]model.DepositTransaction{*checkedDeposit()}, nil)
	h.orders.EXPECT().Get(gomock.Any(), "ORD-404").Return(nil, nil)

	list, err := h.svc.ListByOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = h.svc.ListByOrder(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
}
