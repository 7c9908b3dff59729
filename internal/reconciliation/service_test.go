package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/alert"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/store/mocks"
	"github.com/emperorhan/cargo-escrow/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type fakePayments struct {
	repaired []string
}

func (f *fakePayments) RecomputePaymentTx(_ context.Context, _ *sql.Tx, orderRef string) (*model.TransportOrder, error) {
	f.repaired = append(f.repaired, orderRef)
	return &model.TransportOrder{OrderRef: orderRef}, nil
}

type harness struct {
	svc       *Service
	orders    *mocks.MockOrderRepository
	deposits  *mocks.MockDepositRepository
	incidents *mocks.MockIncidentRepository
	payments  *fakePayments
	alerter   *recordingAlerter
	txlog     *storetest.TxLog
}

func newHarness(t *testing.T) *harness {
	ctrl := gomock.NewController(t)
	db, txlog := storetest.OpenFakeDB(t)
	h := &harness{
		orders:    mocks.NewMockOrderRepository(ctrl),
		deposits:  mocks.NewMockDepositRepository(ctrl),
		incidents: mocks.NewMockIncidentRepository(ctrl),
		payments:  &fakePayments{},
		alerter:   &recordingAlerter{},
		txlog:     txlog,
	}
	h.svc = NewService(db, h.orders, h.deposits, h.incidents, h.payments, h.alerter,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func order(ref string, status model.OrderStatus, due, paid, remaining int64) *model.TransportOrder {
	return &model.TransportOrder{
		OrderRef: ref,
		Status:   status,
		Payment: model.Payment{
			AmountDueUSD:  decimal.NewFromInt(due),
			AmountPaidUSD: decimal.NewFromInt(paid),
			RemainingUSD:  decimal.NewFromInt(remaining),
		},
	}
}

// expectOrder wires the locked read, confirmed sum and sync marker for ref.
func (h *harness) expectOrder(o *model.TransportOrder, confirmedSum int64, unsynced int64) {
	h.orders.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Any(), o.OrderRef).Return(o, nil)
	h.deposits.EXPECT().SumConfirmedTx(gomock.Any(), gomock.Any(), o.OrderRef).Return(decimal.NewFromInt(confirmedSum), nil)
	h.deposits.EXPECT().MarkOrderSyncedTx(gomock.Any(), gomock.Any(), o.OrderRef, fixedNow).Return(unsynced, nil)
}

func TestReconcile_AllMatch(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return([]string{"ORD-1", "ORD-2"}, nil)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), defaultBatchLimit).Return(nil, nil)
	h.expectOrder(order("ORD-1", model.OrderStatusPaid, 100, 100, 0), 100, 0)
	h.expectOrder(order("ORD-2", model.OrderStatusPartialPaid, 100, 40, 60), 40, 0)

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Matched)
	assert.Zero(t, res.Mismatched)
	assert.Empty(t, res.Orders)
	assert.Empty(t, h.payments.repaired)
	assert.Empty(t, h.alerter.alerts)
	assert.Equal(t, 0, h.txlog.Commits(), "matching orders are read-only")
}

func TestReconcile_RepairsDrift(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return([]string{"ORD-1"}, nil)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), defaultBatchLimit).Return(nil, nil)
	// Stored as partially paid although the confirmed deposits cover the order.
	h.expectOrder(order("ORD-1", model.OrderStatusPartialPaid, 100, 60, 40), 100, 0)

	var recorded *model.ReconciliationIncident
	h.incidents.EXPECT().Record(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, inc *model.ReconciliationIncident) error {
			recorded = inc
			return nil
		})

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mismatched)
	assert.Equal(t, 1, res.Repaired)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, model.OrderStatusPaid, res.Orders[0].ExpectedStatus)
	assert.Equal(t, "0", res.Orders[0].ExpectedRemaining)
	assert.Equal(t, []string{"ORD-1"}, h.payments.repaired)
	assert.Equal(t, 1, h.txlog.Commits())

	require.NotNil(t, recorded)
	assert.Equal(t, model.IncidentBalanceDrift, recorded.Kind)
	assert.True(t, recorded.Repaired)
	assert.NotEqual(t, uuid.Nil, recorded.ID)
	assert.Equal(t, fixedNow, recorded.CreatedAt)

	require.Len(t, h.alerter.alerts, 2)
	assert.Equal(t, alert.AlertTypeBalanceDrift, h.alerter.alerts[0].Type)
	assert.Equal(t, "ORD-1", h.alerter.alerts[0].OrderRef)
	assert.Equal(t, alert.AlertTypeReconcileSummary, h.alerter.alerts[1].Type)
}

func TestReconcile_PastPaymentKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return([]string{"ORD-1"}, nil)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), defaultBatchLimit).Return(nil, nil)
	h.expectOrder(order("ORD-1", model.OrderStatusInTransit, 100, 100, 0), 100, 0)

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched, "in_transit is not drift against a paid computation")
}

func TestReconcile_UnsyncedDepositsAreSynced(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return([]string{"ORD-1"}, nil)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), defaultBatchLimit).Return([]model.DepositTransaction{
		{DepositRef: "DEP-1", OrderRef: "ORD-1"},
		{DepositRef: "DEP-2", OrderRef: "ORD-2"},
	}, nil)
	h.expectOrder(order("ORD-1", model.OrderStatusPaid, 100, 100, 0), 100, 1)
	h.expectOrder(order("ORD-2", model.OrderStatusPartialPaid, 100, 50, 50), 50, 1)
	h.incidents.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Repaired)
	for _, o := range res.Orders {
		assert.Equal(t, model.IncidentUnsyncedDeposit, o.Kind)
	}
	assert.Empty(t, h.payments.repaired, "amounts already match")
	assert.Equal(t, 2, h.txlog.Commits())
}

func TestReconcile_CountsErrorsAndContinues(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return([]string{"ORD-GONE", "ORD-1"}, nil)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), defaultBatchLimit).Return(nil, nil)
	h.orders.EXPECT().GetForUpdateTx(gomock.Any(), gomock.Any(), "ORD-GONE").Return(nil, nil)
	h.expectOrder(order("ORD-1", model.OrderStatusPaid, 100, 100, 0), 100, 0)

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Matched)
}

func TestReconcile_ListFailure(t *testing.T) {
	h := newHarness(t)
	h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", defaultBatchLimit).Return(nil, errors.New("connection refused"))

	_, err := h.svc.Reconcile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list settled orders")
}

func TestReconcile_RejectsOverlappingRun(t *testing.T) {
	h := newHarness(t)
	h.svc.running.Lock()
	defer h.svc.running.Unlock()

	_, err := h.svc.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRecordIncident_StoreFailureStillAlerts(t *testing.T) {
	h := newHarness(t)
	h.incidents.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	err := h.svc.RecordIncident(context.Background(), &model.ReconciliationIncident{
		Kind:       model.IncidentSettlementFailed,
		OrderRef:   "ORD-1",
		DepositRef: "DEP-1",
		Detail:     "commit failed",
	})
	require.Error(t, err)
	require.Len(t, h.alerter.alerts, 1)
	a := h.alerter.alerts[0]
	assert.Equal(t, alert.AlertTypeSettlementFailed, a.Type)
	assert.Equal(t, "DEP-1", a.Fields["deposit_ref"])
	assert.Equal(t, "false", a.Fields["repaired"])
}

func TestListIncidents_ClampsLimit(t *testing.T) {
	h := newHarness(t)
	h.incidents.EXPECT().List(gomock.Any(), 100).Return([]model.ReconciliationIncident{{OrderRef: "ORD-1"}}, nil)
	h.incidents.EXPECT().List(gomock.Any(), 10).Return(nil, nil)

	list, err := h.svc.ListIncidents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = h.svc.ListIncidents(context.Background(), 10)
	require.NoError(t, err)
}

func TestRunPeriodic_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.svc.RunPeriodic(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconcile_PagesPastBatchLimit(t *testing.T) {
	h := newHarness(t)
	h.svc.batchLimit = 2
	gomock.InOrder(
		h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", 2).Return([]string{"ORD-1", "ORD-2"}, nil),
		h.orders.EXPECT().ListSettledRefs(gomock.Any(), "ORD-2", 2).Return([]string{"ORD-3", "ORD-4"}, nil),
		h.orders.EXPECT().ListSettledRefs(gomock.Any(), "ORD-4", 2).Return([]string{"ORD-5"}, nil),
	)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), 2).Return(nil, nil)
	for _, ref := range []string{"ORD-1", "ORD-2", "ORD-3", "ORD-4", "ORD-5"} {
		h.expectOrder(order(ref, model.OrderStatusPaid, 100, 100, 0), 100, 0)
	}

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Matched)
}

func TestReconcile_FullLastPageEndsOnEmptyBatch(t *testing.T) {
	h := newHarness(t)
	h.svc.batchLimit = 1
	gomock.InOrder(
		h.orders.EXPECT().ListSettledRefs(gomock.Any(), "", 1).Return([]string{"ORD-1"}, nil),
		h.orders.EXPECT().ListSettledRefs(gomock.Any(), "ORD-1", 1).Return(nil, nil),
	)
	h.deposits.EXPECT().ListUnsynced(gomock.Any(), 1).Return(nil, nil)
	h.expectOrder(order("ORD-1", model.OrderStatusPaid, 100, 100, 0), 100, 0)

	res, err := h.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}
