package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/alert"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/store"
	"github.com/google/uuid"
)

const defaultBatchLimit = 1000

// ErrRunInProgress is returned when Reconcile is called while another run
// is still going.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// PaymentRecomputer rewrites an order's payment from its confirmed deposits.
type PaymentRecomputer interface {
	RecomputePaymentTx(ctx context.Context, tx *sql.Tx, orderRef string) (*model.TransportOrder, error)
}

// OrderResult is the outcome of checking one order.
type OrderResult struct {
	OrderRef          string             `json:"order_ref"`
	ExpectedRemaining string             `json:"expected_remaining"`
	StoredRemaining   string             `json:"stored_remaining"`
	ExpectedStatus    model.OrderStatus  `json:"expected_status"`
	StoredStatus      model.OrderStatus  `json:"stored_status"`
	Unsynced          int64              `json:"unsynced_deposits"`
	IsMatch           bool               `json:"is_match"`
	Repaired          bool               `json:"repaired"`
	Kind              model.IncidentKind `json:"kind,omitempty"`
}

// RunResult aggregates a full reconciliation run.
type RunResult struct {
	Total      int           `json:"total"`
	Matched    int           `json:"matched"`
	Mismatched int           `json:"mismatched"`
	Repaired   int           `json:"repaired"`
	Errors     int           `json:"errors"`
	Orders     []OrderResult `json:"orders"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Service compares each settled order's stored payment with the sum of its
// confirmed deposits, repairs drift and records incidents.
type Service struct {
	db         store.TxBeginner
	orders     store.OrderRepository
	deposits   store.DepositRepository
	incidents  store.IncidentRepository
	payments   PaymentRecomputer
	alerter    alert.Alerter
	logger     *slog.Logger
	batchLimit int
	now        func() time.Time

	running sync.Mutex
}

func NewService(
	db store.TxBeginner,
	orders store.OrderRepository,
	deposits store.DepositRepository,
	incidents store.IncidentRepository,
	payments PaymentRecomputer,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:         db,
		orders:     orders,
		deposits:   deposits,
		incidents:  incidents,
		payments:   payments,
		alerter:    alerter,
		logger:     logger.With("component", "reconciliation"),
		batchLimit: defaultBatchLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile checks every order with confirmed deposits, plus any order with a
// confirmed deposit whose sync marker is missing.
func (s *Service) Reconcile(ctx context.Context) (*RunResult, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	result := &RunResult{StartedAt: s.now()}

	refs, err := s.settledRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list settled orders: %w", err)
	}
	unsynced, err := s.deposits.ListUnsynced(ctx, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced deposits: %w", err)
	}
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		seen[ref] = struct{}{}
	}
	for _, d := range unsynced {
		if _, ok := seen[d.OrderRef]; !ok {
			seen[d.OrderRef] = struct{}{}
			refs = append(refs, d.OrderRef)
		}
	}

	for _, ref := range refs {
		res, err := s.reconcileOrder(ctx, ref)
		if err != nil {
			s.logger.Warn("order reconciliation failed", "order_ref", ref, "error", err)
			result.Errors++
			continue
		}
		result.Total++
		if res.IsMatch {
			result.Matched++
			continue
		}
		result.Mismatched++
		if res.Repaired {
			result.Repaired++
		}
		result.Orders = append(result.Orders, *res)

		if err := s.RecordIncident(ctx, incidentFor(res)); err != nil {
			s.logger.Warn("record incident failed", "order_ref", ref, "error", err)
		}
	}
	result.FinishedAt = s.now()

	metrics.ReconciliationRunsTotal.Inc()
	if result.Errors > 0 {
		metrics.ReconciliationErrorsTotal.Add(float64(result.Errors))
	}
	if result.Mismatched > 0 && s.alerter != nil {
		_ = s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeReconcileSummary,
			Title:   "Settlement reconciliation found drift",
			Message: fmt.Sprintf("%d/%d orders drifted, %d repaired", result.Mismatched, result.Total, result.Repaired),
			Fields: map[string]string{
				"matched":  fmt.Sprintf("%d", result.Matched),
				"repaired": fmt.Sprintf("%d", result.Repaired),
				"errors":   fmt.Sprintf("%d", result.Errors),
			},
		})
	}

	s.logger.Info("reconciliation completed",
		"total", result.Total, "matched", result.Matched,
		"mismatched", result.Mismatched, "repaired", result.Repaired, "errors", result.Errors,
	)
	return result, nil
}

// settledRefs pages through every settled order, batchLimit refs at a time.
func (s *Service) settledRefs(ctx context.Context) ([]string, error) {
	var (
		refs  []string
		after string
	)
	for {
		batch, err := s.orders.ListSettledRefs(ctx, after, s.batchLimit)
		if err != nil {
			return nil, err
		}
		refs = append(refs, batch...)
		if len(batch) < s.batchLimit {
			return refs, nil
		}
		after = batch[len(batch)-1]
	}
}

// ReconcileAny wraps Reconcile to return any, satisfying admin.ReconcileRequester.
func (s *Service) ReconcileAny(ctx context.Context) (any, error) {
	return s.Reconcile(ctx)
}

// reconcileOrder recomputes one order under its row lock. A drifted or
// unsynced order is repaired in the same transaction.
func (s *Service) reconcileOrder(ctx context.Context, orderRef string) (_ *OrderResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "order_ref", orderRef, "error", rbErr)
		}
	}()

	o, err := s.orders.GetForUpdateTx(ctx, tx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("order %s referenced by deposits does not exist", orderRef)
	}
	sum, err := s.deposits.SumConfirmedTx(ctx, tx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("sum confirmed deposits: %w", err)
	}

	expected, status := o.Payment.Settle(sum)
	if !o.Status.AcceptsDeposits() {
		status = o.Status
	}
	res := &OrderResult{
		OrderRef:          orderRef,
		ExpectedRemaining: expected.RemainingUSD.String(),
		StoredRemaining:   o.Payment.RemainingUSD.String(),
		ExpectedStatus:    status,
		StoredStatus:      o.Status,
	}
	drift := !expected.RemainingUSD.Equal(o.Payment.RemainingUSD) ||
		!expected.AmountPaidUSD.Equal(o.Payment.AmountPaidUSD) ||
		status != o.Status

	synced, err := s.deposits.MarkOrderSyncedTx(ctx, tx, orderRef, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark deposits synced: %w", err)
	}
	res.Unsynced = synced

	switch {
	case drift:
		res.Kind = model.IncidentBalanceDrift
		if _, err := s.payments.RecomputePaymentTx(ctx, tx, orderRef); err != nil {
			return nil, fmt.Errorf("repair order payment: %w", err)
		}
	case synced > 0:
		res.Kind = model.IncidentUnsyncedDeposit
	default:
		res.IsMatch = true
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit repair: %w", err)
	}
	committed = true
	res.Repaired = true
	return res, nil
}

func incidentFor(res *OrderResult) *model.ReconciliationIncident {
	detail := fmt.Sprintf("stored remaining %s (%s), expected %s (%s)",
		res.StoredRemaining, res.StoredStatus, res.ExpectedRemaining, res.ExpectedStatus)
	if res.Kind == model.IncidentUnsyncedDeposit {
		detail = fmt.Sprintf("%d confirmed deposits were missing the order sync marker", res.Unsynced)
	}
	return &model.ReconciliationIncident{
		Kind:              res.Kind,
		OrderRef:          res.OrderRef,
		Detail:            detail,
		ExpectedRemaining: res.ExpectedRemaining,
		StoredRemaining:   res.StoredRemaining,
		ExpectedStatus:    string(res.ExpectedStatus),
		StoredStatus:      string(res.StoredStatus),
		Repaired:          res.Repaired,
	}
}

// RecordIncident persists inc, counts it and alerts operators.
func (s *Service) RecordIncident(ctx context.Context, inc *model.ReconciliationIncident) error {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = s.now()
	}

	metrics.ReconciliationIncidentsTotal.WithLabelValues(string(inc.Kind)).Inc()
	s.logger.Warn("reconciliation incident",
		"kind", inc.Kind,
		"order_ref", inc.OrderRef,
		"deposit_ref", inc.DepositRef,
		"repaired", inc.Repaired,
		"detail", inc.Detail,
	)

	var storeErr error
	if err := s.incidents.Record(ctx, inc); err != nil {
		storeErr = fmt.Errorf("record incident: %w", err)
	}

	if s.alerter != nil {
		fields := map[string]string{"incident_id": inc.ID.String(), "repaired": fmt.Sprintf("%t", inc.Repaired)}
		if inc.DepositRef != "" {
			fields["deposit_ref"] = inc.DepositRef
		}
		if err := s.alerter.Send(ctx, alert.Alert{
			Type:     alertType(inc.Kind),
			OrderRef: inc.OrderRef,
			Title:    incidentTitle(inc.Kind),
			Message:  inc.Detail,
			Fields:   fields,
		}); err != nil {
			s.logger.Warn("incident alert failed", "incident_id", inc.ID, "error", err)
		}
	}
	return storeErr
}

func (s *Service) ListIncidents(ctx context.Context, limit int) ([]model.ReconciliationIncident, error) {
	if limit <= 0 || limit > defaultBatchLimit {
		limit = 100
	}
	return s.incidents.List(ctx, limit)
}

func alertType(kind model.IncidentKind) alert.AlertType {
	switch kind {
	case model.IncidentSettlementFailed:
		return alert.AlertTypeSettlementFailed
	case model.IncidentUnsyncedDeposit:
		return alert.AlertTypeUnsyncedDeposit
	default:
		return alert.AlertTypeBalanceDrift
	}
}

func incidentTitle(kind model.IncidentKind) string {
	switch kind {
	case model.IncidentSettlementFailed:
		return "Deposit confirmation rolled back"
	case model.IncidentUnsyncedDeposit:
		return "Confirmed deposit was not synced to its order"
	default:
		return "Order payment drifted from confirmed deposits"
	}
}

// RunPeriodic runs Reconcile at the given interval until ctx is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info("periodic reconciliation started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic reconciliation stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("periodic reconciliation failed", "error", err)
			}
		}
	}
}
