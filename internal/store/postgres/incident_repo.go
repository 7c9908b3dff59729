package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/google/uuid"
)

// IncidentRepo stores reconciliation incidents.
type IncidentRepo struct {
	db *DB
}

func NewIncidentRepo(db *DB) *IncidentRepo {
	return &IncidentRepo{db: db}
}

func (r *IncidentRepo) Record(ctx context.Context, inc *model.ReconciliationIncident) error {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_incidents
			(id, kind, order_ref, deposit_ref, detail, expected_remaining, stored_remaining,
			 expected_status, stored_status, repaired, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, inc.ID, inc.Kind, inc.OrderRef, nullString(inc.DepositRef), inc.Detail,
		nullString(inc.ExpectedRemaining), nullString(inc.StoredRemaining),
		nullString(inc.ExpectedStatus), nullString(inc.StoredStatus), inc.Repaired, inc.CreatedAt); err != nil {
		return fmt.Errorf("insert reconciliation incident: %w", err)
	}
	return nil
}

func (r *IncidentRepo) List(ctx context.Context, limit int) ([]model.ReconciliationIncident, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, order_ref, deposit_ref, detail, expected_remaining, stored_remaining,
			expected_status, stored_status, repaired, created_at
		FROM reconciliation_incidents
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]model.ReconciliationIncident, 0)
	for rows.Next() {
		var (
			inc                           model.ReconciliationIncident
			depositRef, expRem, storedRem sql.NullString
			expStatus, storedStatus       sql.NullString
		)
		if err := rows.Scan(&inc.ID, &inc.Kind, &inc.OrderRef, &depositRef, &inc.Detail,
			&expRem, &storedRem, &expStatus, &storedStatus, &inc.Repaired, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation incident: %w", err)
		}
		inc.DepositRef = depositRef.String
		inc.ExpectedRemaining = expRem.String
		inc.StoredRemaining = storedRem.String
		inc.ExpectedStatus = expStatus.String
		inc.StoredStatus = storedStatus.String
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
