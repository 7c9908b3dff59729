package model

import (
	"time"

	"github.com/google/uuid"
)

type IncidentKind string

const (
	// IncidentSettlementFailed is recorded when a deposit confirmation could
	// not be committed together with its order update.
	IncidentSettlementFailed IncidentKind = "settlement_failed"
	// IncidentBalanceDrift is recorded when a stored order payment does not
	// match the sum of its confirmed deposits.
	IncidentBalanceDrift IncidentKind = "balance_drift"
	// IncidentUnsyncedDeposit is a confirmed deposit whose order sync marker
	// was never written.
	IncidentUnsyncedDeposit IncidentKind = "unsynced_deposit"
)

type ReconciliationIncident struct {
	ID                uuid.UUID    `json:"id"`
	Kind              IncidentKind `json:"kind"`
	OrderRef          string       `json:"order_ref"`
	DepositRef        string       `json:"deposit_ref,omitempty"`
	Detail            string       `json:"detail"`
	ExpectedRemaining string       `json:"expected_remaining,omitempty"`
	StoredRemaining   string       `json:"stored_remaining,omitempty"`
	ExpectedStatus    string       `json:"expected_status,omitempty"`
	StoredStatus      string       `json:"stored_status,omitempty"`
	Repaired          bool         `json:"repaired"`
	CreatedAt         time.Time    `json:"created_at"`
}
