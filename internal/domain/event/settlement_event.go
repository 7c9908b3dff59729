package event

import (
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
)

type Type string

const (
	DepositCreated           Type = "deposit.created"
	DepositConfirmed         Type = "deposit.confirmed"
	ContractCreated          Type = "contract.created"
	ContractSigned           Type = "contract.signed"
	ContractActivated        Type = "contract.activated"
	ContractStatusOverridden Type = "contract.status_overridden"
	OrderStatusChanged       Type = "order.status_changed"
)

// SettlementEvent is published after the owning transaction commits.
// Consumers must tolerate duplicates and gaps.
type SettlementEvent struct {
	Type       Type              `json:"type"`
	EntityRef  string            `json:"entity_ref"`
	OrderRef   string            `json:"order_ref"`
	Wallet     model.Wallet      `json:"wallet,omitempty"`
	Status     string            `json:"status,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    map[string]string `json:"payload,omitempty"`
}
