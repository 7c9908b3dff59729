package model

// Status registry: the closed set of legal status values per entity and the
// transitions allowed between them. Every mutating operation parses incoming
// values through this registry before touching storage.

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPartialPaid    OrderStatus = "partial_paid"
	OrderStatusInTransit      OrderStatus = "in_transit"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusDisputed       OrderStatus = "disputed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type DepositStatus string

const (
	DepositStatusPendingBalanceCheck DepositStatus = "pending_balance_check"
	DepositStatusBalanceChecked      DepositStatus = "balance_checked"
	DepositStatusInsufficientBalance DepositStatus = "insufficient_balance"
	DepositStatusConfirmed           DepositStatus = "confirmed"
	DepositStatusRefunded            DepositStatus = "refunded"
)

type ContractStatus string

const (
	ContractStatusPendingSignatures ContractStatus = "pending_signatures"
	ContractStatusActive            ContractStatus = "active"
	ContractStatusInTransit         ContractStatus = "in_transit"
	ContractStatusDelivered         ContractStatus = "delivered"
	ContractStatusDisputed          ContractStatus = "disputed"
	ContractStatusCompleted         ContractStatus = "completed"
	ContractStatusCancelled         ContractStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusPartialPaid, OrderStatusCancelled},
	OrderStatusPartialPaid:    {OrderStatusPaid, OrderStatusPartialPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusInTransit, OrderStatusCancelled},
	OrderStatusInTransit:      {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:      {OrderStatusCompleted, OrderStatusDisputed, OrderStatusCancelled},
	OrderStatusDisputed:       {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted:      nil,
	OrderStatusCancelled:      nil,
}

var depositTransitions = map[DepositStatus][]DepositStatus{
	DepositStatusPendingBalanceCheck: {DepositStatusBalanceChecked, DepositStatusInsufficientBalance},
	DepositStatusBalanceChecked:      {DepositStatusConfirmed},
	DepositStatusInsufficientBalance: nil,
	DepositStatusConfirmed:           {DepositStatusRefunded},
	DepositStatusRefunded:            nil,
}

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusPendingSignatures: {ContractStatusActive, ContractStatusCancelled},
	ContractStatusActive:            {ContractStatusInTransit, ContractStatusCancelled},
	ContractStatusInTransit:         {ContractStatusDelivered, ContractStatusCancelled},
	ContractStatusDelivered:         {ContractStatusCompleted, ContractStatusDisputed, ContractStatusCancelled},
	ContractStatusDisputed:          {ContractStatusCompleted, ContractStatusCancelled},
	ContractStatusCompleted:         nil,
	ContractStatusCancelled:         nil,
}

// OrderStatuses returns the closed set of order statuses.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPendingPayment, OrderStatusPaid, OrderStatusPartialPaid, OrderStatusInTransit,
		OrderStatusDelivered, OrderStatusCompleted, OrderStatusDisputed, OrderStatusCancelled,
	}
}

// DepositStatuses returns the closed set of deposit statuses.
func DepositStatuses() []DepositStatus {
	return []DepositStatus{
		DepositStatusPendingBalanceCheck, DepositStatusBalanceChecked,
		DepositStatusInsufficientBalance, DepositStatusConfirmed, DepositStatusRefunded,
	}
}

// ContractStatuses returns the closed set of contract statuses accepted by
// the administrative override.
func ContractStatuses() []ContractStatus {
	return []ContractStatus{
		ContractStatusPendingSignatures, ContractStatusActive, ContractStatusInTransit,
		ContractStatusDelivered, ContractStatusDisputed, ContractStatusCompleted, ContractStatusCancelled,
	}
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := orderTransitions[st]
	return st, ok
}

func ParseDepositStatus(s string) (DepositStatus, bool) {
	st := DepositStatus(s)
	_, ok := depositTransitions[st]
	return st, ok
}

func ParseContractStatus(s string) (ContractStatus, bool) {
	st := ContractStatus(s)
	_, ok := contractTransitions[st]
	return st, ok
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return contains(orderTransitions[s], next)
}

func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

// AcceptsDeposits reports whether deposits may still be created against an
// order in this status.
func (s OrderStatus) AcceptsDeposits() bool {
	return s == OrderStatusPendingPayment || s == OrderStatusPartialPaid
}

func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	return contains(depositTransitions[s], next)
}

func (s ContractStatus) CanTransitionTo(next ContractStatus) bool {
	return contains(contractTransitions[s], next)
}

func (s ContractStatus) IsTerminal() bool {
	next, ok := contractTransitions[s]
	return ok && len(next) == 0
}

func contains[T comparable](set []T, v T) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}
