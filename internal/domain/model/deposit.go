package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskCategory string

const (
	RiskNormal    RiskCategory = "normal"
	RiskOversized RiskCategory = "oversized"
	RiskDangerous RiskCategory = "dangerous"
)

// RiskFactors are the cargo attributes that produced a risk profile.
type RiskFactors struct {
	WeightKg         decimal.Decimal `json:"weight_kg"`
	CargoValueUSD    decimal.Decimal `json:"cargo_value_usd"`
	IsDangerousGoods bool            `json:"is_dangerous_goods"`
	TransportType    TransportType   `json:"transport_type"`
}

type RiskProfile struct {
	Category    RiskCategory    `json:"category"`
	DepositRate decimal.Decimal `json:"deposit_percentage"`
	Factors     RiskFactors     `json:"factors"`
}

type BalanceCheck struct {
	RequiredAmount  decimal.Decimal `json:"required_amount"`
	ObservedBalance decimal.Decimal `json:"observed_balance"`
	Sufficient      bool            `json:"sufficient_balance"`
	CheckedAt       time.Time       `json:"checked_at"`
}

type Confirmation struct {
	Confirmed   bool       `json:"confirmed"`
	ConfirmedBy *Wallet    `json:"confirmed_by,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type FundDeduction struct {
	Deducted   bool       `json:"deducted"`
	DeductedAt *time.Time `json:"deducted_at,omitempty"`
}

type DepositTransaction struct {
	DepositRef      string          `json:"deposit_ref"`
	OrderRef        string          `json:"order_ref"`
	BuyerWallet     Wallet          `json:"buyer_wallet"`
	RecipientWallet Wallet          `json:"recipient_wallet"`
	TokenAddress    Wallet          `json:"token_address"`
	TxHash          string          `json:"tx_hash,omitempty"`
	AmountToken     string          `json:"amount_token"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	RiskProfile     RiskProfile     `json:"risk_profile"`
	BalanceCheck    BalanceCheck    `json:"balance_check"`
	Confirmation    Confirmation    `json:"confirmation"`
	FundDeduction   FundDeduction   `json:"fund_deduction"`
	Status          DepositStatus   `json:"status"`
	OrderSyncedAt   *time.Time      `json:"order_synced_at,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Confirm applies the confirmation stamps. The caller is responsible for
// having checked the status and balance preconditions.
func (d *DepositTransaction) Confirm(by *Wallet, now time.Time) {
	d.Status = DepositStatusConfirmed
	d.Confirmation = Confirmation{Confirmed: true, ConfirmedBy: by, ConfirmedAt: &now}
	d.FundDeduction = FundDeduction{Deducted: true, DeductedAt: &now}
	d.UpdatedAt = now
}
