package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleCarrier Role = "carrier"
)

type ReleaseCondition string

const (
	ReleaseProofOfDelivery ReleaseCondition = "proof_of_delivery"
	ReleaseManualApproval  ReleaseCondition = "manual_approval"
	ReleaseTimeBased       ReleaseCondition = "time_based"
)

func (r ReleaseCondition) Valid() bool {
	switch r {
	case ReleaseProofOfDelivery, ReleaseManualApproval, ReleaseTimeBased:
		return true
	}
	return false
}

const contractIDPrefix = "CONTRACT-"

// ContractIDForOrder derives the contract identity from its source order, so
// a second create for the same order collides on the primary key.
func ContractIDForOrder(orderRef string) string {
	return contractIDPrefix + orderRef
}

type Party struct {
	Role     Role       `json:"role"`
	Wallet   Wallet     `json:"wallet"`
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

type Terms struct {
	DeliveryDeadline        time.Time        `json:"delivery_deadline"`
	DeliveryProofRequired   bool             `json:"delivery_proof_required"`
	PaymentReleaseCondition ReleaseCondition `json:"payment_release_condition"`
	PenaltyRate             decimal.Decimal  `json:"penalty_rate"`
}

type MultiPartyContract struct {
	ContractID  string         `json:"contract_id"`
	ContractRef string         `json:"contract_ref"`
	OrderRef    string         `json:"order_ref"`
	Parties     []Party        `json:"parties"`
	Terms       Terms          `json:"contract_terms"`
	Status      ContractStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
}

// PartyIndex returns the index of the party holding wallet, or -1.
func (c *MultiPartyContract) PartyIndex(wallet Wallet) int {
	for i, p := range c.Parties {
		if p.Wallet.Equal(wallet) {
			return i
		}
	}
	return -1
}

// AllSigned reports whether every party has signed. A contract with no
// parties is never considered signed.
func (c *MultiPartyContract) AllSigned() bool {
	if len(c.Parties) == 0 {
		return false
	}
	for _, p := range c.Parties {
		if !p.Signed {
			return false
		}
	}
	return true
}

// TermsPolicy seeds the terms of newly created contracts.
type TermsPolicy struct {
	DeadlineOffset   time.Duration
	PenaltyRate      decimal.Decimal
	ReleaseCondition ReleaseCondition
	ProofRequired    bool
}

// DefaultTermsPolicy is a 24h delivery deadline, 5% penalty and release on
// proof of delivery.
func DefaultTermsPolicy() TermsPolicy {
	return TermsPolicy{
		DeadlineOffset:   24 * time.Hour,
		PenaltyRate:      decimal.RequireFromString("0.05"),
		ReleaseCondition: ReleaseProofOfDelivery,
		ProofRequired:    true,
	}
}

func (p TermsPolicy) TermsAt(now time.Time) Terms {
	return Terms{
		DeliveryDeadline:        now.Add(p.DeadlineOffset),
		DeliveryProofRequired:   p.ProofRequired,
		PaymentReleaseCondition: p.ReleaseCondition,
		PenaltyRate:             p.PenaltyRate,
	}
}
