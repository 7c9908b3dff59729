package model

import (
	"regexp"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/shopspring/decimal"
)

type TransportType string

const (
	TransportStandard     TransportType = "standard"
	TransportHeavyLift    TransportType = "heavy_lift"
	TransportRefrigerated TransportType = "refrigerated"
	TransportBulk         TransportType = "bulk"
)

func (t TransportType) Valid() bool {
	switch t {
	case TransportStandard, TransportHeavyLift, TransportRefrigerated, TransportBulk:
		return true
	}
	return false
}

var (
	unNumberPattern    = regexp.MustCompile(`^UN[0-9]{4}$`)
	hazardClassPattern = regexp.MustCompile(`^(1|2\.[0-9]|3|4\.[0-9]|5\.[0-9]|6\.[0-9]|7|8|9)$`)
	imageHashPattern   = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// DangerousGoods carries the hazard classification required when a cargo is
// flagged as dangerous.
type DangerousGoods struct {
	UNNumber           string          `json:"un_number"`
	ProperShippingName string          `json:"proper_shipping_name,omitempty"`
	HazardClass        string          `json:"hazard_class"`
	PackingGroup       string          `json:"packing_group,omitempty"`
	NetQuantityKg      decimal.Decimal `json:"net_quantity_kg"`
	MarinePollutant    bool            `json:"marine_pollutant"`
}

type Cargo struct {
	Description      string          `json:"description"`
	WeightKg         decimal.Decimal `json:"weight_kg"`
	VolumeCBM        decimal.Decimal `json:"volume_cbm"`
	IsDangerousGoods bool            `json:"is_dangerous_goods"`
	CargoValueUSD    decimal.Decimal `json:"cargo_value_usd"`
	TransportType    TransportType   `json:"transport_type"`
	PackagingType    string          `json:"packaging_type,omitempty"`
	CustomsHSCode    string          `json:"customs_hs_code,omitempty"`
	DangerousGoods   *DangerousGoods `json:"dangerous_goods_info,omitempty"`
}

// Validate enforces the cargo invariants: non-negative weight and value, and
// hazard classification present whenever the dangerous-goods flag is set.
func (c Cargo) Validate() error {
	if c.Description == "" {
		return apperror.Validation("cargo.description is required")
	}
	if c.WeightKg.IsNegative() {
		return apperror.Validation("cargo.weight_kg must be non-negative")
	}
	if c.VolumeCBM.IsNegative() {
		return apperror.Validation("cargo.volume_cbm must be non-negative")
	}
	if c.CargoValueUSD.IsNegative() {
		return apperror.Validation("cargo.cargo_value_usd must be non-negative")
	}
	if c.TransportType != "" && !c.TransportType.Valid() {
		return apperror.Validationf("cargo.transport_type %q is not supported", c.TransportType)
	}
	if !c.IsDangerousGoods {
		return nil
	}
	dg := c.DangerousGoods
	if dg == nil || dg.UNNumber == "" || dg.HazardClass == "" {
		return apperror.Validation("dangerous goods require un_number and hazard_class")
	}
	if !unNumberPattern.MatchString(dg.UNNumber) {
		return apperror.Validationf("un_number %q must match UNxxxx", dg.UNNumber)
	}
	if !hazardClassPattern.MatchString(dg.HazardClass) {
		return apperror.Validationf("hazard_class %q is not a recognised class", dg.HazardClass)
	}
	switch dg.PackingGroup {
	case "", "I", "II", "III":
	default:
		return apperror.Validationf("packing_group %q must be I, II or III", dg.PackingGroup)
	}
	if dg.NetQuantityKg.IsNegative() {
		return apperror.Validation("dangerous_goods_info.net_quantity_kg must be non-negative")
	}
	return nil
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type PickupProof struct {
	ImageHashes []string  `json:"image_hashes"`
	UploadedBy  Wallet    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Location    *GeoPoint `json:"location,omitempty"`
}

func (p PickupProof) Validate() error {
	if len(p.ImageHashes) == 0 {
		return apperror.Validation("pickup_proof requires at least one image hash")
	}
	for _, h := range p.ImageHashes {
		if !imageHashPattern.MatchString(h) {
			return apperror.Validationf("pickup image hash %q must be 64 lowercase hex characters", h)
		}
	}
	if p.UploadedBy == "" {
		return apperror.Validation("pickup_proof.uploaded_by is required")
	}
	return nil
}

// Payment is the order's settlement sub-record. RemainingUSD is always
// recomputed from AmountDueUSD and the confirmed deposit sum.
type Payment struct {
	TokenUsed     string          `json:"token_used,omitempty"`
	AmountDueUSD  decimal.Decimal `json:"amount_due_usd"`
	AmountPaidUSD decimal.Decimal `json:"amount_paid_usd"`
	RemainingUSD  decimal.Decimal `json:"remaining_usd"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// Settle derives the payment state for a confirmed deposit sum.
func (p Payment) Settle(confirmedSum decimal.Decimal) (Payment, OrderStatus) {
	next := p
	next.AmountPaidUSD = confirmedSum
	remaining := p.AmountDueUSD.Sub(confirmedSum)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	next.RemainingUSD = remaining
	if remaining.IsZero() {
		return next, OrderStatusPaid
	}
	return next, OrderStatusPartialPaid
}

type TransportOrder struct {
	OrderRef         string      `json:"order_ref"`
	FromWallet       Wallet      `json:"from_wallet"`
	ToWallet         Wallet      `json:"to_wallet"`
	CarrierWallet    Wallet      `json:"carrier_wallet"`
	Cargo            Cargo       `json:"cargo"`
	PickupProof      PickupProof `json:"pickup_proof"`
	Payment          Payment     `json:"payment"`
	Status           OrderStatus `json:"status"`
	DeliveryProofCID string      `json:"delivery_proof_cid,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Counterparties returns the buyer, seller and carrier wallets in contract
// party order.
func (o *TransportOrder) Counterparties() []Party {
	return []Party{
		{Role: RoleBuyer, Wallet: o.FromWallet},
		{Role: RoleSeller, Wallet: o.ToWallet},
		{Role: RoleCarrier, Wallet: o.CarrierWallet},
	}
}

// ValidateParties rejects orders whose counterparties are not distinct.
func (o *TransportOrder) ValidateParties() error {
	if o.FromWallet == o.ToWallet || o.FromWallet == o.CarrierWallet || o.ToWallet == o.CarrierWallet {
		return apperror.Validation("from_wallet, to_wallet and carrier_wallet must be distinct")
	}
	return nil
}
