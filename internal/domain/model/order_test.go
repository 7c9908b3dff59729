package model

import (
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCargo() Cargo {
	return Cargo{
		Description:   "machine parts",
		WeightKg:      decimal.NewFromInt(500),
		CargoValueUSD: decimal.NewFromInt(1000),
		TransportType: TransportStandard,
	}
}

func TestParseWallet(t *testing.T) {
	w, ok := ParseWallet("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	require.True(t, ok)
	assert.Equal(t, Wallet("0xabcdef0123456789abcdef0123456789abcdef01"), w)

	for _, bad := range []string{"", "0x123", "abcdef0123456789abcdef0123456789abcdef0101", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		_, ok := ParseWallet(bad)
		assert.False(t, ok, bad)
	}
}

func TestWallet_Equal(t *testing.T) {
	assert.True(t, Wallet("0xABCDEF0123456789ABCDEF0123456789ABCDEF01").Equal("0xabcdef0123456789abcdef0123456789abcdef01"))
	assert.False(t, Wallet("0x0000000000000000000000000000000000000001").Equal("0x0000000000000000000000000000000000000002"))
}

func TestCargo_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Cargo)
		wantErr string
	}{
		{"valid", func(c *Cargo) {}, ""},
		{"negative weight", func(c *Cargo) { c.WeightKg = decimal.NewFromInt(-1) }, "weight_kg"},
		{"negative value", func(c *Cargo) { c.CargoValueUSD = decimal.NewFromInt(-5) }, "cargo_value_usd"},
		{"missing description", func(c *Cargo) { c.Description = "" }, "description"},
		{"unknown transport", func(c *Cargo) { c.TransportType = "rocket" }, "transport_type"},
		{"dangerous without info", func(c *Cargo) { c.IsDangerousGoods = true }, "un_number"},
		{"dangerous bad un number", func(c *Cargo) {
			c.IsDangerousGoods = true
			c.DangerousGoods = &DangerousGoods{UNNumber: "1203", HazardClass: "3"}
		}, "UNxxxx"},
		{"dangerous bad hazard class", func(c *Cargo) {
			c.IsDangerousGoods = true
			c.DangerousGoods = &DangerousGoods{UNNumber: "UN1203", HazardClass: "10"}
		}, "hazard_class"},
		{"dangerous bad packing group", func(c *Cargo) {
			c.IsDangerousGoods = true
			c.DangerousGoods = &DangerousGoods{UNNumber: "UN1203", HazardClass: "3", PackingGroup: "IV"}
		}, "packing_group"},
		{"dangerous valid", func(c *Cargo) {
			c.IsDangerousGoods = true
			c.DangerousGoods = &DangerousGoods{UNNumber: "UN1203", HazardClass: "3", PackingGroup: "II"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCargo()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPickupProof_Validate(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	ok := PickupProof{ImageHashes: []string{hash}, UploadedBy: "0x0000000000000000000000000000000000000001", UploadedAt: time.Now()}
	assert.NoError(t, ok.Validate())

	empty := ok
	empty.ImageHashes = nil
	assert.Error(t, empty.Validate())

	upper := ok
	upper.ImageHashes = []string{strings.ToUpper(hash)}
	assert.Error(t, upper.Validate())
}

func TestPayment_Settle(t *testing.T) {
	due := Payment{AmountDueUSD: decimal.NewFromInt(1000)}

	full, status := due.Settle(decimal.NewFromInt(1000))
	assert.Equal(t, OrderStatusPaid, status)
	assert.True(t, full.RemainingUSD.IsZero())
	assert.True(t, full.AmountPaidUSD.Equal(decimal.NewFromInt(1000)))

	partial, status := due.Settle(decimal.NewFromInt(400))
	assert.Equal(t, OrderStatusPartialPaid, status)
	assert.True(t, partial.RemainingUSD.Equal(decimal.NewFromInt(600)))

	over, status := due.Settle(decimal.NewFromInt(1500))
	assert.Equal(t, OrderStatusPaid, status)
	assert.True(t, over.RemainingUSD.IsZero())
}

func TestTransportOrder_ValidateParties(t *testing.T) {
	o := &TransportOrder{
		FromWallet:    "0x0000000000000000000000000000000000000001",
		ToWallet:      "0x0000000000000000000000000000000000000002",
		CarrierWallet: "0x0000000000000000000000000000000000000003",
	}
	assert.NoError(t, o.ValidateParties())

	parties := o.Counterparties()
	require.Len(t, parties, 3)
	assert.Equal(t, RoleBuyer, parties[0].Role)
	assert.Equal(t, RoleSeller, parties[1].Role)
	assert.Equal(t, RoleCarrier, parties[2].Role)

	o.CarrierWallet = o.ToWallet
	assert.Error(t, o.ValidateParties())
}

func TestMultiPartyContract_AllSigned(t *testing.T) {
	c := &MultiPartyContract{Parties: []Party{
		{Role: RoleBuyer, Wallet: "0x0000000000000000000000000000000000000001", Signed: true},
		{Role: RoleSeller, Wallet: "0x0000000000000000000000000000000000000002"},
	}}
	assert.False(t, c.AllSigned())
	assert.Equal(t, 1, c.PartyIndex("0x0000000000000000000000000000000000000002"))
	assert.Equal(t, -1, c.PartyIndex("0x0000000000000000000000000000000000000009"))

	c.Parties[1].Signed = true
	assert.True(t, c.AllSigned())

	assert.False(t, (&MultiPartyContract{}).AllSigned())
	assert.Equal(t, "CONTRACT-ORD-1", ContractIDForOrder("ORD-1"))
}
