package risk

import (
	"fmt"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/shopspring/decimal"
)

var (
	minRate = decimal.NewFromFloat(0.2)
	maxRate = decimal.NewFromInt(1)
)

// Policy holds the classification thresholds and deposit rates.
type Policy struct {
	DangerousRate     decimal.Decimal
	OversizedRate     decimal.Decimal
	NormalRate        decimal.Decimal
	OversizedWeightKg decimal.Decimal
}

// DefaultPolicy returns the standard rates: dangerous 0.85, oversized 0.50
// at 20000 kg or heavy-lift transport, normal 0.25.
func DefaultPolicy() Policy {
	return Policy{
		DangerousRate:     decimal.RequireFromString("0.85"),
		OversizedRate:     decimal.RequireFromString("0.50"),
		NormalRate:        decimal.RequireFromString("0.25"),
		OversizedWeightKg: decimal.NewFromInt(20000),
	}
}

func (p Policy) Validate() error {
	for name, rate := range map[string]decimal.Decimal{
		"dangerous": p.DangerousRate,
		"oversized": p.OversizedRate,
		"normal":    p.NormalRate,
	} {
		if rate.LessThan(minRate) || rate.GreaterThan(maxRate) {
			return fmt.Errorf("%s deposit rate %s outside [%s, %s]", name, rate, minRate, maxRate)
		}
	}
	if !p.OversizedWeightKg.IsPositive() {
		return fmt.Errorf("oversized weight threshold must be positive, got %s", p.OversizedWeightKg)
	}
	return nil
}

// Evaluator classifies cargo under a validated policy. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	policy Policy
}

func NewEvaluator(policy Policy) (*Evaluator, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk policy: %w", err)
	}
	return &Evaluator{policy: policy}, nil
}

var defaultEvaluator = &Evaluator{policy: DefaultPolicy()}

// Classify applies the default policy.
func Classify(cargo model.Cargo) model.RiskProfile {
	return defaultEvaluator.Classify(cargo)
}

// Classify returns the risk profile of cargo. First match wins: dangerous
// goods, then oversized by weight or heavy-lift transport, then normal.
func (e *Evaluator) Classify(cargo model.Cargo) model.RiskProfile {
	profile := model.RiskProfile{
		Factors: model.RiskFactors{
			WeightKg:         cargo.WeightKg,
			CargoValueUSD:    cargo.CargoValueUSD,
			IsDangerousGoods: cargo.IsDangerousGoods,
			TransportType:    cargo.TransportType,
		},
	}
	switch {
	case cargo.IsDangerousGoods:
		profile.Category = model.RiskDangerous
		profile.DepositRate = e.policy.DangerousRate
	case cargo.WeightKg.GreaterThanOrEqual(e.policy.OversizedWeightKg) || cargo.TransportType == model.TransportHeavyLift:
		profile.Category = model.RiskOversized
		profile.DepositRate = e.policy.OversizedRate
	default:
		profile.Category = model.RiskNormal
		profile.DepositRate = e.policy.NormalRate
	}
	return profile
}

// RequiredDeposit is the declared cargo value times the deposit rate, rounded
// half-up to cents.
func RequiredDeposit(profile model.RiskProfile) decimal.Decimal {
	return profile.Factors.CargoValueUSD.Mul(profile.DepositRate).Round(2)
}
