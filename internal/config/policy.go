package config

import (
	"fmt"
	"os"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/risk"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy is the settlement policy: risk thresholds and the terms seeded into
// new contracts.
type Policy struct {
	Risk  risk.Policy
	Terms model.TermsPolicy
}

type policyFile struct {
	Risk struct {
		DangerousRate     string `yaml:"dangerous_rate"`
		OversizedRate     string `yaml:"oversized_rate"`
		NormalRate        string `yaml:"normal_rate"`
		OversizedWeightKg string `yaml:"oversized_weight_kg"`
	} `yaml:"risk"`
	ContractTerms struct {
		DeliveryDeadlineOffset  string `yaml:"delivery_deadline_offset"`
		PenaltyRate             string `yaml:"penalty_rate"`
		PaymentReleaseCondition string `yaml:"payment_release_condition"`
		DeliveryProofRequired   *bool  `yaml:"delivery_proof_required"`
	} `yaml:"contract_terms"`
}

func DefaultPolicy() Policy {
	return Policy{Risk: risk.DefaultPolicy(), Terms: model.DefaultTermsPolicy()}
}

// LoadPolicy returns DefaultPolicy when path is empty. Fields omitted from the
// file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read settlement policy %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (Policy, error) {
	policy := DefaultPolicy()

	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Policy{}, fmt.Errorf("parse settlement policy: %w", err)
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"risk.dangerous_rate", f.Risk.DangerousRate, &policy.Risk.DangerousRate},
		{"risk.oversized_rate", f.Risk.OversizedRate, &policy.Risk.OversizedRate},
		{"risk.normal_rate", f.Risk.NormalRate, &policy.Risk.NormalRate},
		{"risk.oversized_weight_kg", f.Risk.OversizedWeightKg, &policy.Risk.OversizedWeightKg},
		{"contract_terms.penalty_rate", f.ContractTerms.PenaltyRate, &policy.Terms.PenaltyRate},
	}
	for _, d := range decimals {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if s := f.ContractTerms.DeliveryDeadlineOffset; s != "" {
		offset, err := time.ParseDuration(s)
		if err != nil {
			return Policy{}, fmt.Errorf("contract_terms.delivery_deadline_offset: %w", err)
		}
		policy.Terms.DeadlineOffset = offset
	}
	if s := f.ContractTerms.PaymentReleaseCondition; s != "" {
		policy.Terms.ReleaseCondition = model.ReleaseCondition(s)
	}
	if f.ContractTerms.DeliveryProofRequired != nil {
		policy.Terms.ProofRequired = *f.ContractTerms.DeliveryProofRequired
	}

	if err := policy.validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (p Policy) validate() error {
	if err := p.Risk.Validate(); err != nil {
		return fmt.Errorf("settlement policy: %w", err)
	}
	if p.Terms.DeadlineOffset <= 0 {
		return fmt.Errorf("settlement policy: delivery deadline offset must be positive")
	}
	if p.Terms.PenaltyRate.IsNegative() || p.Terms.PenaltyRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("settlement policy: penalty rate %s outside [0, 1]", p.Terms.PenaltyRate)
	}
	if !p.Terms.ReleaseCondition.Valid() {
		return fmt.Errorf("settlement policy: unknown payment release condition %q", p.Terms.ReleaseCondition)
	}
	return nil
}
