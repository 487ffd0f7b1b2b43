package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Pricing selects how a refill is charged.
type Pricing string

const (
	// PricingSplit derives the price from the fee rate and splits it between
	// fee payee, royalty payee and owner.
	PricingSplit Pricing = "split"
	// PricingSimple charges k_refill per unit of energy, paid to the owner.
	PricingSimple Pricing = "simple"
)

// BorrowerMode selects who becomes borrower on Borrow.
type BorrowerMode string

const (
	BorrowerDesignated BorrowerMode = "designated"
	BorrowerFeePayee   BorrowerMode = "fee_payee"
)

// Precision is the fixed-point scale of energy.
const Precision uint64 = 100_000_000

// CapacityTopUp schedules a periodic increase of refill capacity.
type CapacityTopUp struct {
	// Schedule is a robfig/cron spec. Empty disables the job.
	Schedule string `yaml:"schedule"`
	Amount   uint64 `yaml:"amount"`
}

// Policy holds the engine switches that distinguish deployments.
type Policy struct {
	EnergyMax      uint64        `yaml:"energy_max"`
	MinFeeRate     uint64        `yaml:"min_fee_rate"`
	Pricing        Pricing       `yaml:"pricing"`
	TrackCapacity  bool          `yaml:"track_capacity"`
	RoyaltySplit   bool          `yaml:"royalty_split"`
	VolumeMetering bool          `yaml:"volume_metering"`
	TimeMetering   bool          `yaml:"time_metering"`
	Sessions       bool          `yaml:"sessions"`
	BorrowerMode   BorrowerMode  `yaml:"borrower_mode"`
	CapacityTopUp  CapacityTopUp `yaml:"capacity_top_up"`
}

// DefaultPolicy enables every metering term, split pricing with royalties
// and designated borrowers.
func DefaultPolicy() Policy {
	return Policy{
		EnergyMax:      Precision * 100,
		MinFeeRate:     0,
		Pricing:        PricingSplit,
		TrackCapacity:  true,
		RoyaltySplit:   true,
		VolumeMetering: true,
		TimeMetering:   true,
		Sessions:       true,
		BorrowerMode:   BorrowerDesignated,
	}
}

// Validate normalizes enums and rejects inconsistent settings.
func (p *Policy) Validate() error {
	p.Pricing = Pricing(strings.ToLower(strings.TrimSpace(string(p.Pricing))))
	p.BorrowerMode = BorrowerMode(strings.ToLower(strings.TrimSpace(string(p.BorrowerMode))))

	if p.EnergyMax == 0 {
		return fmt.Errorf("energy_max must be positive")
	}
	if p.MinFeeRate > 1_000_000 {
		return fmt.Errorf("min_fee_rate %d exceeds 1000000", p.MinFeeRate)
	}
	switch p.Pricing {
	case PricingSplit, PricingSimple:
	case "":
		p.Pricing = PricingSplit
	default:
		return fmt.Errorf("unknown pricing %q", p.Pricing)
	}
	switch p.BorrowerMode {
	case BorrowerDesignated, BorrowerFeePayee:
	case "":
		p.BorrowerMode = BorrowerDesignated
	default:
		return fmt.Errorf("unknown borrower_mode %q", p.BorrowerMode)
	}
	if p.CapacityTopUp.Schedule != "" {
		if p.CapacityTopUp.Amount == 0 {
			return fmt.Errorf("capacity_top_up.amount must be positive when a schedule is set")
		}
		if _, err := cron.ParseStandard(p.CapacityTopUp.Schedule); err != nil {
			return fmt.Errorf("capacity_top_up.schedule: %w", err)
		}
	}
	return nil
}

// LoadPolicy reads a policy from path. Keys absent from the file keep their
// DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return policy, fmt.Errorf("failed to read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

// LoadPolicyOrDefault returns DefaultPolicy when path is empty or missing.
func LoadPolicyOrDefault(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	return LoadPolicy(path)
}
