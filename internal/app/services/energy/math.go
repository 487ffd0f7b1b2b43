package energy

import (
	"math"
	"math/bits"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/config"
)

const (
	// Precision is the implied denominator of energy and usage coefficients.
	Precision = config.Precision
	// InternalDenom is the fixed-point scale of refill prices and fee rates.
	InternalDenom uint64 = 1_000_000
	// FullRefill is the energy a full-price refill buys.
	FullRefill = Precision * 100
	// MaxAssetDecimals is the finest payment asset precision the price
	// conversion can represent.
	MaxAssetDecimals = 6
)

// BoundedPercentage returns floor(base*num/den) capped at base, or 0 when den
// is zero. The product is computed in 128 bits.
func BoundedPercentage(base, num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	q, overflow := mulDiv(base, num, den)
	if overflow || q > base {
		return base
	}
	return q
}

// mulDiv returns floor(a*b/c) and whether the quotient exceeds 64 bits.
// c must be non-zero.
func mulDiv(a, b, c uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64, true
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, false
}

// mulDivSat is mulDiv saturating at MaxUint64.
func mulDivSat(a, b, c uint64) uint64 {
	q, _ := mulDiv(a, b, c)
	return q
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func checkedMul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// Usage is the itemised debit of one usage report.
type Usage struct {
	Profit uint64 `json:"profit_term"`
	Volume uint64 `json:"volume_term"`
	Time   uint64 `json:"time_term"`
	Total  uint64 `json:"total"`
}

// ComputeUsage prices a usage report against t without mutating it.
func ComputeUsage(policy config.Policy, t token.Token, profit, volume uint64, now time.Time) Usage {
	var u Usage
	if t.KProfit != 0 && profit != 0 {
		u.Profit = mulDivSat(t.KProfit, profit, Precision)
	}
	if policy.VolumeMetering && t.KVolume != 0 && volume != 0 {
		u.Volume = mulDivSat(t.KVolume, volume, Precision)
	}
	if policy.TimeMetering && t.KTime != 0 && (!policy.Sessions || t.Lock.Active) {
		if elapsed := now.Sub(t.LastUpdate); elapsed > 0 {
			u.Time = satMul(t.KTime, uint64(elapsed/time.Minute))
		}
	}
	u.Total = satAdd(satAdd(u.Profit, u.Volume), u.Time)
	return u
}

// ApplyUsage debits t for a usage report and advances its accumulators.
// Energy and refill capacity saturate at zero; excess usage is absorbed.
func ApplyUsage(policy config.Policy, t *token.Token, profit, volume uint64, now time.Time) Usage {
	u := ComputeUsage(policy, *t, profit, volume, now)
	t.Energy = satSub(t.Energy, u.Total)
	if policy.TrackCapacity {
		t.RefillCap = satSub(t.RefillCap, u.Total)
	}
	t.ProfitAccum = satAdd(t.ProfitAccum, profit)
	if policy.VolumeMetering {
		t.VolumeAccum = satAdd(t.VolumeAccum, volume)
	}
	t.LastUpdate = now
	return u
}

// Grant is the energy a refill of amount credits: amount clamped to the
// headroom below energyMax.
func Grant(energyMax, energy, amount uint64) uint64 {
	headroom := satSub(energyMax, energy)
	if amount < headroom {
		return amount
	}
	return headroom
}

// Split is the price of a refill broken down by recipient, in native units
// of the paid asset.
type Split struct {
	Paid        uint64 `json:"paid"`
	PlatformCut uint64 `json:"platform_cut"`
	RoyaltyCut  uint64 `json:"royalty_cut"`
	OwnerShare  uint64 `json:"owner_share"`
}

// SplitPrice prices grant energy at the token's refill coefficient and
// divides it. A request clamped to the headroom is priced on the grant, not
// on the amount asked for. decimals is the paid asset's native precision and
// must not exceed MaxAssetDecimals; kRefill must be non-zero.
// royaltyNum/royaltyDen of 0/0 means no royalty.
func SplitPrice(grant, kRefill uint64, decimals uint8, feeRate, royaltyNum, royaltyDen uint64) Split {
	expo := InternalDenom / pow10(decimals)
	full := (InternalDenom / kRefill) * InternalDenom
	gross := BoundedPercentage(full, grant, FullRefill)

	var s Split
	s.Paid = gross / expo
	s.PlatformCut = BoundedPercentage(s.Paid, feeRate, InternalDenom)
	s.OwnerShare = s.Paid - s.PlatformCut
	if royaltyDen != 0 {
		s.RoyaltyCut = BoundedPercentage(s.Paid, royaltyNum, royaltyDen)
		if s.RoyaltyCut > s.OwnerShare {
			s.RoyaltyCut = s.OwnerShare
		}
		s.OwnerShare -= s.RoyaltyCut
	}
	return s
}

func pow10(n uint8) uint64 {
	v := uint64(1)
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}
