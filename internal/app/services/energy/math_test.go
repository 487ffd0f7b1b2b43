package energy

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/config"
)

func TestBoundedPercentage(t *testing.T) {
	cases := []struct {
		base, num, den, want uint64
	}{
		{100, 1, 0, 0},
		{100, 1, 2, 50},
		{100, 3, 2, 100},
		{7, 1, 3, 2},
		{math.MaxUint64, math.MaxUint64, math.MaxUint64, math.MaxUint64},
		{math.MaxUint64, 1, 2, math.MaxUint64 / 2},
		{math.MaxUint64, math.MaxUint64, 1, math.MaxUint64},
		{0, 5, 7, 0},
	}
	for _, tc := range cases {
		got := BoundedPercentage(tc.base, tc.num, tc.den)
		if got != tc.want {
			t.Fatalf("BoundedPercentage(%d, %d, %d) = %d, want %d", tc.base, tc.num, tc.den, got, tc.want)
		}
	}
}

func TestBoundedPercentageNeverExceedsBase(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		base, num, den := rng.Uint64(), rng.Uint64(), rng.Uint64()
		got := BoundedPercentage(base, num, den)
		require.LessOrEqual(t, got, base)
		if num <= den && den != 0 {
			// floor(base*num/den) is exact and already within bounds
			q, overflow := mulDiv(base, num, den)
			require.False(t, overflow)
			require.Equal(t, q, got)
		}
	}
}

func TestSaturation(t *testing.T) {
	require.Equal(t, uint64(0), satSub(3, 5))
	require.Equal(t, uint64(2), satSub(5, 3))
	require.Equal(t, uint64(math.MaxUint64), satAdd(math.MaxUint64, 1))
	require.Equal(t, uint64(math.MaxUint64), satMul(math.MaxUint64, 2))
	_, ok := checkedMul(math.MaxUint64, 2)
	require.False(t, ok)
}

func TestApplyUsageProfitScenario(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := token.Token{Energy: 50 * Precision, RefillCap: Precision, KProfit: 2_500_000, LastUpdate: now}

	u := ApplyUsage(config.DefaultPolicy(), &tk, 4*Precision, 0, now)

	require.Equal(t, uint64(10_000_000), u.Profit)
	require.Equal(t, uint64(4_990_000_000), tk.Energy)
	require.Equal(t, uint64(90_000_000), tk.RefillCap)
	require.Equal(t, 4*Precision, tk.ProfitAccum)
}

func TestApplyUsageSaturatesAtZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := token.Token{Energy: 5, RefillCap: 2, KProfit: Precision, ProfitAccum: math.MaxUint64, LastUpdate: now}

	u := ApplyUsage(config.DefaultPolicy(), &tk, 1_000, 0, now)

	require.Equal(t, uint64(1_000), u.Total)
	require.Zero(t, tk.Energy)
	require.Zero(t, tk.RefillCap)
	require.Equal(t, uint64(math.MaxUint64), tk.ProfitAccum)
}

func TestComputeUsageTerms(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tk := token.Token{KVolume: Precision / 2, KTime: 7, LastUpdate: start}
	later := start.Add(3*time.Minute + 59*time.Second)

	policy := config.DefaultPolicy()
	u := ComputeUsage(policy, tk, 0, 10, later)
	require.Equal(t, uint64(5), u.Volume)
	require.Zero(t, u.Time, "time is only metered inside an active session")

	tk.Lock = token.SessionLock{Borrowed: true, Active: true}
	u = ComputeUsage(policy, tk, 0, 10, later)
	require.Equal(t, uint64(21), u.Time)
	require.Equal(t, uint64(26), u.Total)

	policy.Sessions = false
	tk.Lock = token.SessionLock{Borrowed: true}
	require.Equal(t, uint64(21), ComputeUsage(policy, tk, 0, 0, later).Time)

	policy.TimeMetering = false
	policy.VolumeMetering = false
	require.Zero(t, ComputeUsage(policy, tk, 0, 10, later).Total)

	require.Zero(t, ComputeUsage(config.DefaultPolicy(), tk, 0, 0, start.Add(-time.Hour)).Time)
}

func TestApplyUsageVolumeAccumulatorFollowsPolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := config.DefaultPolicy()
	policy.VolumeMetering = false
	tk := token.Token{Energy: Precision, KVolume: Precision, LastUpdate: now}

	u := ApplyUsage(policy, &tk, 0, 50, now)
	require.Zero(t, u.Total)
	require.Zero(t, tk.VolumeAccum)
}

func TestGrant(t *testing.T) {
	require.Equal(t, uint64(10), Grant(100, 50, 10))
	require.Equal(t, uint64(50), Grant(100, 50, 80))
	require.Zero(t, Grant(100, 100, 1))
	require.Zero(t, Grant(100, 150, 1))
}

func TestSplitPrice(t *testing.T) {
	s := SplitPrice(10*Precision, 1_000, 6, 100_000, 5, 100)
	require.Equal(t, Split{Paid: 100_000_000, PlatformCut: 10_000_000, RoyaltyCut: 5_000_000, OwnerShare: 85_000_000}, s)
	require.Equal(t, s.Paid, s.PlatformCut+s.RoyaltyCut+s.OwnerShare)

	coarse := SplitPrice(10*Precision, 1_000, 2, 0, 0, 0)
	require.Equal(t, uint64(10_000), coarse.Paid)
	require.Equal(t, coarse.Paid, coarse.OwnerShare)

	clamped := SplitPrice(10*Precision, 1_000, 6, 900_000, 1, 2)
	require.Equal(t, uint64(10_000_000), clamped.RoyaltyCut)
	require.Zero(t, clamped.OwnerShare)
	require.Equal(t, clamped.Paid, clamped.PlatformCut+clamped.RoyaltyCut)
}

func TestEnergyStaysInBoundsOverRandomSequences(t *testing.T) {
	policy := config.DefaultPolicy()
	rng := rand.New(rand.NewSource(42))
	now := time.Unix(1_700_000_000, 0)

	for run := 0; run < 200; run++ {
		tk := token.Token{
			Energy:     rng.Uint64() % (policy.EnergyMax + 1),
			RefillCap:  rng.Uint64(),
			KProfit:    rng.Uint64() % (10 * Precision),
			KVolume:    rng.Uint64() % Precision,
			KTime:      rng.Uint64() % 1_000,
			Lock:       token.SessionLock{Borrowed: true, Active: rng.Intn(2) == 0},
			LastUpdate: now,
		}
		for step := 0; step < 50; step++ {
			now = now.Add(time.Duration(rng.Intn(600)) * time.Second)
			if rng.Intn(2) == 0 {
				ApplyUsage(policy, &tk, rng.Uint64()%(100*Precision), rng.Uint64()%(100*Precision), now)
			} else {
				tk.Energy += Grant(policy.EnergyMax, tk.Energy, rng.Uint64()%(200*Precision))
			}
			require.LessOrEqual(t, tk.Energy, policy.EnergyMax)
		}
	}
}
