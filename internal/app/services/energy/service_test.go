package energy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/services/registry"
	"github.com/R3E-Network/strategy_layer/internal/app/services/tokens"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/memory"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/pkg/testutil"
)

var (
	owner    = testutil.Addr("owner")
	platform = testutil.Addr("platform")
	artist   = testutil.Addr("artist")
	trader   = testutil.Addr("trader")
	stranger = testutil.Addr("stranger")
)

const usdc ledger.AssetID = "USDC"

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Memory
	nft      *nft.Memory
	sink     *testutil.RecordingSink
	clock    *testutil.Clock
	policy   config.Policy
	strategy strategy.Strategy
}

func newFixture(t *testing.T, policy config.Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  memory.New(),
		ledger: ledger.NewMemory(),
		nft:    nft.NewMemory(),
		sink:   testutil.NewRecordingSink(),
		clock:  testutil.NewClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		policy: policy,
	}
	f.ledger.RegisterAsset(usdc, 6)
	f.ledger.RegisterAsset("WBTC", 8)
	require.NoError(t, f.ledger.Deposit(trader, usdc, 1_000_000_000_000))

	reg := registry.New(f.store, policy, nil, nil)
	st, err := reg.CreateStrategy(ctx, owner, "breakout", nil, 100_000, platform)
	require.NoError(t, err)
	st, err = reg.ChangePaymentAssets(ctx, platform, st.ID, []ledger.AssetID{usdc, "WBTC"})
	require.NoError(t, err)
	f.strategy = st
	return f
}

func (f *fixture) service(led ledger.Ledger) *Service {
	return New(f.store, led, f.nft, f.policy, f.sink, nil).WithClock(f.clock.Now)
}

func (f *fixture) mint(t *testing.T, req tokens.MintRequest) token.Token {
	t.Helper()
	req.StrategyID = f.strategy.ID
	req.Count = 1
	minted, err := tokens.New(f.store, f.nft, f.policy, nil, nil).WithClock(f.clock.Now).Mint(context.Background(), owner, req)
	require.NoError(t, err)
	return minted[0]
}

func (f *fixture) lend(t *testing.T, tk token.Token, to chain.Address, active bool) token.Token {
	t.Helper()
	tk, err := f.store.GetToken(context.Background(), tk.ID)
	require.NoError(t, err)
	tk.Lock = token.SessionLock{Borrowed: true, Active: active}
	tk.BorrowedBy = &to
	tk, err = f.store.UpdateToken(context.Background(), tk)
	require.NoError(t, err)
	return tk
}

func royaltyRequest() tokens.MintRequest {
	payee := artist
	return tokens.MintRequest{
		Energy:       90 * Precision,
		RefillCap:    10 * Precision,
		KRefill:      1_000,
		KProfit:      2_500_000,
		RoyaltyPayee: &payee,
		RoyaltyRate:  &tokens.RoyaltyRate{Numerator: 5, Denominator: 100},
	}
}

func TestService_UseEnergyScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	svc := f.service(f.ledger)
	tk := f.mint(t, tokens.MintRequest{Energy: 50 * Precision, RefillCap: Precision, KRefill: 1, KProfit: 2_500_000})

	_, _, err := svc.UseEnergy(ctx, trader, tk.ID, 4*Precision, 0)
	require.True(t, errors.Is(err, apperr.ErrNotBorrowed))

	f.lend(t, tk, trader, false)
	_, _, err = svc.UseEnergy(ctx, stranger, tk.ID, 4*Precision, 0)
	require.True(t, errors.Is(err, apperr.ErrNotBorrower))

	updated, usage, err := svc.UseEnergy(ctx, trader, tk.ID, 4*Precision, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(4_990_000_000), updated.Energy)
	require.Equal(t, uint64(10_000_000), usage.Total)
	require.Equal(t, f.clock.Now(), updated.LastUpdate)

	ev, ok := f.sink.Last(events.EventEnergyUsed)
	require.True(t, ok)
	require.Equal(t, "4990000000", ev.Attributes["energy"])
}

func TestService_RefillSplitsPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	svc := f.service(f.ledger)
	tk := f.mint(t, royaltyRequest())

	quote, err := svc.QuoteRefill(ctx, tk.ID, usdc, 25*Precision)
	require.NoError(t, err)
	require.Equal(t, 10*Precision, quote.Grant, "grant is clamped to the headroom")

	res, err := svc.RefillEnergy(ctx, trader, tk.ID, "usdc", 25*Precision)
	require.NoError(t, err)
	require.Equal(t, f.policy.EnergyMax, res.Token.Energy)
	require.Equal(t, 10*Precision, res.Token.RefillCap, "refills do not consume capacity")
	require.Equal(t, Split{Paid: 100_000_000, PlatformCut: 10_000_000, RoyaltyCut: 5_000_000, OwnerShare: 85_000_000}, res.Quote.Split,
		"25 energy requested, 10 granted and paid for")
	require.Len(t, res.Receipts, 3)

	require.Equal(t, uint64(1_000_000_000_000-100_000_000), f.ledger.Balance(trader, usdc))
	require.Equal(t, uint64(10_000_000), f.ledger.Balance(platform, usdc))
	require.Equal(t, uint64(5_000_000), f.ledger.Balance(artist, usdc))
	require.Equal(t, uint64(85_000_000), f.ledger.Balance(owner, usdc))

	_, err = svc.RefillEnergy(ctx, trader, tk.ID, usdc, 1)
	require.True(t, errors.Is(err, apperr.ErrEnergyFull))
	require.Equal(t, apperr.KindResourceExhausted, apperr.KindOf(err))
}

func TestService_RefillWithoutRoyaltySplit(t *testing.T) {
	ctx := context.Background()
	policy := config.DefaultPolicy()
	policy.RoyaltySplit = false
	f := newFixture(t, policy)
	tk := f.mint(t, royaltyRequest())

	res, err := f.service(f.ledger).RefillEnergy(ctx, trader, tk.ID, usdc, 10*Precision)
	require.NoError(t, err)
	require.Zero(t, res.Quote.Split.RoyaltyCut)
	require.Len(t, res.Quote.Legs, 2)
	require.Zero(t, f.ledger.Balance(artist, usdc))
}

func TestService_RefillSimplePricing(t *testing.T) {
	ctx := context.Background()
	policy := config.DefaultPolicy()
	policy.Pricing = config.PricingSimple
	f := newFixture(t, policy)
	tk := f.mint(t, tokens.MintRequest{Energy: 0, RefillCap: 1, KRefill: 3})

	res, err := f.service(f.ledger).RefillEnergy(ctx, trader, tk.ID, usdc, 2*Precision)
	require.NoError(t, err)
	require.Equal(t, 6*Precision, res.Quote.Split.Paid)
	require.Len(t, res.Quote.Legs, 1)
	require.Equal(t, owner, res.Quote.Legs[0].To)
	require.Equal(t, 6*Precision, f.ledger.Balance(owner, usdc))
	require.Zero(t, f.ledger.Balance(platform, usdc))
}

func TestService_RefillRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	svc := f.service(f.ledger)
	tk := f.mint(t, royaltyRequest())

	_, err := svc.RefillEnergy(ctx, trader, tk.ID, "GAS", Precision)
	require.Equal(t, apperr.KindUnsupportedAsset, apperr.KindOf(err))

	_, err = svc.RefillEnergy(ctx, trader, tk.ID, "WBTC", Precision)
	require.Equal(t, apperr.KindUnsupportedAsset, apperr.KindOf(err), "assets finer than 6 decimals are rejected")

	capless := f.mint(t, tokens.MintRequest{Energy: 0, RefillCap: 0, KRefill: 1})
	_, err = svc.RefillEnergy(ctx, trader, capless.ID, usdc, Precision)
	require.True(t, errors.Is(err, apperr.ErrRefillCapExhausted))

	_, err = svc.RefillEnergy(ctx, trader, chain.TokenAddress(f.strategy.ID, "x", 99), usdc, Precision)
	require.True(t, errors.Is(err, apperr.ErrTokenNotFound))

	require.Equal(t, uint64(1_000_000_000_000), f.ledger.Balance(trader, usdc))
}

func TestService_RefillAcceptsAssetsInAnyCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	reg := registry.New(f.store, f.policy, nil, nil)
	_, err := reg.ChangePaymentAssets(ctx, platform, f.strategy.ID, []ledger.AssetID{"usdc"})
	require.NoError(t, err)
	tk := f.mint(t, royaltyRequest())

	res, err := f.service(f.ledger).RefillEnergy(ctx, trader, tk.ID, "usdc", Precision)
	require.NoError(t, err)
	require.Equal(t, usdc, res.Quote.Asset)
	require.Equal(t, uint64(10_000_000), res.Quote.Split.Paid)
}

func TestService_RefillRejectsUnpricedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	tk := f.mint(t, royaltyRequest())

	stored, err := f.store.GetToken(ctx, tk.ID)
	require.NoError(t, err)
	stored.KRefill = 0
	_, err = f.store.UpdateToken(ctx, stored)
	require.NoError(t, err)

	_, err = f.service(f.ledger).QuoteRefill(ctx, tk.ID, usdc, Precision)
	require.True(t, errors.Is(err, apperr.ErrRefillUnpriced))
	require.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestService_SequentialRefillCompensatesOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	tk := f.mint(t, royaltyRequest())
	flaky := testutil.NewFlakyLedger(f.ledger, 2)

	_, err := f.service(flaky).RefillEnergy(ctx, trader, tk.ID, usdc, 10*Precision)
	require.True(t, errors.Is(err, apperr.ErrTransferFailed))
	require.True(t, errors.Is(err, testutil.ErrInjected))

	require.Equal(t, uint64(1_000_000_000_000), f.ledger.Balance(trader, usdc))
	require.Zero(t, f.ledger.Balance(platform, usdc))
	require.Zero(t, f.ledger.Balance(artist, usdc))

	unchanged, err := f.store.GetToken(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.Energy, unchanged.Energy)
	require.Equal(t, tk.Revision, unchanged.Revision)
	require.Equal(t, 3, flaky.Calls())
}

func TestService_SequentialRefillSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	tk := f.mint(t, royaltyRequest())

	res, err := f.service(testutil.NewFlakyLedger(f.ledger, 0)).RefillEnergy(ctx, trader, tk.ID, usdc, 10*Precision)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 3)
	require.Equal(t, uint64(85_000_000), f.ledger.Balance(owner, usdc))
}

// conflictingStore loses the first n token writes to a concurrent writer.
type conflictingStore struct {
	*memory.Store
	mu sync.Mutex
	n  int
}

func (s *conflictingStore) UpdateToken(ctx context.Context, t token.Token) (token.Token, error) {
	s.mu.Lock()
	lose := s.n > 0
	if lose {
		s.n--
	}
	s.mu.Unlock()
	if lose {
		return token.Token{}, storage.ErrConflict
	}
	return s.Store.UpdateToken(ctx, t)
}

func TestService_RefillConflictReversesPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	tk := f.mint(t, royaltyRequest())
	store := &conflictingStore{Store: f.store, n: 2}

	svc := New(store, f.ledger, f.nft, f.policy, nil, nil)
	res, err := svc.RefillEnergy(ctx, trader, tk.ID, usdc, 10*Precision)
	require.NoError(t, err)

	require.Equal(t, uint64(1_000_000_000_000)-res.Quote.Split.Paid, f.ledger.Balance(trader, usdc))
	require.Equal(t, res.Quote.Split.OwnerShare, f.ledger.Balance(owner, usdc))
}

func TestService_ChangeRefillCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	svc := f.service(f.ledger)
	tk := f.mint(t, tokens.MintRequest{RefillCap: 10, KRefill: 1})

	_, err := svc.ChangeRefillCapacity(ctx, stranger, tk.ID, 5, CapacityAdd)
	require.True(t, errors.Is(err, apperr.ErrNotCapacityAdmin))

	up, err := svc.ChangeRefillCapacity(ctx, owner, tk.ID, 5, CapacityAdd)
	require.NoError(t, err)
	require.Equal(t, uint64(15), up.RefillCap)

	down, err := svc.ChangeRefillCapacity(ctx, platform, tk.ID, 100, CapacitySubtract)
	require.NoError(t, err)
	require.Zero(t, down.RefillCap)

	_, err = svc.ChangeRefillCapacity(ctx, owner, tk.ID, 1, "multiply")
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestService_TimeTermOnlyInsideSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicy())
	svc := f.service(f.ledger)
	tk := f.mint(t, tokens.MintRequest{Energy: 50 * Precision, RefillCap: 50 * Precision, KRefill: 1, KTime: 1_000})

	f.lend(t, tk, trader, false)
	f.clock.Advance(10 * time.Minute)
	idle, usage, err := svc.UseEnergy(ctx, trader, tk.ID, 0, 0)
	require.NoError(t, err)
	require.Zero(t, usage.Time)

	f.lend(t, idle, trader, true)
	f.clock.Advance(10 * time.Minute)
	_, usage, err = svc.UseEnergy(ctx, trader, tk.ID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), usage.Time)
}
