package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/memory"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/pkg/testutil"
)

var (
	registrar = testutil.Addr("registrar")
	platform  = testutil.Addr("platform")
	alice     = testutil.Addr("alice")
	mallory   = testutil.Addr("mallory")
)

func newService(t *testing.T, policy config.Policy) (*Service, *testutil.RecordingSink, strategy.Strategy) {
	t.Helper()
	sink := testutil.NewRecordingSink()
	svc := New(memory.New(), policy, sink, nil)
	st, err := svc.CreateStrategy(context.Background(), registrar, "momentum", map[string]string{"version": "2"}, 100_000, platform)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return svc, sink, st
}

func TestService_CreateStrategy(t *testing.T) {
	svc, sink, st := newService(t, config.DefaultPolicy())

	require.Equal(t, chain.StrategyAddress(registrar, "momentum"), st.ID)
	require.Equal(t, registrar, st.Owner)
	require.Equal(t, uint64(100_000), st.FeeRate)
	require.Equal(t, "2", st.Version)
	require.Equal(t, []events.EventType{events.EventStrategyCreated}, sink.Types())

	_, err := svc.CreateStrategy(context.Background(), registrar, " momentum ", nil, 0, platform)
	require.True(t, errors.Is(err, apperr.ErrStrategyExists))
	require.Equal(t, apperr.KindAlreadyExists, apperr.KindOf(err))

	other, err := svc.CreateStrategy(context.Background(), alice, "momentum", nil, 0, platform)
	require.NoError(t, err)
	require.NotEqual(t, st.ID, other.ID)

	byName, err := svc.GetStrategyByName(context.Background(), registrar, "momentum")
	require.NoError(t, err)
	require.Equal(t, st.ID, byName.ID)

	all, err := svc.ListStrategies(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestService_CreateStrategyValidation(t *testing.T) {
	svc := New(memory.New(), config.DefaultPolicy(), nil, nil)

	_, err := svc.CreateStrategy(context.Background(), registrar, "  ", nil, 0, platform)
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = svc.CreateStrategy(context.Background(), registrar, "x", nil, strategy.FeeDenominator+1, platform)
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = svc.CreateStrategy(context.Background(), registrar, "x", nil, 0, chain.ZeroAddress)
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestService_FeeFloor(t *testing.T) {
	verbatim := New(memory.New(), config.DefaultPolicy(), nil, nil)
	st, err := verbatim.CreateStrategy(context.Background(), registrar, "a", nil, 10, platform)
	require.NoError(t, err)
	require.Equal(t, uint64(10), st.FeeRate)

	policy := config.DefaultPolicy()
	policy.MinFeeRate = 50_000
	clamped := New(memory.New(), policy, nil, nil)
	st, err = clamped.CreateStrategy(context.Background(), registrar, "a", nil, 10, platform)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), st.FeeRate)

	st, err = clamped.RequestFeeChange(context.Background(), platform, st.ID, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), *st.PendingFeeRate)
}

func TestService_OwnerOfferLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, sink, st := newService(t, config.DefaultPolicy())

	_, err := svc.OfferOwner(ctx, mallory, st.ID, alice)
	require.True(t, errors.Is(err, apperr.ErrNotOwner))

	st, err = svc.OfferOwner(ctx, registrar, st.ID, alice)
	require.NoError(t, err)
	require.Equal(t, alice, *st.PendingOwner)

	_, err = svc.OfferOwner(ctx, registrar, st.ID, mallory)
	require.True(t, errors.Is(err, apperr.ErrAlreadyOffered))
	require.Equal(t, apperr.KindAlreadyOffered, apperr.KindOf(err))

	_, err = svc.ClaimOwner(ctx, mallory, st.ID)
	require.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	st, err = svc.ClaimOwner(ctx, alice, st.ID)
	require.NoError(t, err)
	require.Equal(t, alice, st.Owner)
	require.Nil(t, st.PendingOwner)

	_, err = svc.ClaimOwner(ctx, alice, st.ID)
	require.True(t, errors.Is(err, apperr.ErrOfferNotFound))

	require.Equal(t, []events.EventType{
		events.EventStrategyCreated, events.EventOwnerOffered, events.EventOwnerClaimed,
	}, sink.Types())
}

func TestService_CancelTwiceFailsWithOfferNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newService(t, config.DefaultPolicy())

	_, err := svc.OfferOwner(ctx, registrar, st.ID, alice)
	require.NoError(t, err)

	_, err = svc.CancelOwnerOffer(ctx, mallory, st.ID)
	require.True(t, errors.Is(err, apperr.ErrNotOwner))

	st, err = svc.CancelOwnerOffer(ctx, registrar, st.ID)
	require.NoError(t, err)
	require.Nil(t, st.PendingOwner)

	_, err = svc.CancelOwnerOffer(ctx, registrar, st.ID)
	require.True(t, errors.Is(err, apperr.ErrOfferNotFound))
	require.Equal(t, apperr.KindOfferNotFound, apperr.KindOf(err))
}

func TestService_ClaimToZeroAddress(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newService(t, config.DefaultPolicy())

	_, err := svc.OfferOwner(ctx, registrar, st.ID, chain.ZeroAddress)
	require.NoError(t, err)

	for _, caller := range []chain.Address{mallory, alice, chain.ZeroAddress} {
		_, err = svc.ClaimOwner(ctx, caller, st.ID)
		require.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err), chain.Hex(caller))
	}
	unchanged, _ := svc.GetStrategy(ctx, st.ID)
	require.Equal(t, registrar, unchanged.Owner)
	require.NotNil(t, unchanged.PendingOwner)

	st, err = svc.ClaimOwner(ctx, registrar, st.ID)
	require.NoError(t, err)
	require.True(t, chain.IsZero(st.Owner))
	require.Nil(t, st.PendingOwner)
}

func TestService_FeeChangeProtocol(t *testing.T) {
	ctx := context.Background()
	svc, sink, st := newService(t, config.DefaultPolicy())

	_, err := svc.RequestFeeChange(ctx, registrar, st.ID, 200_000)
	require.True(t, errors.Is(err, apperr.ErrNotFeePayee))

	_, err = svc.ResolveFeeChange(ctx, registrar, st.ID, true)
	require.True(t, errors.Is(err, apperr.ErrChangeNotFound))

	_, err = svc.RequestFeeChange(ctx, platform, st.ID, 200_000)
	require.NoError(t, err)
	_, err = svc.RequestFeeChange(ctx, platform, st.ID, 300_000)
	require.True(t, errors.Is(err, apperr.ErrAlreadyRequested))

	_, err = svc.ResolveFeeChange(ctx, platform, st.ID, true)
	require.True(t, errors.Is(err, apperr.ErrNotOwner))

	st, err = svc.ResolveFeeChange(ctx, registrar, st.ID, false)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), st.FeeRate)
	require.Nil(t, st.PendingFeeRate)

	_, err = svc.RequestFeeChange(ctx, platform, st.ID, 200_000)
	require.NoError(t, err)
	st, err = svc.ResolveFeeChange(ctx, registrar, st.ID, true)
	require.NoError(t, err)
	require.Equal(t, uint64(200_000), st.FeeRate)
	require.Nil(t, st.PendingFeeRate)

	ev, ok := sink.Last(events.EventFeeChangeResolved)
	require.True(t, ok)
	require.Equal(t, "true", ev.Attributes["approved"])
	require.Equal(t, "200000", ev.Attributes["fee_rate"])
}

func TestService_PlatformAuthority(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newService(t, config.DefaultPolicy())

	_, err := svc.ChangePaymentAssets(ctx, registrar, st.ID, []ledger.AssetID{"USDC"})
	require.True(t, errors.Is(err, apperr.ErrNotFeePayee))

	st, err = svc.ChangePaymentAssets(ctx, platform, st.ID, []ledger.AssetID{"usdt", "USDC", " USDT", ""})
	require.NoError(t, err)
	require.Equal(t, []ledger.AssetID{"USDC", "USDT"}, st.PaymentAssets)
	require.True(t, st.AcceptsAsset("USDT"))
	require.True(t, st.AcceptsAsset("usdc"))
	require.False(t, st.AcceptsAsset("GAS"))

	_, err = svc.ChangeFeePayee(ctx, platform, st.ID, chain.ZeroAddress)
	require.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	reloaded, err := svc.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, platform, reloaded.FeePayee)

	st, err = svc.ChangeFeePayee(ctx, platform, st.ID, alice)
	require.NoError(t, err)
	require.Equal(t, alice, st.FeePayee)

	_, err = svc.ChangeFeePayee(ctx, platform, st.ID, platform)
	require.True(t, errors.Is(err, apperr.ErrNotFeePayee))
}

func TestService_UnknownStrategy(t *testing.T) {
	svc := New(memory.New(), config.DefaultPolicy(), nil, nil)
	missing := chain.StrategyAddress(registrar, "missing")

	_, err := svc.OfferOwner(context.Background(), registrar, missing, alice)
	require.True(t, errors.Is(err, apperr.ErrStrategyNotFound))
	_, err = svc.GetStrategy(context.Background(), missing)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_ConcurrentOffersHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newService(t, config.DefaultPolicy())

	const racers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		offered int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.OfferOwner(ctx, registrar, st.ID, testutil.Addr(fmt.Sprintf("candidate-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrAlreadyOffered):
				offered++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, offered)
}

func ExampleService_ClaimOwner() {
	ctx := context.Background()
	svc := New(memory.New(), config.DefaultPolicy(), nil, nil)
	owner := chain.ResolveRegistrarAddress("owner")
	next := chain.ResolveRegistrarAddress("next")

	st, _ := svc.CreateStrategy(ctx, owner, "grid", nil, 25_000, owner)
	_, _ = svc.OfferOwner(ctx, owner, st.ID, next)
	st, _ = svc.ClaimOwner(ctx, next, st.ID)

	fmt.Println(st.Owner == next, st.PendingOwner == nil)
	// Output: true true
}
