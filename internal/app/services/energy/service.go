// Package energy meters access-token usage and sells energy refills.
package energy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/app/core/service"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/metrics"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// Leg labels carried in ledger.Leg.Memo.
const (
	LegPlatform = "platform"
	LegRoyalty  = "royalty"
	LegOwner    = "owner"
)

// CapacityOp selects how ChangeRefillCapacity applies its amount.
type CapacityOp string

const (
	CapacityAdd      CapacityOp = "add"
	CapacitySubtract CapacityOp = "subtract"
)

// Quote is the priced breakdown of a refill.
type Quote struct {
	TokenID   chain.Address  `json:"token_id"`
	Asset     ledger.AssetID `json:"asset"`
	Requested uint64         `json:"requested"`
	Grant     uint64         `json:"grant"`
	Split     Split          `json:"split"`
	Legs      []ledger.Leg   `json:"legs"`
}

// RefillResult is the outcome of a settled refill.
type RefillResult struct {
	Token    token.Token      `json:"token"`
	Quote    Quote            `json:"quote"`
	Receipts []ledger.Receipt `json:"receipts"`
}

// Service runs usage metering and refills against the token store.
type Service struct {
	store       storage.Store
	ledger      ledger.Ledger
	collections nft.Collections
	policy      config.Policy
	sink        events.Sink
	log         *logger.Logger
	now         func() time.Time
}

// New constructs the energy engine. collections may be nil, in which case
// royalties come from the token record alone.
func New(store storage.Store, led ledger.Ledger, collections nft.Collections, policy config.Policy, sink events.Sink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("energy")
	}
	if sink == nil {
		sink = events.NoOpSink{}
	}
	return &Service{
		store:       store,
		ledger:      led,
		collections: collections,
		policy:      policy,
		sink:        sink,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the policy the engine runs under.
func (s *Service) Policy() config.Policy {
	return s.policy
}

// Descriptor advertises the energy operations.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "energy",
		Domain:       "tokens",
		Layer:        service.LayerEngine,
		Capabilities: []string{"use", "refill", "quote", "refill-capacity"},
		DependsOn:    []string{"tokens", "ledger"},
	}
}

// UseEnergy debits a usage report from a borrowed token. Only the borrower
// may report usage.
func (s *Service) UseEnergy(ctx context.Context, caller, id chain.Address, profit, volume uint64) (token.Token, Usage, error) {
	var usage Usage
	t, err := s.mutate(ctx, "use_energy", id, func(t *token.Token) error {
		if !t.Lock.Borrowed {
			return apperr.ErrNotBorrowed
		}
		if !t.IsBorrowedBy(caller) {
			return apperr.ErrNotBorrower
		}
		usage = ApplyUsage(s.policy, t, profit, volume, s.now())
		return nil
	})
	if err != nil {
		return token.Token{}, Usage{}, err
	}

	metrics.RecordEnergyUsed(usage.Total)
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("used", usage.Total).
		WithField("energy", t.Energy).
		Debug("energy used")
	events.NewEvent(events.EventEnergyUsed).Strategy(t.StrategyID).Token(id).Actor(caller).
		Attr("profit", strconv.FormatUint(profit, 10)).
		Attr("volume", strconv.FormatUint(volume, 10)).
		Attr("used", strconv.FormatUint(usage.Total, 10)).
		Attr("energy", strconv.FormatUint(t.Energy, 10)).
		EmitTo(ctx, s.sink)
	return t, usage, nil
}

// QuoteRefill prices a refill without settling it.
func (s *Service) QuoteRefill(ctx context.Context, id chain.Address, asset ledger.AssetID, amount uint64) (Quote, error) {
	t, err := s.store.GetToken(ctx, id)
	if err != nil {
		return Quote{}, service.StoreError(err, apperr.ErrTokenNotFound)
	}
	st, err := s.store.GetStrategy(ctx, t.StrategyID)
	if err != nil {
		return Quote{}, service.StoreError(err, apperr.ErrStrategyNotFound)
	}
	return s.quote(ctx, st, t, chain.ZeroAddress, asset, amount)
}

// RefillEnergy sells energy to caller. The payment legs settle before the
// token is written; if the write cannot commit they are reversed.
func (s *Service) RefillEnergy(ctx context.Context, caller, id chain.Address, asset ledger.AssetID, amount uint64) (res RefillResult, err error) {
	defer func() { metrics.RecordOperation("refill_energy", err) }()

	asset = ledger.Normalize(string(asset))
	err = service.Retry(ctx, func(ctx context.Context) error {
		t, err := s.store.GetToken(ctx, id)
		if err != nil {
			return service.StoreError(err, apperr.ErrTokenNotFound)
		}
		st, err := s.store.GetStrategy(ctx, t.StrategyID)
		if err != nil {
			return service.StoreError(err, apperr.ErrStrategyNotFound)
		}
		q, err := s.quote(ctx, st, t, caller, asset, amount)
		if err != nil {
			return err
		}

		receipts, err := s.settle(ctx, q.Legs)
		if err != nil {
			return err
		}
		t.Energy += q.Grant
		updated, err := s.store.UpdateToken(ctx, t)
		if err != nil {
			if rerr := s.reverse(ctx, q.Legs); rerr != nil {
				s.log.WithField("token_id", chain.Hex(id)).WithError(rerr).Error("refill compensation failed")
				return apperr.WithCause(apperr.ErrTransferFailed, rerr)
			}
			return service.StoreError(err, apperr.ErrTokenNotFound)
		}
		res = RefillResult{Token: updated, Quote: q, Receipts: receipts}
		return nil
	})
	if err != nil {
		return RefillResult{}, err
	}

	metrics.RecordEnergyGranted(res.Quote.Grant)
	for _, leg := range res.Quote.Legs {
		metrics.RecordRefillPayment(leg.Memo, string(leg.Asset), leg.Amount)
	}
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("asset", asset).
		WithField("grant", res.Quote.Grant).
		WithField("paid", res.Quote.Split.Paid).
		Info("energy refilled")
	events.NewEvent(events.EventEnergyRefilled).Strategy(res.Token.StrategyID).Token(id).Actor(caller).
		Attr("asset", string(asset)).
		Attr("grant", strconv.FormatUint(res.Quote.Grant, 10)).
		Attr("paid", strconv.FormatUint(res.Quote.Split.Paid, 10)).
		Attr("energy", strconv.FormatUint(res.Token.Energy, 10)).
		EmitTo(ctx, s.sink)
	return res, nil
}

// ChangeRefillCapacity adjusts a token's refill capacity. The strategy owner
// and fee payee may both do this. Results saturate at the uint64 bounds.
func (s *Service) ChangeRefillCapacity(ctx context.Context, caller, id chain.Address, amount uint64, op CapacityOp) (token.Token, error) {
	if op != CapacityAdd && op != CapacitySubtract {
		err := apperr.Wrap(apperr.ErrInvalidArgument, "unknown capacity op %q", op)
		metrics.RecordOperation("change_refill_capacity", err)
		return token.Token{}, err
	}
	t, err := s.mutate(ctx, "change_refill_capacity", id, func(t *token.Token) error {
		st, err := s.store.GetStrategy(ctx, t.StrategyID)
		if err != nil {
			return service.StoreError(err, apperr.ErrStrategyNotFound)
		}
		if caller != st.Owner && caller != st.FeePayee {
			return apperr.ErrNotCapacityAdmin
		}
		if op == CapacityAdd {
			t.RefillCap = satAdd(t.RefillCap, amount)
		} else {
			t.RefillCap = satSub(t.RefillCap, amount)
		}
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("op", op).
		WithField("refill_cap", t.RefillCap).
		Info("refill capacity changed")
	events.NewEvent(events.EventRefillCapacityChanged).Strategy(t.StrategyID).Token(id).Actor(caller).
		Attr("op", string(op)).
		Attr("amount", strconv.FormatUint(amount, 10)).
		Attr("refill_cap", strconv.FormatUint(t.RefillCap, 10)).
		EmitTo(ctx, s.sink)
	return t, nil
}

func (s *Service) quote(ctx context.Context, st strategy.Strategy, t token.Token, payer chain.Address, asset ledger.AssetID, amount uint64) (Quote, error) {
	asset = ledger.Normalize(string(asset))
	if !st.AcceptsAsset(asset) {
		return Quote{}, apperr.Wrap(apperr.ErrUnsupportedAsset, "%s", asset)
	}
	if s.policy.TrackCapacity && t.RefillCap == 0 {
		return Quote{}, apperr.ErrRefillCapExhausted
	}
	q := Quote{TokenID: t.ID, Asset: asset, Requested: amount}
	q.Grant = Grant(s.policy.EnergyMax, t.Energy, amount)
	if q.Grant == 0 {
		return Quote{}, apperr.ErrEnergyFull
	}

	decimals, err := s.ledger.Decimals(ctx, asset)
	if errors.Is(err, ledger.ErrUnknownAsset) {
		return Quote{}, apperr.WithCause(apperr.ErrUnsupportedAsset, err)
	}
	if err != nil {
		return Quote{}, err
	}

	switch s.policy.Pricing {
	case config.PricingSimple:
		price, ok := checkedMul(t.KRefill, q.Grant)
		if !ok {
			return Quote{}, apperr.Wrap(apperr.ErrInvalidArgument, "refill price overflows")
		}
		q.Split = Split{Paid: price, OwnerShare: price}
	default:
		if decimals > MaxAssetDecimals {
			return Quote{}, apperr.Wrap(apperr.ErrUnsupportedAsset, "%s has %d decimals", asset, decimals)
		}
		if t.KRefill == 0 || t.KRefill > InternalDenom {
			return Quote{}, apperr.Wrap(apperr.ErrRefillUnpriced, "k_refill %d", t.KRefill)
		}
		var (
			num, den uint64
			payee    chain.Address
		)
		if s.policy.RoyaltySplit {
			r, err := s.royalty(ctx, t)
			if err != nil {
				return Quote{}, err
			}
			if r != nil {
				num, den, payee = r.Numerator, r.Denominator, r.Payee
			}
		}
		q.Split = SplitPrice(q.Grant, t.KRefill, decimals, st.FeeRate, num, den)
		q.Legs = appendLeg(q.Legs, payer, st.FeePayee, asset, q.Split.PlatformCut, LegPlatform)
		q.Legs = appendLeg(q.Legs, payer, payee, asset, q.Split.RoyaltyCut, LegRoyalty)
	}
	q.Legs = appendLeg(q.Legs, payer, st.Owner, asset, q.Split.OwnerShare, LegOwner)
	return q, nil
}

func appendLeg(legs []ledger.Leg, from, to chain.Address, asset ledger.AssetID, amount uint64, label string) []ledger.Leg {
	if amount == 0 {
		return legs
	}
	return append(legs, ledger.Leg{From: from, To: to, Asset: asset, Amount: amount, Memo: label})
}

// royalty prefers the metadata collaborator and falls back to the royalty
// recorded on the token when the collaborator has no record of it.
func (s *Service) royalty(ctx context.Context, t token.Token) (*nft.Royalty, error) {
	if s.collections == nil {
		return t.Royalty, nil
	}
	r, err := s.collections.TokenRoyalty(ctx, t.ID)
	if errors.Is(err, nft.ErrNotFound) {
		return t.Royalty, nil
	}
	if err != nil {
		return nil, apperr.WithCause(apperr.ErrInternal, err)
	}
	if r != nil && r.Validate() != nil {
		return nil, nil
	}
	return r, nil
}

// settle commits legs through the ledger, atomically when it can batch and
// otherwise one by one, undoing the committed prefix on failure.
func (s *Service) settle(ctx context.Context, legs []ledger.Leg) ([]ledger.Receipt, error) {
	if len(legs) == 0 {
		return nil, nil
	}
	if b, ok := s.ledger.(ledger.Batcher); ok {
		receipts, err := b.TransferBatch(ctx, legs)
		if err != nil {
			return nil, apperr.WithCause(apperr.ErrTransferFailed, err)
		}
		return receipts, nil
	}

	receipts := make([]ledger.Receipt, 0, len(legs))
	for i, leg := range legs {
		rc, err := s.ledger.Transfer(ctx, leg.From, leg.To, leg.Asset, leg.Amount)
		if err != nil {
			if rerr := s.reverse(ctx, legs[:i]); rerr != nil {
				s.log.WithError(rerr).Error("refill compensation failed")
			}
			return nil, apperr.WithCause(apperr.ErrTransferFailed, err)
		}
		receipts = append(receipts, rc)
	}
	return receipts, nil
}

// reverse pays back committed legs in reverse order. It ignores caller
// cancellation so a half-settled refill is never left behind.
func (s *Service) reverse(ctx context.Context, legs []ledger.Leg) error {
	if len(legs) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	back := make([]ledger.Leg, 0, len(legs))
	for i := len(legs) - 1; i >= 0; i-- {
		leg := legs[i]
		leg.From, leg.To = leg.To, leg.From
		leg.Memo = "reverse:" + leg.Memo
		back = append(back, leg)
	}
	if b, ok := s.ledger.(ledger.Batcher); ok {
		_, err := b.TransferBatch(ctx, back)
		return err
	}
	var errs []error
	for _, leg := range back {
		if _, err := s.ledger.Transfer(ctx, leg.From, leg.To, leg.Asset, leg.Amount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) mutate(ctx context.Context, op string, id chain.Address, fn func(*token.Token) error) (t token.Token, err error) {
	defer func() { metrics.RecordOperation(op, err) }()
	return service.MutateToken(ctx, s.store, id, fn)
}
