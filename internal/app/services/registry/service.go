// Package registry owns strategy records and their two-phase owner and fee
// protocols.
package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/R3E-Network/strategy_layer/internal/app/core/service"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/metrics"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// Service manages strategy registration and ownership.
type Service struct {
	store  storage.StrategyStore
	policy config.Policy
	sink   events.Sink
	log    *logger.Logger
}

// New constructs a registry service.
func New(store storage.StrategyStore, policy config.Policy, sink events.Sink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	if sink == nil {
		sink = events.NoOpSink{}
	}
	return &Service{store: store, policy: policy, sink: sink, log: log}
}

// Descriptor advertises the registry operations.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:   "registry",
		Domain: "strategies",
		Layer:  service.LayerRegistry,
		Capabilities: []string{
			"create", "offer-owner", "cancel-owner-offer", "claim-owner",
			"request-fee-change", "resolve-fee-change", "payment-assets", "fee-payee",
		},
	}
}

// CreateStrategy registers name under registrar. The strategy ID is derived
// from both, so a second registration of the same name fails. The registrar
// becomes the first owner.
func (s *Service) CreateStrategy(ctx context.Context, registrar chain.Address, name string, metadata map[string]string, feeRate uint64, feePayee chain.Address) (st strategy.Strategy, err error) {
	defer func() { metrics.RecordOperation("create_strategy", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return strategy.Strategy{}, apperr.Wrap(apperr.ErrInvalidArgument, "name is required")
	}
	if feeRate > strategy.FeeDenominator {
		return strategy.Strategy{}, apperr.Wrap(apperr.ErrInvalidArgument, "fee rate %d exceeds %d", feeRate, strategy.FeeDenominator)
	}
	if chain.IsZero(feePayee) {
		return strategy.Strategy{}, apperr.Wrap(apperr.ErrInvalidArgument, "fee payee is required")
	}
	if feeRate < s.policy.MinFeeRate {
		feeRate = s.policy.MinFeeRate
	}

	version := strings.TrimSpace(metadata["version"])
	if version == "" {
		version = "1"
	}

	st, err = s.store.CreateStrategy(ctx, strategy.Strategy{
		ID:        chain.StrategyAddress(registrar, name),
		Registrar: registrar,
		Name:      name,
		Version:   version,
		Metadata:  metadata,
		FeeRate:   feeRate,
		FeePayee:  feePayee,
		Owner:     registrar,
	})
	if errors.Is(err, storage.ErrExists) {
		return strategy.Strategy{}, apperr.Wrap(apperr.ErrStrategyExists, "%q under %s", name, chain.Hex(registrar))
	}
	if err != nil {
		return strategy.Strategy{}, err
	}

	s.log.WithField("strategy_id", chain.Hex(st.ID)).
		WithField("name", st.Name).
		WithField("fee_rate", st.FeeRate).
		Info("strategy created")
	events.NewEvent(events.EventStrategyCreated).
		Strategy(st.ID).
		Actor(registrar).
		Attr("name", st.Name).
		Attr("fee_rate", strconv.FormatUint(st.FeeRate, 10)).
		Attr("fee_payee", chain.Hex(st.FeePayee)).
		EmitTo(ctx, s.sink)
	return st, nil
}

// OfferOwner opens an ownership offer to newOwner. Offering to the zero
// address proposes revoking ownership.
func (s *Service) OfferOwner(ctx context.Context, caller, id, newOwner chain.Address) (strategy.Strategy, error) {
	st, err := s.mutate(ctx, "offer_owner", id, func(st *strategy.Strategy) error {
		if st.Owner != caller {
			return apperr.ErrNotOwner
		}
		if st.PendingOwner != nil {
			return apperr.ErrAlreadyOffered
		}
		pending := newOwner
		st.PendingOwner = &pending
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("pending_owner", chain.Hex(newOwner)).
		Info("owner offered")
	events.NewEvent(events.EventOwnerOffered).Strategy(id).Actor(caller).
		Attr("pending_owner", chain.Hex(newOwner)).EmitTo(ctx, s.sink)
	return st, nil
}

// CancelOwnerOffer withdraws the pending ownership offer.
func (s *Service) CancelOwnerOffer(ctx context.Context, caller, id chain.Address) (strategy.Strategy, error) {
	st, err := s.mutate(ctx, "cancel_owner_offer", id, func(st *strategy.Strategy) error {
		if st.Owner != caller {
			return apperr.ErrNotOwner
		}
		if st.PendingOwner == nil {
			return apperr.ErrOfferNotFound
		}
		st.PendingOwner = nil
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).Info("owner offer cancelled")
	events.NewEvent(events.EventOwnerOfferCancelled).Strategy(id).Actor(caller).EmitTo(ctx, s.sink)
	return st, nil
}

// ClaimOwner completes a pending offer. A real address must claim for
// itself; a revocation to the zero address is finalized by the current owner.
func (s *Service) ClaimOwner(ctx context.Context, caller, id chain.Address) (strategy.Strategy, error) {
	var previous chain.Address
	st, err := s.mutate(ctx, "claim_owner", id, func(st *strategy.Strategy) error {
		if st.PendingOwner == nil {
			return apperr.ErrOfferNotFound
		}
		pending := *st.PendingOwner
		if chain.IsZero(pending) {
			if caller != st.Owner {
				return apperr.ErrNotOwner
			}
		} else if caller != pending {
			return apperr.ErrNotPendingOwner
		}
		previous = st.Owner
		st.Owner = pending
		st.PendingOwner = nil
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("previous_owner", chain.Hex(previous)).
		WithField("owner", chain.Hex(st.Owner)).
		Info("owner claimed")
	events.NewEvent(events.EventOwnerClaimed).Strategy(id).Actor(caller).
		Attr("previous_owner", chain.Hex(previous)).
		Attr("owner", chain.Hex(st.Owner)).EmitTo(ctx, s.sink)
	return st, nil
}

// RequestFeeChange lets the fee payee propose a new fee rate. The policy
// floor applies to the proposal.
func (s *Service) RequestFeeChange(ctx context.Context, caller, id chain.Address, newFee uint64) (strategy.Strategy, error) {
	if newFee > strategy.FeeDenominator {
		err := apperr.Wrap(apperr.ErrInvalidArgument, "fee rate %d exceeds %d", newFee, strategy.FeeDenominator)
		metrics.RecordOperation("request_fee_change", err)
		return strategy.Strategy{}, err
	}
	if newFee < s.policy.MinFeeRate {
		newFee = s.policy.MinFeeRate
	}
	st, err := s.mutate(ctx, "request_fee_change", id, func(st *strategy.Strategy) error {
		if st.FeePayee != caller {
			return apperr.ErrNotFeePayee
		}
		if st.PendingFeeRate != nil {
			return apperr.ErrAlreadyRequested
		}
		fee := newFee
		st.PendingFeeRate = &fee
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("pending_fee_rate", newFee).
		Info("fee change requested")
	events.NewEvent(events.EventFeeChangeRequested).Strategy(id).Actor(caller).
		Attr("fee_rate", strconv.FormatUint(newFee, 10)).EmitTo(ctx, s.sink)
	return st, nil
}

// ResolveFeeChange lets the owner approve or reject the pending fee rate.
// Either way the pending slot is cleared.
func (s *Service) ResolveFeeChange(ctx context.Context, caller, id chain.Address, approve bool) (strategy.Strategy, error) {
	var proposed uint64
	st, err := s.mutate(ctx, "resolve_fee_change", id, func(st *strategy.Strategy) error {
		if st.Owner != caller {
			return apperr.ErrNotOwner
		}
		if st.PendingFeeRate == nil {
			return apperr.ErrChangeNotFound
		}
		proposed = *st.PendingFeeRate
		if approve {
			st.FeeRate = proposed
		}
		st.PendingFeeRate = nil
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("approved", approve).
		WithField("fee_rate", st.FeeRate).
		Info("fee change resolved")
	events.NewEvent(events.EventFeeChangeResolved).Strategy(id).Actor(caller).
		Attr("approved", strconv.FormatBool(approve)).
		Attr("proposed_fee_rate", strconv.FormatUint(proposed, 10)).
		Attr("fee_rate", strconv.FormatUint(st.FeeRate, 10)).EmitTo(ctx, s.sink)
	return st, nil
}

// ChangePaymentAssets replaces the accepted payment assets.
func (s *Service) ChangePaymentAssets(ctx context.Context, caller, id chain.Address, assets []ledger.AssetID) (strategy.Strategy, error) {
	normalized := strategy.NormalizeAssets(assets)
	st, err := s.mutate(ctx, "change_payment_assets", id, func(st *strategy.Strategy) error {
		if st.FeePayee != caller {
			return apperr.ErrNotFeePayee
		}
		st.PaymentAssets = normalized
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	names := make([]string, len(normalized))
	for i, a := range normalized {
		names[i] = string(a)
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("assets", names).
		Info("payment assets changed")
	events.NewEvent(events.EventPaymentAssetsChanged).Strategy(id).Actor(caller).
		Attr("assets", strings.Join(names, ",")).EmitTo(ctx, s.sink)
	return st, nil
}

// ChangeFeePayee hands platform authority to payee.
func (s *Service) ChangeFeePayee(ctx context.Context, caller, id, payee chain.Address) (strategy.Strategy, error) {
	if chain.IsZero(payee) {
		return strategy.Strategy{}, apperr.Wrap(apperr.ErrInvalidArgument, "fee payee must not be the zero address")
	}
	st, err := s.mutate(ctx, "change_fee_payee", id, func(st *strategy.Strategy) error {
		if st.FeePayee != caller {
			return apperr.ErrNotFeePayee
		}
		st.FeePayee = payee
		return nil
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.log.WithField("strategy_id", chain.Hex(id)).
		WithField("fee_payee", chain.Hex(payee)).
		Info("fee payee changed")
	events.NewEvent(events.EventFeePayeeChanged).Strategy(id).Actor(caller).
		Attr("fee_payee", chain.Hex(payee)).EmitTo(ctx, s.sink)
	return st, nil
}

// GetStrategy fetches a strategy by ID.
func (s *Service) GetStrategy(ctx context.Context, id chain.Address) (strategy.Strategy, error) {
	st, err := s.store.GetStrategy(ctx, id)
	return st, service.StoreError(err, apperr.ErrStrategyNotFound)
}

// GetStrategyByName resolves name under registrar.
func (s *Service) GetStrategyByName(ctx context.Context, registrar chain.Address, name string) (strategy.Strategy, error) {
	return s.GetStrategy(ctx, chain.StrategyAddress(registrar, strings.TrimSpace(name)))
}

// ListStrategies returns every strategy ordered by name.
func (s *Service) ListStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	return s.store.ListStrategies(ctx)
}

// mutate runs fn against a fresh copy of the strategy and writes it back
// with compare-and-swap, retrying when another writer got there first.
func (s *Service) mutate(ctx context.Context, op string, id chain.Address, fn func(*strategy.Strategy) error) (st strategy.Strategy, err error) {
	defer func() { metrics.RecordOperation(op, err) }()
	return service.MutateStrategy(ctx, s.store, id, fn)
}
