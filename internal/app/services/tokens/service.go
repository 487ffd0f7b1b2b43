// Package tokens mints, transfers and burns strategy access tokens.
package tokens

import (
	"context"
	"fmt"
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
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// MaxMintCount bounds a single mint call.
const MaxMintCount = 1000

// RoyaltyRate is a royalty fraction supplied at mint.
type RoyaltyRate struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

// MintRequest describes a batch of tokens to mint.
type MintRequest struct {
	StrategyID  chain.Address
	Count       uint64
	Energy      uint64
	RefillCap   uint64
	KRefill     uint64
	KProfit     uint64
	KVolume     uint64
	KTime       uint64
	CompanyCode string
	Mode        token.Mode
	Role        token.Role

	// Royalty terms are attached only when both are set.
	RoyaltyPayee *chain.Address
	RoyaltyRate  *RoyaltyRate
}

// Service manages the token lifecycle.
type Service struct {
	store       storage.Store
	collections nft.Collections
	policy      config.Policy
	sink        events.Sink
	log         *logger.Logger
	now         func() time.Time
}

// New constructs a token service. collections may be nil when no metadata
// collaborator is configured.
func New(store storage.Store, collections nft.Collections, policy config.Policy, sink events.Sink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	if sink == nil {
		sink = events.NoOpSink{}
	}
	return &Service{
		store:       store,
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

// Descriptor advertises the token operations.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "tokens",
		Domain:       "tokens",
		Layer:        service.LayerToken,
		Capabilities: []string{"mint", "transfer", "burn"},
	}
}

func (s *Service) validateMint(req *MintRequest) (*nft.Royalty, error) {
	if req.Count == 0 || req.Count > MaxMintCount {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "count must be between 1 and %d", MaxMintCount)
	}
	if req.Energy > s.policy.EnergyMax {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "energy %d exceeds maximum %d", req.Energy, s.policy.EnergyMax)
	}
	if s.policy.Pricing == config.PricingSplit && (req.KRefill == 0 || req.KRefill > strategy.FeeDenominator) {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "k_refill must be between 1 and %d", strategy.FeeDenominator)
	}
	switch req.Mode {
	case "":
		req.Mode = token.ModeSimulation
	case token.ModeSimulation, token.ModeExchange:
	default:
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "unknown mode %q", req.Mode)
	}
	switch req.Role {
	case "":
		req.Role = token.RoleIndividual
	case token.RoleIndividual, token.RoleCompany:
	default:
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "unknown role %q", req.Role)
	}
	if req.RoyaltyPayee == nil || req.RoyaltyRate == nil {
		return nil, nil
	}
	royalty := &nft.Royalty{
		Payee:       *req.RoyaltyPayee,
		Numerator:   req.RoyaltyRate.Numerator,
		Denominator: req.RoyaltyRate.Denominator,
	}
	if err := royalty.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidArgument, "%v", err)
	}
	return royalty, nil
}

// Mint creates req.Count tokens held by caller. Only the strategy owner may
// mint. The minted counter and the new tokens are committed together.
func (s *Service) Mint(ctx context.Context, caller chain.Address, req MintRequest) (minted []token.Token, err error) {
	defer func() { metrics.RecordOperation("mint", err) }()

	royalty, err := s.validateMint(&req)
	if err != nil {
		return nil, err
	}

	var (
		st        strategy.Strategy
		firstMint bool
	)
	err = service.Retry(ctx, func(ctx context.Context) error {
		current, err := s.store.GetStrategy(ctx, req.StrategyID)
		if err != nil {
			return service.StoreError(err, apperr.ErrStrategyNotFound)
		}
		if current.Owner != caller {
			return apperr.ErrNotOwner
		}

		now := s.now()
		batch := make([]token.Token, 0, req.Count)
		for i := uint64(1); i <= req.Count; i++ {
			seq := current.TokensMinted + i
			t := token.Token{
				ID:          chain.TokenAddress(current.ID, current.Name, seq),
				StrategyID:  current.ID,
				Name:        current.Name,
				Sequence:    seq,
				Holder:      caller,
				CompanyCode: req.CompanyCode,
				Mode:        req.Mode,
				Role:        req.Role,
				Energy:      req.Energy,
				RefillCap:   req.RefillCap,
				LastUpdate:  now,
				KRefill:     req.KRefill,
				KProfit:     req.KProfit,
				KVolume:     req.KVolume,
				KTime:       req.KTime,
			}
			if royalty != nil {
				r := *royalty
				t.Royalty = &r
			}
			batch = append(batch, t)
		}

		firstMint = current.TokensMinted == 0
		current.TokensMinted += req.Count
		updated, created, err := s.store.MintTokens(ctx, current, batch)
		if err != nil {
			return err
		}
		st, minted = updated, created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordMetadata(ctx, st, minted, firstMint)

	s.log.WithField("strategy_id", chain.Hex(st.ID)).
		WithField("count", len(minted)).
		WithField("tokens_minted", st.TokensMinted).
		Info("tokens minted")
	for _, t := range minted {
		events.NewEvent(events.EventTokenMinted).Strategy(st.ID).Token(t.ID).Actor(caller).
			Attr("sequence", strconv.FormatUint(t.Sequence, 10)).
			Attr("energy", strconv.FormatUint(t.Energy, 10)).
			EmitTo(ctx, s.sink)
	}
	return minted, nil
}

// recordMetadata mirrors minted tokens into the metadata collaborator. The
// store is the source of truth, so failures are logged and not returned;
// both calls are idempotent and may be replayed.
func (s *Service) recordMetadata(ctx context.Context, st strategy.Strategy, minted []token.Token, firstMint bool) {
	if s.collections == nil {
		return
	}
	if firstMint {
		err := s.collections.CreateCollection(ctx, nft.Collection{
			Creator:     st.ID,
			Name:        st.Name,
			Description: st.Metadata["description"],
			URI:         st.Metadata["uri"],
			Standard:    nft.StandardNEP11,
		})
		if err != nil {
			s.log.WithField("strategy_id", chain.Hex(st.ID)).WithError(err).Warn("create collection failed")
			return
		}
	}
	for _, t := range minted {
		err := s.collections.CreateNamedToken(ctx, nft.NamedToken{
			ID:         t.ID,
			Creator:    st.ID,
			Collection: st.Name,
			Name:       fmt.Sprintf("%s #%d", st.Name, t.Sequence),
			Royalty:    t.Royalty,
			Properties: map[string]string{
				"mode":         string(t.Mode),
				"role":         string(t.Role),
				"company_code": t.CompanyCode,
			},
		})
		if err != nil {
			s.log.WithField("token_id", chain.Hex(t.ID)).WithError(err).Warn("create named token failed")
		}
	}
}

// Transfer moves a token to a new holder. Borrowed tokens are locked.
func (s *Service) Transfer(ctx context.Context, caller, id, to chain.Address) (token.Token, error) {
	if chain.IsZero(to) {
		return token.Token{}, apperr.Wrap(apperr.ErrInvalidArgument, "recipient must not be the zero address")
	}
	t, err := s.mutate(ctx, "transfer", id, func(t *token.Token) error {
		if t.Holder != caller {
			return apperr.ErrNotTokenOwner
		}
		if t.Lock.Borrowed || t.Lock.Active {
			return apperr.ErrInLockup
		}
		t.Holder = to
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("to", chain.Hex(to)).
		Info("token transferred")
	events.NewEvent(events.EventTokenTransferred).Strategy(t.StrategyID).Token(id).Actor(caller).
		Attr("from", chain.Hex(caller)).
		Attr("to", chain.Hex(to)).
		EmitTo(ctx, s.sink)
	return t, nil
}

// Burn destroys a token together with its lock state.
func (s *Service) Burn(ctx context.Context, caller, id chain.Address) (err error) {
	defer func() { metrics.RecordOperation("burn", err) }()

	var burned token.Token
	err = service.Retry(ctx, func(ctx context.Context) error {
		t, err := s.store.GetToken(ctx, id)
		if err != nil {
			return service.StoreError(err, apperr.ErrTokenNotFound)
		}
		if t.Holder != caller {
			return apperr.ErrNotTokenOwner
		}
		if t.Lock.Borrowed {
			return apperr.ErrBorrowed
		}
		if err := s.store.DeleteToken(ctx, t); err != nil {
			return service.StoreError(err, apperr.ErrTokenNotFound)
		}
		burned = t
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("token_id", chain.Hex(id)).Info("token burned")
	events.NewEvent(events.EventTokenBurned).Strategy(burned.StrategyID).Token(id).Actor(caller).EmitTo(ctx, s.sink)
	return nil
}

// GetToken fetches a token by ID.
func (s *Service) GetToken(ctx context.Context, id chain.Address) (token.Token, error) {
	t, err := s.store.GetToken(ctx, id)
	return t, service.StoreError(err, apperr.ErrTokenNotFound)
}

// ListTokens returns the tokens of a strategy ordered by sequence.
func (s *Service) ListTokens(ctx context.Context, strategyID chain.Address) ([]token.Token, error) {
	if _, err := s.store.GetStrategy(ctx, strategyID); err != nil {
		return nil, service.StoreError(err, apperr.ErrStrategyNotFound)
	}
	return s.store.ListTokens(ctx, strategyID)
}

// ListHeld returns the tokens held by holder.
func (s *Service) ListHeld(ctx context.Context, holder chain.Address) ([]token.Token, error) {
	return s.store.ListTokensByHolder(ctx, holder)
}

func (s *Service) mutate(ctx context.Context, op string, id chain.Address, fn func(*token.Token) error) (t token.Token, err error) {
	defer func() { metrics.RecordOperation(op, err) }()
	return service.MutateToken(ctx, s.store, id, fn)
}
