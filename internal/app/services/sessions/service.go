// Package sessions runs the borrow and session state machine of access
// tokens: Free, Borrowed, Active, back to Borrowed and Free.
package sessions

import (
	"context"
	"strconv"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/app/core/service"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/metrics"
	"github.com/R3E-Network/strategy_layer/internal/app/services/energy"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// Service moves tokens through their lock states.
type Service struct {
	store  storage.Store
	policy config.Policy
	sink   events.Sink
	log    *logger.Logger
	now    func() time.Time
}

// New constructs a session service.
func New(store storage.Store, policy config.Policy, sink events.Sink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessions")
	}
	if sink == nil {
		sink = events.NoOpSink{}
	}
	return &Service{
		store:  store,
		policy: policy,
		sink:   sink,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Descriptor advertises the session operations.
func (s *Service) Descriptor() service.Descriptor {
	caps := []string{"borrow", "release"}
	if s.policy.Sessions {
		caps = append(caps, "start", "stop")
	}
	return service.Descriptor{
		Name:         "sessions",
		Domain:       "tokens",
		Layer:        service.LayerToken,
		Capabilities: caps,
		DependsOn:    []string{"tokens"},
	}
}

// Borrow lends a token held by caller. Under the fee_payee borrower mode the
// strategy fee payee always becomes the borrower and borrower is ignored.
func (s *Service) Borrow(ctx context.Context, caller, id, borrower chain.Address) (token.Token, error) {
	t, err := s.mutate(ctx, "borrow", id, func(t *token.Token) error {
		if t.Holder != caller {
			return apperr.ErrNotTokenOwner
		}
		if t.Lock.Borrowed {
			return apperr.ErrAlreadyBorrowed
		}
		to := borrower
		if s.policy.BorrowerMode == config.BorrowerFeePayee {
			st, err := s.store.GetStrategy(ctx, t.StrategyID)
			if err != nil {
				return service.StoreError(err, apperr.ErrStrategyNotFound)
			}
			to = st.FeePayee
		}
		if chain.IsZero(to) {
			return apperr.Wrap(apperr.ErrInvalidArgument, "borrower is required")
		}
		t.BorrowedBy = &to
		t.Lock = token.SessionLock{Borrowed: true}
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("borrower", chain.Hex(*t.BorrowedBy)).
		Info("token borrowed")
	events.NewEvent(events.EventTokenBorrowed).Strategy(t.StrategyID).Token(id).Actor(caller).
		Attr("borrower", chain.Hex(*t.BorrowedBy)).EmitTo(ctx, s.sink)
	return t, nil
}

// Release ends a borrow. Only the borrower may release, and not while a
// session is active.
func (s *Service) Release(ctx context.Context, caller, id chain.Address) (token.Token, error) {
	t, err := s.mutate(ctx, "release", id, func(t *token.Token) error {
		if !t.Lock.Borrowed {
			return apperr.ErrNotBorrowed
		}
		if !t.IsBorrowedBy(caller) {
			return apperr.ErrNotBorrower
		}
		if t.Lock.Active {
			return apperr.ErrActiveSession
		}
		t.BorrowedBy = nil
		t.Lock = token.SessionLock{}
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", chain.Hex(id)).Info("token released")
	events.NewEvent(events.EventTokenReleased).Strategy(t.StrategyID).Token(id).Actor(caller).EmitTo(ctx, s.sink)
	return t, nil
}

// Start opens a metered session. Time before the session is not billed.
func (s *Service) Start(ctx context.Context, caller, id chain.Address) (token.Token, error) {
	t, err := s.mutate(ctx, "start_session", id, func(t *token.Token) error {
		if err := s.checkBorrower(t, caller); err != nil {
			return err
		}
		if t.Lock.Active {
			return apperr.ErrActiveSession
		}
		t.Lock.Active = true
		t.LastUpdate = s.now()
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", chain.Hex(id)).Info("session started")
	events.NewEvent(events.EventSessionStarted).Strategy(t.StrategyID).Token(id).Actor(caller).EmitTo(ctx, s.sink)
	return t, nil
}

// Stop closes the session, billing the time elapsed since the last usage
// report before the meter stops.
func (s *Service) Stop(ctx context.Context, caller, id chain.Address) (token.Token, error) {
	var settled energy.Usage
	t, err := s.mutate(ctx, "stop_session", id, func(t *token.Token) error {
		if err := s.checkBorrower(t, caller); err != nil {
			return err
		}
		if !t.Lock.Active {
			return apperr.ErrSessionInactive
		}
		settled = energy.ApplyUsage(s.policy, t, 0, 0, s.now())
		t.Lock.Active = false
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	metrics.RecordEnergyUsed(settled.Total)
	s.log.WithField("token_id", chain.Hex(id)).
		WithField("settled", settled.Total).
		Info("session stopped")
	events.NewEvent(events.EventSessionStopped).Strategy(t.StrategyID).Token(id).Actor(caller).
		Attr("settled", strconv.FormatUint(settled.Total, 10)).
		Attr("energy", strconv.FormatUint(t.Energy, 10)).
		EmitTo(ctx, s.sink)
	return t, nil
}

func (s *Service) checkBorrower(t *token.Token, caller chain.Address) error {
	if !s.policy.Sessions {
		return apperr.ErrSessionsDisabled
	}
	if !t.Lock.Borrowed {
		return apperr.ErrNotBorrowed
	}
	if !t.IsBorrowedBy(caller) {
		return apperr.ErrNotBorrower
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, op string, id chain.Address, fn func(*token.Token) error) (t token.Token, err error) {
	defer func() { metrics.RecordOperation(op, err) }()
	return service.MutateToken(ctx, s.store, id, fn)
}
