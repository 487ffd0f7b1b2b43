package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu         sync.RWMutex
	strategies map[chain.Address]strategy.Strategy
	tokens     map[chain.Address]token.Token
	now        func() time.Time
}

var _ storage.StrategyStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		strategies: make(map[chain.Address]strategy.Strategy),
		tokens:     make(map[chain.Address]token.Token),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StrategyStore implementation ------------------------------------------------

func (s *Store) CreateStrategy(_ context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.strategies[st.ID]; exists {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(st.ID), storage.ErrExists)
	}

	now := s.now()
	st.CreatedAt = now
	st.UpdatedAt = now
	st.Revision = 1

	s.strategies[st.ID] = st.Clone()
	return st.Clone(), nil
}

func (s *Store) UpdateStrategy(_ context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.casStrategyLocked(st)
	if err != nil {
		return strategy.Strategy{}, err
	}
	s.strategies[st.ID] = updated
	return updated.Clone(), nil
}

func (s *Store) GetStrategy(_ context.Context, id chain.Address) (strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(id), storage.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *Store) ListStrategies(_ context.Context) ([]strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]strategy.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

// TokenStore implementation ---------------------------------------------------

func (s *Store) MintTokens(_ context.Context, st strategy.Strategy, tokens []token.Token) (strategy.Strategy, []token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.casStrategyLocked(st)
	if err != nil {
		return strategy.Strategy{}, nil, err
	}
	for _, t := range tokens {
		if _, exists := s.tokens[t.ID]; exists {
			return strategy.Strategy{}, nil, fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrExists)
		}
	}

	now := s.now()
	out := make([]token.Token, len(tokens))
	for i, t := range tokens {
		t.Revision = 1
		t.CreatedAt = now
		t.UpdatedAt = now
		s.tokens[t.ID] = t.Clone()
		out[i] = t.Clone()
	}
	s.strategies[st.ID] = updated
	return updated.Clone(), out, nil
}

func (s *Store) UpdateToken(_ context.Context, t token.Token) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tokens[t.ID]
	if !ok {
		return token.Token{}, fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrNotFound)
	}
	if original.Revision != t.Revision {
		return token.Token{}, fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrConflict)
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = s.now()
	t.Revision++
	s.tokens[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (s *Store) DeleteToken(_ context.Context, t token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tokens[t.ID]
	if !ok {
		return fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrNotFound)
	}
	if original.Revision != t.Revision {
		return fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrConflict)
	}
	delete(s.tokens, t.ID)
	return nil
}

func (s *Store) GetToken(_ context.Context, id chain.Address) (token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return token.Token{}, fmt.Errorf("token %s: %w", chain.Hex(id), storage.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) ListTokens(_ context.Context, strategyID chain.Address) ([]token.Token, error) {
	return s.filterTokens(func(t token.Token) bool { return t.StrategyID == strategyID }), nil
}

func (s *Store) ListTokensByHolder(_ context.Context, holder chain.Address) ([]token.Token, error) {
	return s.filterTokens(func(t token.Token) bool { return t.Holder == holder }), nil
}

func (s *Store) filterTokens(keep func(token.Token) bool) []token.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []token.Token
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return bytes.Compare(out[i].StrategyID[:], out[j].StrategyID[:]) < 0
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (s *Store) casStrategyLocked(st strategy.Strategy) (strategy.Strategy, error) {
	original, ok := s.strategies[st.ID]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(st.ID), storage.ErrNotFound)
	}
	if original.Revision != st.Revision {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(st.ID), storage.ErrConflict)
	}
	st = st.Clone()
	st.CreatedAt = original.CreatedAt
	st.UpdatedAt = s.now()
	st.Revision++
	return st, nil
}
