package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/chain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists is returned when creating a record whose ID is taken.
	ErrExists = errors.New("storage: already exists")
	// ErrConflict is returned when a write carries a stale Revision.
	ErrConflict = errors.New("storage: revision conflict")
)

// Updates are compare-and-swap on Revision: the caller passes the record as
// it was read, the store rejects it with ErrConflict if the stored revision
// moved on, and otherwise persists it with Revision incremented.

// StrategyStore persists strategy records.
type StrategyStore interface {
	CreateStrategy(ctx context.Context, s strategy.Strategy) (strategy.Strategy, error)
	UpdateStrategy(ctx context.Context, s strategy.Strategy) (strategy.Strategy, error)
	GetStrategy(ctx context.Context, id chain.Address) (strategy.Strategy, error)
	ListStrategies(ctx context.Context) ([]strategy.Strategy, error)
}

// TokenStore persists access tokens.
type TokenStore interface {
	// MintTokens updates s and inserts tokens in one atomic step.
	MintTokens(ctx context.Context, s strategy.Strategy, tokens []token.Token) (strategy.Strategy, []token.Token, error)
	UpdateToken(ctx context.Context, t token.Token) (token.Token, error)
	DeleteToken(ctx context.Context, t token.Token) error
	GetToken(ctx context.Context, id chain.Address) (token.Token, error)
	ListTokens(ctx context.Context, strategyID chain.Address) ([]token.Token, error)
	ListTokensByHolder(ctx context.Context, holder chain.Address) ([]token.Token, error)
}

// Store is everything the services need.
type Store interface {
	StrategyStore
	TokenStore
}
