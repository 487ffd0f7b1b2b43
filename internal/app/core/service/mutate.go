package service

import (
	"context"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
)

// Mutate reads a record, applies fn to it and writes it back through a
// revision compare-and-swap, re-reading and re-applying fn whenever another
// writer committed first. An error from fn aborts without writing.
func Mutate[T any](
	ctx context.Context,
	get func(context.Context) (T, error),
	update func(context.Context, T) (T, error),
	notFound *apperr.ServiceError,
	fn func(*T) error,
) (T, error) {
	var out T
	err := Retry(ctx, func(ctx context.Context) error {
		current, err := get(ctx)
		if err != nil {
			return StoreError(err, notFound)
		}
		if err := fn(&current); err != nil {
			return err
		}
		updated, err := update(ctx, current)
		if err != nil {
			return StoreError(err, notFound)
		}
		out = updated
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// MutateStrategy runs Mutate against the strategy id.
func MutateStrategy(ctx context.Context, store storage.StrategyStore, id chain.Address, fn func(*strategy.Strategy) error) (strategy.Strategy, error) {
	get := func(ctx context.Context) (strategy.Strategy, error) { return store.GetStrategy(ctx, id) }
	return Mutate(ctx, get, store.UpdateStrategy, apperr.ErrStrategyNotFound, fn)
}

// MutateToken runs Mutate against the token id.
func MutateToken(ctx context.Context, store storage.TokenStore, id chain.Address, fn func(*token.Token) error) (token.Token, error) {
	get := func(ctx context.Context) (token.Token, error) { return store.GetToken(ctx, id) }
	return Mutate(ctx, get, store.UpdateToken, apperr.ErrTokenNotFound, fn)
}
