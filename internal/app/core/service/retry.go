package service

import (
	"context"
	"errors"

	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
)

// MaxAttempts bounds how often an operation is re-run after losing a
// revision race.
const MaxAttempts = 16

// Retry runs op until it returns something other than storage.ErrConflict.
// Each attempt must re-read its records. When every attempt conflicts the
// result is apperr.ErrConflict.
func Retry(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return apperr.ErrConflict
}

// StoreError maps storage sentinels onto typed failures. notFound is used for
// storage.ErrNotFound; other errors pass through.
func StoreError(err error, notFound *apperr.ServiceError) error {
	if notFound != nil && errors.Is(err, storage.ErrNotFound) {
		return apperr.WithCause(notFound, err)
	}
	return err
}
