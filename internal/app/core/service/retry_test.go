package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("token: %w", storage.ErrConflict)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return storage.ErrConflict
	})
	if !errors.Is(err, apperr.ErrConflict) || calls != MaxAttempts {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryPassesTypedErrors(t *testing.T) {
	err := Retry(context.Background(), func(context.Context) error { return apperr.ErrNotOwner })
	if !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("err = %v", err)
	}
}

func TestStoreErrorMapsNotFound(t *testing.T) {
	err := StoreError(fmt.Errorf("x: %w", storage.ErrNotFound), apperr.ErrTokenNotFound)
	if apperr.KindOf(err) != apperr.KindNotFound || !errors.Is(err, apperr.ErrTokenNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDescriptorWithCapabilities(t *testing.T) {
	d := Descriptor{Name: "energy", Capabilities: []string{"use"}}
	extended := d.WithCapabilities("refill")
	if len(d.Capabilities) != 1 || len(extended.Capabilities) != 2 {
		t.Fatalf("descriptor mutated: %+v %+v", d, extended)
	}
}
