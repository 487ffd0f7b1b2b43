package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
)

func seedStrategy(t *testing.T, s *Store, name string) strategy.Strategy {
	t.Helper()
	registrar := chain.ResolveRegistrarAddress("platform")
	st, err := s.CreateStrategy(context.Background(), strategy.Strategy{
		ID:        chain.StrategyAddress(registrar, name),
		Registrar: registrar,
		Name:      name,
		Owner:     registrar,
		Metadata:  map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return st
}

func TestStrategyCreateAndCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := seedStrategy(t, s, "alpha")

	if st.Revision != 1 {
		t.Fatalf("revision = %d, want 1", st.Revision)
	}
	if _, err := s.CreateStrategy(ctx, st); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate create err = %v", err)
	}

	stale := st
	st.FeeRate = 10
	updated, err := s.UpdateStrategy(ctx, st)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Revision != 2 || updated.FeeRate != 10 {
		t.Fatalf("updated = %+v", updated)
	}

	stale.FeeRate = 99
	if _, err := s.UpdateStrategy(ctx, stale); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
	got, _ := s.GetStrategy(ctx, st.ID)
	if got.FeeRate != 10 {
		t.Fatalf("stale write leaked: fee = %d", got.FeeRate)
	}
}

func TestStrategyIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := seedStrategy(t, s, "alpha")

	st.Metadata["k"] = "mutated"
	got, _ := s.GetStrategy(ctx, st.ID)
	if got.Metadata["k"] != "v" {
		t.Fatal("store must hold its own copy of metadata")
	}
}

func TestMintTokensIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := seedStrategy(t, s, "alpha")

	tok := func(seq uint64) token.Token {
		return token.Token{ID: chain.TokenAddress(st.ID, st.Name, seq), StrategyID: st.ID, Sequence: seq, Holder: st.Owner}
	}

	st.TokensMinted = 2
	updated, minted, err := s.MintTokens(ctx, st, []token.Token{tok(1), tok(2)})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if updated.TokensMinted != 2 || len(minted) != 2 || minted[0].Revision != 1 {
		t.Fatalf("unexpected mint result %+v %+v", updated, minted)
	}

	// Stale strategy revision: nothing is inserted.
	st.TokensMinted = 3
	if _, _, err := s.MintTokens(ctx, st, []token.Token{tok(3)}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale mint err = %v", err)
	}
	if _, err := s.GetToken(ctx, tok(3).ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("token inserted despite conflict")
	}

	// Duplicate token ID: strategy is not bumped.
	updated.TokensMinted = 3
	if _, _, err := s.MintTokens(ctx, updated, []token.Token{tok(2)}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate token err = %v", err)
	}
	again, _ := s.GetStrategy(ctx, st.ID)
	if again.TokensMinted != 2 {
		t.Fatalf("TokensMinted = %d, want 2", again.TokensMinted)
	}

	list, _ := s.ListTokens(ctx, st.ID)
	if len(list) != 2 || list[0].Sequence != 1 || list[1].Sequence != 2 {
		t.Fatalf("ListTokens = %+v", list)
	}
	held, _ := s.ListTokensByHolder(ctx, st.Owner)
	if len(held) != 2 {
		t.Fatalf("ListTokensByHolder len = %d", len(held))
	}
}

func TestTokenUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := seedStrategy(t, s, "alpha")
	st.TokensMinted = 1
	_, minted, err := s.MintTokens(ctx, st, []token.Token{{ID: chain.TokenAddress(st.ID, "alpha", 1), StrategyID: st.ID, Sequence: 1}})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tk := minted[0]

	stale := tk
	tk.Energy = 42
	tk, err = s.UpdateToken(ctx, tk)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if tk.Revision != 2 {
		t.Fatalf("revision = %d", tk.Revision)
	}
	if _, err := s.UpdateToken(ctx, stale); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale update err = %v", err)
	}
	if err := s.DeleteToken(ctx, stale); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale delete err = %v", err)
	}
	if err := s.DeleteToken(ctx, tk); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetToken(ctx, tk.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}
