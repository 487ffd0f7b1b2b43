package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/internal/platform/migrations"
)

var (
	registrar  = chain.ResolveRegistrarAddress("platform")
	strategyID = chain.StrategyAddress(registrar, "alpha")
	payee      = chain.ResolveRegistrarAddress("payee")
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func strategyColumnNames() []string {
	return []string{"id", "registrar", "name", "version", "metadata", "fee_rate", "pending_fee_rate", "fee_payee",
		"payment_assets", "owner", "pending_owner", "tokens_minted", "revision", "created_at", "updated_at"}
}

func TestCreateStrategy(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO strategies")).
		WithArgs(chain.Hex(strategyID), chain.Hex(registrar), "alpha", "1", sqlmock.AnyArg(),
			"2500", nil, chain.Hex(payee), sqlmock.AnyArg(), chain.Hex(registrar), nil,
			"0", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	st, err := store.CreateStrategy(context.Background(), strategy.Strategy{
		ID: strategyID, Registrar: registrar, Name: "alpha", Version: "1",
		FeeRate: 2500, FeePayee: payee, Owner: registrar,
		PaymentAssets: []ledger.AssetID{"USDC"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Revision != 1 {
		t.Fatalf("revision = %d", st.Revision)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateStrategyDuplicate(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO strategies")).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.CreateStrategy(context.Background(), strategy.Strategy{ID: strategyID})
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestGetStrategyMapsRow(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	pending := chain.ResolveRegistrarAddress("next-owner")

	rows := sqlmock.NewRows(strategyColumnNames()).AddRow(
		chain.Hex(strategyID), chain.Hex(registrar), "alpha", "2", []byte(`{"desc":"x"}`),
		"18446744073709551615", "3000", chain.Hex(payee), "{NEO,USDC}", chain.Hex(registrar),
		chain.Hex(pending), "7", int64(4), now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM strategies WHERE id = $1")).
		WithArgs(chain.Hex(strategyID)).
		WillReturnRows(rows)

	st, err := store.GetStrategy(context.Background(), strategyID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.FeeRate != ^uint64(0) {
		t.Errorf("FeeRate = %d, want max uint64", st.FeeRate)
	}
	if st.PendingFeeRate == nil || *st.PendingFeeRate != 3000 {
		t.Errorf("PendingFeeRate = %v", st.PendingFeeRate)
	}
	if st.PendingOwner == nil || *st.PendingOwner != pending {
		t.Errorf("PendingOwner = %v", st.PendingOwner)
	}
	if len(st.PaymentAssets) != 2 || !st.AcceptsAsset("USDC") {
		t.Errorf("PaymentAssets = %v", st.PaymentAssets)
	}
	if st.Metadata["desc"] != "x" || st.TokensMinted != 7 || st.Revision != 4 {
		t.Errorf("unexpected strategy %+v", st)
	}
}

func TestGetStrategyNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM strategies WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(strategyColumnNames()))

	_, err := store.GetStrategy(context.Background(), strategyID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateStrategyConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE strategies")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM strategies WHERE id = $1)")).
		WithArgs(chain.Hex(strategyID)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.UpdateStrategy(context.Background(), strategy.Strategy{ID: strategyID, Revision: 3})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateTokenMissing(t *testing.T) {
	store, mock := newMock(t)
	id := chain.TokenAddress(strategyID, "alpha", 1)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE strategy_tokens")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM strategy_tokens WHERE id = $1)")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.UpdateToken(context.Background(), token.Token{ID: id, Revision: 1})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMintTokensCommitsTogether(t *testing.T) {
	store, mock := newMock(t)
	royalty := &nft.Royalty{Payee: payee, Numerator: 5, Denominator: 100}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE strategies")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO strategy_tokens")).
		WithArgs(sqlmock.AnyArg(), chain.Hex(strategyID), "alpha", "1", chain.Hex(registrar),
			"", "simulation", "individual", "0", "0", "0", "0", sqlmock.AnyArg(),
			"100", "4", "0", "0", nil, chain.Hex(payee), "5", "100",
			false, false, int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := strategy.Strategy{ID: strategyID, Name: "alpha", Owner: registrar, TokensMinted: 1, Revision: 2}
	tok := token.Token{
		ID: chain.TokenAddress(strategyID, "alpha", 1), StrategyID: strategyID, Name: "alpha", Sequence: 1,
		Holder: registrar, Mode: token.ModeSimulation, Role: token.RoleIndividual,
		KRefill: 100, KProfit: 4, Royalty: royalty,
	}
	updated, minted, err := store.MintTokens(context.Background(), st, []token.Token{tok})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if updated.Revision != 3 || len(minted) != 1 || minted[0].Revision != 1 {
		t.Fatalf("unexpected result %+v %+v", updated, minted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMintTokensRollsBackOnConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE strategies")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := store.MintTokens(context.Background(), strategy.Strategy{ID: strategyID, Revision: 1}, []token.Token{{}})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 4, 2)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := New(db)
	name := "it-" + time.Now().UTC().Format("150405.000000")
	id := chain.StrategyAddress(registrar, name)

	st, err := store.CreateStrategy(ctx, strategy.Strategy{ID: id, Registrar: registrar, Name: name, Owner: registrar, FeePayee: payee})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	st.TokensMinted = 1
	tok := token.Token{ID: chain.TokenAddress(id, name, 1), StrategyID: id, Name: name, Sequence: 1, Holder: registrar,
		Mode: token.ModeExchange, Role: token.RoleCompany, LastUpdate: time.Now().UTC()}
	if _, _, err := store.MintTokens(ctx, st, []token.Token{tok}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, err := store.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got.Holder != registrar || got.Revision != 1 {
		t.Fatalf("unexpected token %+v", got)
	}
}
