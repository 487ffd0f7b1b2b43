//go:build integration && postgres

package httpapi

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/strategy_layer/internal/app"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/httputil"
	"github.com/R3E-Network/strategy_layer/internal/middleware"
	"github.com/R3E-Network/strategy_layer/internal/platform/migrations"
)

// Integration test against Postgres to ensure migrations + core flows work with persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, 4, 2)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Up(db.DB))

	application, err := app.New(app.Options{Store: postgres.New(db)}, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() { _ = application.Stop(ctx) })

	server := httptest.NewServer(NewHandler(application, Options{JWTSecret: testSecret}, nil))
	defer server.Close()

	// A fresh registrar per run keeps the test independent of earlier data.
	registrar := chain.ResolveRegistrarAddress("pg-integration-" + time.Now().UTC().Format(time.RFC3339Nano))
	token, err := middleware.IssueToken(testSecret, registrar, time.Hour)
	require.NoError(t, err)
	client := httputil.NewClient(httputil.ClientConfig{BaseURL: server.URL, Token: token})

	var st strategyView
	require.NoError(t, client.Post(ctx, "/v1/strategies", map[string]any{
		"name": "persisted", "fee_rate": 1_000, "fee_payee": chain.Hex(registrar),
	}, &st))

	var minted []tokenView
	require.NoError(t, client.Post(ctx, "/v1/strategies/"+st.ID+"/tokens", map[string]any{
		"count": 3, "energy": "1", "k_refill": 1_000_000,
	}, &minted))
	require.Len(t, minted, 3)

	var reloaded strategyView
	require.NoError(t, client.Get(ctx, "/v1/strategies/"+st.ID, &reloaded))
	require.Equal(t, uint64(3), reloaded.TokensMinted)
}
