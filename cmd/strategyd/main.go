// Package main runs the strategy layer API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	app "github.com/R3E-Network/strategy_layer/internal/app"
	"github.com/R3E-Network/strategy_layer/internal/app/httpapi"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/memory"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/internal/middleware"
	"github.com/R3E-Network/strategy_layer/internal/platform/migrations"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	runMigrations := flag.Bool("migrate", false, "Apply database migrations before serving")
	issueFor := flag.String("issue-token", "", "Print a bearer token for the given identity or address and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by -issue-token")
	fund := flag.String("fund", "", "Comma-separated ADDRESS:ASSET:AMOUNT deposits for the in-process ledger")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	appLog := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Component: "strategyd",
	})

	if *issueFor != "" {
		if cfg.Auth.JWTSecret == "" {
			log.Fatalf("JWT_SECRET is required to issue tokens")
		}
		token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), resolveIdentity(*issueFor), *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	policy, err := config.LoadPolicyOrDefault(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, *runMigrations, appLog)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	led, err := newLedger(cfg.Ledger.Assets, *fund)
	if err != nil {
		log.Fatalf("Failed to set up ledger: %v", err)
	}
	if err := resolveAssetDecimals(ctx, led, cfg.Chain, appLog); err != nil {
		log.Fatalf("Failed to resolve asset decimals: %v", err)
	}

	var sinks []events.Sink
	if cfg.Redis.URL != "" {
		client, err := events.DialRedis(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to configure redis: %v", err)
		}
		defer client.Close()
		sinks = append(sinks, events.NewRedisSink(client, cfg.Redis.Stream, cfg.Redis.MaxLen, appLog.Named("events-redis")))
		appLog.WithField("stream", cfg.Redis.Stream).Info("publishing events to redis")
	}

	application, err := app.New(app.Options{
		Store:       store,
		Ledger:      led,
		Policy:      &policy,
		Sinks:       sinks,
		EventBuffer: cfg.EventBuffer,
	}, appLog)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if cfg.Auth.JWTSecret == "" {
		appLog.Warn("JWT_SECRET is not set; every /v1 request will be rejected")
	}
	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, appLog.Named("ratelimit"))
	limiter.StartCleanup(ctx, 5*time.Minute)

	handler := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		RateLimiter: limiter,
		CORSOrigins: cfg.HTTP.Origins(),
	}, appLog.Named("http"))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start services: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		appLog.WithField("addr", cfg.HTTP.Addr).
			WithField("store", cfg.Database.Driver).
			WithField("pricing", policy.Pricing).
			Info("strategy API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("shutting down")
	case err := <-serveErr:
		appLog.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Error("service shutdown")
	}
}

// resolveIdentity accepts an address or falls back to deriving one from a
// registrar identity.
func resolveIdentity(raw string) chain.Address {
	if addr, err := chain.ParseAddress(raw); err == nil {
		return addr
	}
	return chain.ResolveRegistrarAddress(raw)
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, appLog *logger.Logger) (storage.Store, func(), error) {
	if cfg.Database.Driver != "postgres" {
		appLog.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := migrations.Up(db.DB); err != nil {
			db.Close()
			return nil, nil, err
		}
		appLog.Info("database migrations applied")
	}
	return postgres.New(db), func() { _ = db.Close() }, nil
}

// resolveAssetDecimals registers assets backed by NEP-17 contracts with the
// decimals the chain reports for them.
func resolveAssetDecimals(ctx context.Context, led *ledger.Memory, cfg config.ChainConfig, appLog *logger.Logger) error {
	contracts, err := config.ParseAssetContracts(cfg.AssetContracts)
	if err != nil || len(contracts) == 0 {
		return err
	}
	client, err := chain.NewRPCClient(chain.RPCConfig{RPCURL: cfg.RPCURL, Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	for symbol, hash := range contracts {
		decimals, err := client.TokenDecimals(ctx, hash)
		if err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
		led.RegisterAsset(ledger.AssetID(symbol), decimals)
		appLog.WithField("asset", symbol).
			WithField("contract", hash).
			WithField("decimals", decimals).
			Info("payment asset resolved on chain")
	}
	return nil
}

// newLedger builds the in-process ledger with the configured assets and any
// initial deposits.
func newLedger(assets, deposits string) (*ledger.Memory, error) {
	decimals, err := config.ParseAssets(assets)
	if err != nil {
		return nil, err
	}
	led := ledger.NewMemory()
	for symbol, d := range decimals {
		led.RegisterAsset(ledger.AssetID(symbol), d)
	}

	for _, entry := range strings.Split(deposits, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("deposit %q: want ADDRESS:ASSET:AMOUNT", entry)
		}
		account, err := chain.ParseAddress(parts[0])
		if err != nil {
			return nil, fmt.Errorf("deposit %q: %w", entry, err)
		}
		amount, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("deposit %q: invalid amount: %w", entry, err)
		}
		if err := led.Deposit(account, ledger.Normalize(parts[1]), amount); err != nil {
			return nil, fmt.Errorf("deposit %q: %w", entry, err)
		}
	}
	return led, nil
}
