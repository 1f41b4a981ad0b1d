// cmd/tafed-server runs the trust anchor's HTTP surface: the federation
// query routes, the admin CRUD API, and the background reconcilers that
// keep the cache projection in sync with the durable store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/admission"
	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/config"
	"github.com/jmerrifield20/tafed/internal/entityconfig"
	"github.com/jmerrifield20/tafed/internal/federationapi"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/keystore"
	"github.com/jmerrifield20/tafed/internal/resolver"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/internal/treewalk"
	"github.com/jmerrifield20/tafed/internal/trustmark"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("tafed-server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ── Database ─────────────────────────────────────────────────────────────
	db, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	repo := store.NewPostgresStore(db, logger)

	// ── Cache ────────────────────────────────────────────────────────────────
	cache := cachestore.New(cfg.RedisAddr)
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// ── Keys ─────────────────────────────────────────────────────────────────
	keys, err := keystore.Load(cfg.SigningPrivateKey, cfg.HistoricalKeysDir, logger)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	// ── Core services ────────────────────────────────────────────────────────
	f := fetcher.New(10 * time.Second)

	admissionSvc := admission.New(repo, cache, f, keys, admission.Config{
		TADomain:                   cfg.TADomain,
		Policy:                     cfg.Policy,
		SubordinateDefaultValidFor: cfg.SubordinateDefaultValidFor,
	}, logger)

	trustmarkSvc := trustmark.New(repo, cache, keys, trustmark.Config{
		TADomain:          cfg.TADomain,
		TrustmarkProvider: cfg.TrustmarkProvider,
	}, logger)

	entityCfg := entityconfig.New(entityconfig.Config{
		TADomain:                cfg.TADomain,
		AuthorityHints:          cfg.AuthorityHints,
		TrustMarks:              cfg.TATrustmarks,
		TrustedTrustMarkIssuers: cfg.TATrustedTrustmarkIssuers,
		ExpiryDuration:          cfg.ServerExpiryDuration(),
	}, keys)

	resolverSvc := resolver.New(resolver.Config{
		TADomain:          cfg.TADomain,
		Policy:            cfg.Policy,
		TAEntityConfigJWS: entityCfg.JWS,
	}, repo, f, keys, logger)

	walker := treewalk.New(cache, f, logger)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	federationHandler := federationapi.NewHandler(cache, entityCfg, keys, resolverSvc, trustmarkSvc, cfg.TADomain, logger)
	adminHandler := federationapi.NewAdminHandler(admissionSvc, trustmarkSvc, logger)

	router := federationapi.NewRouter(federationapi.RouterConfig{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, federationHandler, adminHandler)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// ── Startup reconciliation ───────────────────────────────────────────────
	if err := admissionSvc.ReaddActiveSubordinates(bgCtx); err != nil {
		logger.Warn("readd active subordinates failed", zap.Error(err))
	}
	if err := trustmarkSvc.ReloadIssuedTrustMarks(bgCtx); err != nil {
		logger.Warn("reload issued trust marks failed", zap.Error(err))
	}

	walker.StartBackgroundWalker(bgCtx, time.Minute)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("tafed HTTP listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down tafed-server...")
	cancelBg()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("tafed-server stopped")
	return nil
}
