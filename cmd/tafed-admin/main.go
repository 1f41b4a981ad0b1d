// cmd/tafed-admin is the operator CLI for the trust anchor: on-demand
// reconciliation commands that re-publish durable rows to cache, the same
// work the server performs automatically on startup.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/tafed/internal/admission"
	"github.com/jmerrifield20/tafed/internal/cachestore"
	"github.com/jmerrifield20/tafed/internal/config"
	"github.com/jmerrifield20/tafed/internal/fetcher"
	"github.com/jmerrifield20/tafed/internal/keystore"
	"github.com/jmerrifield20/tafed/internal/store"
	"github.com/jmerrifield20/tafed/internal/trustmark"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tafed-admin",
	Short: "Operator CLI for the tafed trust anchor",
	Long: `tafed-admin runs one-off reconciliation jobs against the trust
anchor's database and cache, using the same configuration sources
(configs/tafed.yaml, environment variables) as tafed-server.`,
}

func init() {
	rootCmd.AddCommand(readdSubordinatesCmd)
	rootCmd.AddCommand(reloadIssuedTMsCmd)
}

var readdSubordinatesCmd = &cobra.Command{
	Use:   "readd-subordinates",
	Short: "Re-publish every active subordinate's cached projection from its durable row",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, env, err := setup()
		if err != nil {
			return err
		}
		defer env.db.Close()

		svc := admission.New(env.repo, env.cache, env.fetcher, env.keys, admission.Config{
			TADomain:                   env.cfg.TADomain,
			Policy:                     env.cfg.Policy,
			SubordinateDefaultValidFor: env.cfg.SubordinateDefaultValidFor,
		}, logger)

		return svc.ReaddActiveSubordinates(context.Background())
	},
}

var reloadIssuedTMsCmd = &cobra.Command{
	Use:   "reload-issued-tms",
	Short: "Re-sign and re-publish every active trust mark to cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, env, err := setup()
		if err != nil {
			return err
		}
		defer env.db.Close()

		svc := trustmark.New(env.repo, env.cache, env.keys, trustmark.Config{
			TADomain:          env.cfg.TADomain,
			TrustmarkProvider: env.cfg.TrustmarkProvider,
		}, logger)

		return svc.ReloadIssuedTrustMarks(context.Background())
	},
}

// cliEnv holds the shared dependencies every subcommand wires up.
type cliEnv struct {
	cfg     *config.Config
	db      *pgxpool.Pool
	repo    *store.PostgresStore
	cache   *cachestore.Store
	keys    *keystore.Store
	fetcher *fetcher.Fetcher
}

func setup() (*zap.Logger, *cliEnv, error) {
	logger, _ := zap.NewProduction()

	cfg, err := config.Load(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	keys, err := keystore.Load(cfg.SigningPrivateKey, cfg.HistoricalKeysDir, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load keystore: %w", err)
	}

	return logger, &cliEnv{
		cfg:     cfg,
		db:      db,
		repo:    store.NewPostgresStore(db, logger),
		cache:   cachestore.New(cfg.RedisAddr),
		keys:    keys,
		fetcher: fetcher.New(10 * time.Second),
	}, nil
}
