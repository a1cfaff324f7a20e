package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/techday/satbridge/internal/config"
	"github.com/techday/satbridge/internal/logging"
	"github.com/techday/satbridge/sat"
	"github.com/techday/satbridge/storage"
	"github.com/techday/satbridge/storage/catalogcache"
	"github.com/techday/satbridge/storage/lrucache"
	"github.com/techday/satbridge/storage/memstore"
	"github.com/techday/satbridge/storage/rediscache"
	"github.com/techday/satbridge/storage/sqlstore"
)

var storeFlag string

var rootCmd = &cobra.Command{
	Use:   "satbridge",
	Short: "SAT back end with an MCP bridge for call center agents",
	Long: `satbridge serves the SAT (technical assistance) back end:

  - MCP over HTTP+SSE so agent platforms can query the appliance catalog
    and open incidents
  - a REST API for machines, incidents and incident logs
  - a proxy to the agent platform chat endpoints

Configuration comes from the environment; see internal/config.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "storage backend: memory, postgres or sqlite (overrides STORE)")
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if storeFlag != "" {
		cfg.Database.Store = storeFlag
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	log, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// repository is a store that also accepts fixtures.
type repository interface {
	sat.Repository
	sat.Importer
}

// openRepository opens the configured backend.
func openRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository, error) {
	switch cfg.Database.Store {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StorePostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.PostgresDSN(), sqlstore.WithLogger(log))
	case config.StoreSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, sqlstore.SQLiteDSN(cfg.Database.SQLitePath), sqlstore.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Database.Store)
	}
}

// withCatalogCache puts a catalog cache in front of repo: Redis when
// REDIS_ADDR is set, an in-process LRU otherwise.
func withCatalogCache(ctx context.Context, cfg *config.Config, repo repository, log *slog.Logger) (repository, error) {
	var (
		cache storage.Cache
		err   error
	)
	if cfg.Cache.RedisAddr != "" {
		cache, err = rediscache.NewFromEnv(ctx)
		log.InfoContext(ctx, "catalogcache.backend", slog.String("backend", "redis"), slog.String("addr", cfg.Cache.RedisAddr))
	} else {
		cache, err = lrucache.New(cfg.Cache.MaxItems)
		log.InfoContext(ctx, "catalogcache.backend", slog.String("backend", "lru"), slog.Int("max_items", cfg.Cache.MaxItems))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}
	return catalogcache.New(repo, cache, catalogcache.WithLogger(log), catalogcache.WithTTL(cfg.Cache.TTL)), nil
}
