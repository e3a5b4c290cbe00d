package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegate/internal/database"
	"github.com/kozaktomas/facegate/internal/database/filestore"
	"github.com/kozaktomas/facegate/internal/database/postgres"
	"github.com/kozaktomas/facegate/internal/engine"
	"github.com/kozaktomas/facegate/internal/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long:  `Commands for managing the reference encoding cache.`,
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Encode every registered reference face",
	Long: `Encode the reference face of every registered identity so later scans
and verifications hit the cache. Entries whose image is unchanged are kept.`,
	Args: cobra.NoArgs,
	RunE: runCacheWarm,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and corpus statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL cache migrations",
	Long: `Apply pending schema migrations to the PostgreSQL cache database named by
DATABASE_URL. With --import, the entries of a file cache are copied into it.

Examples:
  facegate cache migrate
  facegate cache migrate --import data/encodings.cbor.zst`,
	Args: cobra.NoArgs,
	RunE: runCacheMigrate,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheMigrateCmd)

	cacheWarmCmd.Flags().Int("concurrency", 0, "Number of identities processed in parallel (default from config)")
	cacheWarmCmd.Flags().Duration("timeout", 0, "Time budget per identity (default from config)")
	cacheWarmCmd.Flags().Bool("quiet", false, "Do not draw a progress bar")

	cacheMigrateCmd.Flags().String("import", "", "File cache to copy into PostgreSQL")
}

// WarmResult is the output of cache warm.
type WarmResult struct {
	Encoded       int    `json:"encoded"`
	Failed        int    `json:"failed"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration"`
}

func runCacheWarm(cmd *cobra.Command, args []string) error {
	opts := scanOptions(cmd)
	opts.OnProgress = progressFunc("Warming cache", mustGetBool(cmd, "quiet"))

	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		start := time.Now()
		ok, failed, err := e.Warm(ctx, opts)
		if err != nil {
			return err
		}
		d := time.Since(start)
		return outputJSON(WarmResult{
			Encoded:       ok,
			Failed:        failed,
			DurationMs:    d.Milliseconds(),
			DurationHuman: formatDuration(d),
		})
	})
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		stats, err := e.Stats(ctx)
		if err != nil {
			return err
		}
		return outputJSON(stats)
	})
}

// MigrateResult is the output of cache migrate.
type MigrateResult struct {
	Schema   []postgres.SchemaStep `json:"schema"`
	Imported int                   `json:"imported"`
	Dropped  int                   `json:"dropped"`
	Stored   int                   `json:"stored"`
}

func runCacheMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	repo, err := postgres.Open(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	var res MigrateResult
	if res.Schema, err = repo.Schema(ctx); err != nil {
		return err
	}

	if path := mustGetString(cmd, "import"); path != "" {
		src, err := filestore.New(path)
		if err != nil {
			return err
		}
		n, dropped, err := database.Copy(ctx, src, repo)
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		res.Imported = n
		res.Dropped = len(dropped)
	}

	if res.Stored, err = repo.Count(ctx); err != nil {
		return err
	}
	return outputJSON(res)
}
