package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/config"
	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/engine"
	"github.com/kozaktomas/facegate/internal/logger"
)

// loadConfig reads the configuration and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if lvl := mustGetString(cmd, "log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if t := mustGetFloat64(cmd, "threshold"); t >= 0 {
		cfg.Engine.Threshold = t
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// withEngine builds the engine, runs fn and closes the engine, flushing
// the encoding cache.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	e, err := engine.New(ctx, cfg, engine.Deps{}, log)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	runErr := fn(ctx, e)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultFlushTimeout)
	defer cancel()
	if err := e.Close(closeCtx); err != nil {
		log.Warn("engine shutdown incomplete", zap.Error(err))
	}
	return runErr
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// newProgressBar draws on stderr so stdout stays valid JSON. It returns nil
// when quiet is set.
func newProgressBar(total int, description string, quiet bool) *progressbar.ProgressBar {
	if quiet || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("identities"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionClearOnFinish(),
	)
}

// progressFunc adapts a lazily created bar to scanner.Options.OnProgress.
// The corpus size is only known once the scan starts.
func progressFunc(description string, quiet bool) func(done, total int) {
	if quiet {
		return nil
	}
	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)
	return func(_, total int) {
		once.Do(func() { bar = newProgressBar(total, description, quiet) })
		if bar != nil {
			bar.Add(1)
		}
	}
}

// formatDuration formats a duration as a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
