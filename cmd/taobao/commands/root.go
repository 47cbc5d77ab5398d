package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maltedev/taobao-scraper/internal/config"
	"github.com/maltedev/taobao-scraper/internal/engine"
	"github.com/maltedev/taobao-scraper/internal/metrics"
	"github.com/maltedev/taobao-scraper/pkg/logger"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "taobao",
	Short:         "taobao fetches complete Taobao and Tmall product pages through a logged-in browser.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFiles, err := config.LoadEnvFiles()
		if err != nil {
			return err
		}
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if headless, _ := cmd.Flags().GetBool("headless"); headless {
			c.Browser.Headless = true
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = c
		log = logger.New(cfg.Logging.Level, cfg.Logging.Format)
		slog.SetDefault(log)
		if len(envFiles) > 0 {
			log.Debug("loaded env files", "files", envFiles)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("headless", false, "Run the browser without a window. Login needs a window.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEngine() (*engine.Engine, error) {
	e, err := engine.New(cfg, metrics.New(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	return e, nil
}
