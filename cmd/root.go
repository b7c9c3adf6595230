// Package cmd defines the indexscraper command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/app"
	"github.com/JakeFAU/market-index-scraper/internal/config"
	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/logging"
	"github.com/JakeFAU/market-index-scraper/internal/targets"
)

// application is what the commands need from internal/app.
type application interface {
	Run(ctx context.Context, targetsFile string, all []crawler.FetchTarget) (crawler.RunReport, error)
	Serve(ctx context.Context) error
	Close()
}

// buildApp is the application factory. It's a variable so tests can swap
// in a fake.
var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (application, error) {
	return app.Build(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	local      bool
	file       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "indexscraper",
		Short: "Scrape market index pages into a CSV report.",
		Long: `indexscraper fetches every enabled page of a targets file concurrently,
extracts the current value and the historical extremes of each index, and
writes them as a semicolon separated CSV report.

The report goes to $HOME/Desktop unless --local (current directory) or
output.dir is set.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./config.yaml or $HOME/.indexscraper/config.yaml)")
	cmd.Flags().BoolVarP(&opts.local, "local", "l", false, "write the report to the current directory")
	cmd.Flags().StringVarP(&opts.file, "file", "f", targets.DefaultFile, "targets file")

	cmd.AddCommand(newServeCmd(opts))
	return cmd
}

func runScrape(cmd *cobra.Command, opts *rootOptions) error {
	v, err := newViper(opts.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd, map[string]string{
		"output.local":         "local",
		"scraper.targets_file": "file",
	}); err != nil {
		return err
	}
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	// The targets file is checked before anything is built.
	all, err := targets.Load(cfg.Scraper.TargetsFile)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	run, err := a.Run(ctx, cfg.Scraper.TargetsFile, all)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s (%d records, %s)\n",
		run.ReportPath, len(run.Records), run.Summary.Duration())
	return nil
}

// newViper layers .env, the config file and the environment over defaults.
// Without an explicit path the usual locations are searched and a missing
// file is not an error.
func newViper(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := config.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return v, nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.indexscraper")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// bindFlags maps config keys to flags. Unchanged flags leave file and
// environment values in place.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (config.Config, *zap.Logger, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func syncLogger(logger *zap.Logger) {
	// Sync on a console logger reports EINVAL on some platforms; nothing to do.
	_ = logger.Sync()
}

// Execute runs the root command and exits with status 1 on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
