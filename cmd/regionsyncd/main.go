package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"regionsync/internal/admin"
	"regionsync/internal/agent"
	"regionsync/internal/config"
	"regionsync/internal/metadata"
	"regionsync/internal/region"
	"regionsync/internal/storage/sqlite"
)

var version = "dev"

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     config.Config
)

func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "regionsyncd",
		Short:         "Replicate table changes from remote regions into the local region",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
				logger, err = setupLogger(verbose, nil)
				return err
			}
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err = setupLogger(verbose, &cfg.Logging)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("REGIONSYNC_CONFIG"), "config file path (or set REGIONSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(versionCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openAgent builds the catalog and local store shared by every subcommand.
func openAgent() (*agent.Agent, *sqlite.Store, error) {
	snap, err := cfg.RegionSnapshot()
	if err != nil {
		return nil, nil, err
	}
	catalog := metadata.NewCatalog(region.NewTranslator(snap), logger)
	store, err := sqlite.NewStore(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.Storage.Dir, err)
	}
	return agent.New(cfg, catalog, store, logger), store, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync() //nolint:errcheck

			a, store, err := openAgent()
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("starting agent",
				zap.String("version", version),
				zap.String("localRegion", cfg.Agent.LocalRegion),
				zap.Strings("sourceRegions", cfg.Agent.SourceRegions),
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.Run(ctx) })
			if cfg.Admin.Enabled {
				g.Go(func() error {
					return admin.Serve(ctx, cfg.Admin.Listen, admin.NewRouter(a, logger), logger)
				})
			}
			err = g.Wait()
			if err != nil {
				logger.Error("agent stopped", zap.Error(err))
				return err
			}
			logger.Info("agent stopped")
			return nil
		},
	}
}

func transferCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "transfer <table>",
		Short: "Copy a whole table from a source region's store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync() //nolint:errcheck

			a, store, err := openAgent()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := a.Transfer(cmd.Context(), from, args[0])
			logger.Info("transfer finished",
				zap.String("table", args[0]),
				zap.String("sourceRegion", from),
				zap.Int64("rowsSeen", stats.RowsSeen),
				zap.Int64("rowsPersisted", stats.RowsPersisted),
				zap.Int64("bytes", stats.Bytes),
				zap.Int64("expired", stats.Expired),
				zap.Int64("tombstones", stats.Tombstones),
				zap.Int64("skipped", stats.Skipped),
				zap.Error(err),
			)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source region name")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("regionsyncd", version)
		},
	}
}
