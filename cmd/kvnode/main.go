// Command kvnode runs a single replicated key-value storage node.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chenfan33/cloud-project/internal/config"
	configmem "github.com/chenfan33/cloud-project/internal/config/memory"
	configsqlite "github.com/chenfan33/cloud-project/internal/config/sqlite"
	"github.com/chenfan33/cloud-project/internal/engine"
	"github.com/chenfan33/cloud-project/internal/home"
	"github.com/chenfan33/cloud-project/internal/logging"
	"github.com/chenfan33/cloud-project/internal/schedule"
	"github.com/chenfan33/cloud-project/internal/server"
)

var version = "dev"

func main() {
	// Base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler.
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "kvnode",
		Short: "Replicated key-value storage node",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", "sqlite", "config store type: sqlite or memory")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configType, _ := cmd.Flags().GetString("config-type")
			addr, _ := cmd.Flags().GetString("addr")
			role, _ := cmd.Flags().GetString("role")
			primaryAddr, _ := cmd.Flags().GetString("primary-addr")
			secondaries, _ := cmd.Flags().GetStringSlice("secondaries")
			checkpointOps, _ := cmd.Flags().GetInt("checkpoint-ops")
			checkpointInterval, _ := cmd.Flags().GetDuration("checkpoint-interval")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runOpts{
				homeFlag:           homeFlag,
				configType:         configType,
				addr:               addr,
				role:               role,
				primaryAddr:        primaryAddr,
				secondaries:        secondaries,
				checkpointOps:      checkpointOps,
				checkpointInterval: checkpointInterval,
			})
		},
	}
	serverCmd.Flags().String("addr", ":4242", "listen address (host:port)")
	serverCmd.Flags().String("role", "primary", "replication role: primary or secondary")
	serverCmd.Flags().String("primary-addr", "", "primary's address (required when role=secondary)")
	serverCmd.Flags().StringSlice("secondaries", nil, "comma-separated secondary addresses (role=primary only)")
	serverCmd.Flags().Int("checkpoint-ops", 1000, "checkpoint after this many mutating ops (0 disables)")
	serverCmd.Flags().Duration("checkpoint-interval", 0, "checkpoint on this wall-clock interval (0 disables)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runOpts bundles the server subcommand's flags so run doesn't carry a
// long, order-sensitive parameter list.
type runOpts struct {
	homeFlag           string
	configType         string
	addr               string
	role               string
	primaryAddr        string
	secondaries        []string
	checkpointOps      int
	checkpointInterval time.Duration
}

func run(ctx context.Context, logger *slog.Logger, opts runOpts) error {
	hd, err := resolveHome(opts.homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	if opts.configType != "memory" {
		if err := hd.EnsureExists(); err != nil {
			return err
		}
		logger.Info("home directory", "path", hd.Root())
	}

	cfgStore, err := openConfigStore(hd, opts.configType)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	if c, ok := cfgStore.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	logger.Info("loading config", "type", opts.configType)
	cfg, err := ensureConfig(ctx, logger, cfgStore, hd, opts)
	if err != nil {
		return err
	}
	logger.Info("loaded config", "role", cfg.Role, "listenAddr", cfg.ListenAddr)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	var sched *schedule.CheckpointScheduler
	if cfg.CheckpointInterval > 0 {
		sched, err = schedule.NewCheckpointScheduler(eng, cfg.CheckpointInterval, logger)
		if err != nil {
			return fmt.Errorf("build checkpoint scheduler: %w", err)
		}
		sched.Start()
	}

	if opts.configType == "sqlite" {
		go func() {
			if err := config.WatchFile(ctx, hd.ConfigPath(), logger); err != nil {
				logger.Warn("config file watcher stopped", "error", err)
			}
		}()
	}

	return serveAndAwaitShutdown(ctx, logger, cfg.ListenAddr, eng, sched)
}

// ensureConfig loads the persisted NodeConfig, or bootstraps one from
// CLI flags the first time a node starts against an empty store.
func ensureConfig(ctx context.Context, logger *slog.Logger, cfgStore config.Store, hd home.Dir, opts runOpts) (*config.NodeConfig, error) {
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}

	logger.Info("no config found, bootstrapping from flags")
	role := config.Role(opts.role)
	if role != config.RolePrimary && role != config.RoleSecondary {
		return nil, fmt.Errorf("invalid role %q: must be %q or %q", opts.role, config.RolePrimary, config.RoleSecondary)
	}
	if role == config.RoleSecondary && opts.primaryAddr == "" {
		return nil, fmt.Errorf("role=secondary requires --primary-addr")
	}

	dataRoot := hd.DataRoot()
	walPath := hd.WALPath()
	if opts.configType == "memory" {
		// No home directory was created; use a process-local temp layout
		// so a memory-config node still has somewhere to put its data.
		dataRoot = filepath.Join(os.TempDir(), "kvnode-data")
		walPath = filepath.Join(os.TempDir(), "kvnode-wal")
	}

	bootstrapped := &config.NodeConfig{
		ID:                 uuid.New(),
		Role:               role,
		DataRoot:           dataRoot,
		WALPath:            walPath,
		ListenAddr:         opts.addr,
		PrimaryAddr:        opts.primaryAddr,
		Secondaries:        dedupeNonEmpty(opts.secondaries),
		CheckpointInterval: opts.checkpointInterval,
		CheckpointOps:      opts.checkpointOps,
	}
	if err := cfgStore.Save(ctx, bootstrapped); err != nil {
		return nil, fmt.Errorf("save bootstrapped config: %w", err)
	}

	cfg, err = cfgStore.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bootstrapped config: %w", err)
	}
	return cfg, nil
}

func dedupeNonEmpty(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func buildEngine(cfg *config.NodeConfig, logger *slog.Logger) (*engine.Engine, error) {
	role := engine.RolePrimary
	if cfg.Role == config.RoleSecondary {
		role = engine.RoleSecondary
	}
	return engine.New(engine.Config{
		DataRoot:      cfg.DataRoot,
		WALPath:       cfg.WALPath,
		Role:          role,
		PrimaryAddr:   cfg.PrimaryAddr,
		Secondaries:   cfg.Secondaries,
		CheckpointOps: cfg.CheckpointOps,
		Logger:        logger,
	})
}

func serveAndAwaitShutdown(ctx context.Context, logger *slog.Logger, addr string, eng *engine.Engine, sched *schedule.CheckpointScheduler) error {
	srv := server.New(addr, eng, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Warn("checkpoint scheduler stop error", "error", err)
		}
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// openConfigStore creates a config.Store based on config type and home directory.
func openConfigStore(hd home.Dir, configType string) (config.Store, error) {
	switch configType {
	case "memory":
		return configmem.NewStore(), nil
	case "sqlite":
		return configsqlite.NewStore(hd.ConfigPath())
	default:
		return nil, fmt.Errorf("unknown config store type: %q", configType)
	}
}
