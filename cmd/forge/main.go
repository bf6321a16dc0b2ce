package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/forge/pkg/api"
	"github.com/cuemby/forge/pkg/artifacts"
	"github.com/cuemby/forge/pkg/auth"
	"github.com/cuemby/forge/pkg/config"
	"github.com/cuemby/forge/pkg/dispatch"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/monitor"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes. The HTTP layer never terminates the process; only startup
// failures do.
const (
	exitConfig = 1
	exitBind   = 2
	exitDB     = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge - Build farm controller for iOS and Android builds",
	Long: `Forge is the controller of a mobile build farm. It accepts build
submissions over HTTP, queues them, and dispatches them to remote
worker machines that poll for work.

The controller is a single binary: SQLite for state, the local
filesystem for artifacts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Forge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the controller",
	Long: `Run the build farm controller: HTTP API, dispatch queue, and the
heartbeat monitor, until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := cmd.Flags().GetString("config")
		runServer(cfgPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file (optional)")
}

func runServer(cfgPath string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	if cfg.UsingDefaultKey() {
		logger.Warn().Msg("running with the default API key; set CONTROLLER_API_KEY before exposing this controller")
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
		os.Exit(exitDB)
	}

	art, err := artifacts.NewStore(cfg.StoragePath, artifacts.Limits{
		Source: cfg.MaxSourceSize,
		Certs:  cfg.MaxCertsSize,
		Result: cfg.MaxResultSize,
	})
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.StoragePath).Msg("failed to prepare artifact storage")
		os.Exit(exitDB)
	}

	broker := events.NewBroker()
	broker.Start()

	metrics.Register()
	collector := metrics.NewCollector(store)
	collector.Start()

	assigner := dispatch.NewAssigner(store, broker)
	q := queue.NewManager(store, assigner, broker)
	if err := q.Rebuild(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to rebuild queue from database")
		os.Exit(exitDB)
	}

	mon := monitor.NewMonitor(store, broker, monitor.Config{
		Interval:             cfg.MonitorInterval,
		BuildTimeout:         cfg.BuildTimeout,
		WorkerOfflineTimeout: cfg.WorkerOfflineTimeout,
	})
	mon.Start()

	gate := auth.NewGate(cfg.APIKey, store)
	server := api.NewServer(cfg, store, art, gate, q, broker)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error().Err(err).Int("port", cfg.Port).Msg("failed to bind")
		os.Exit(exitBind)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Int("port", cfg.Port).
		Str("db", cfg.DBPath).
		Str("storage", cfg.StoragePath).
		Msg("controller started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}

	mon.Stop()
	collector.Stop()
	broker.Stop()
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}

	logger.Info().Msg("shutdown complete")
}
