package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/application/chain"
	"github.com/ngoclaw/llmgateway/internal/application/orchestrator"
	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/balancer"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/config"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/logger"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/registry"
	httpserver "github.com/ngoclaw/llmgateway/internal/interfaces/http"
	"github.com/ngoclaw/llmgateway/pkg/safego"
)

const (
	appName    = "llmgateway"
	appVersion = "0.1.0"
)

func main() {
	var configFile, listen string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   appName + " — LLM gateway",
		Long:    appName + " routes Anthropic-schema chat requests to heterogeneous upstream providers.",
		Version: appVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, listen)
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config.yaml (overrides ./config.yaml, /etc/llmgateway/config.yaml)")
	rootCmd.Flags().StringVarP(&listen, "listen", "l", "", "override server.host:server.port, e.g. 0.0.0.0:9090")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configFile, listen string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting gateway", zap.String("name", appName), zap.String("version", appVersion))

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if listen != "" {
		if err := applyListenOverride(cfg, listen); err != nil {
			log.Fatal("invalid --listen value", zap.Error(err))
		}
	}
	log, err = logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stdout"})
	if err != nil {
		log.Fatal("failed to reinitialize logger from config", zap.Error(err))
	}

	rf, err := config.LoadRoutingFile(cfg.RoutingFile)
	if err != nil {
		log.Fatal("failed to load routing file", zap.Error(err))
	}
	table, err := config.BuildTable(rf)
	if err != nil {
		log.Fatal("failed to build routing table", zap.Error(err))
	}

	credV := viper.New()
	credV.AutomaticEnv()
	credRegistry, err := config.BuildCredentials(rf, credV)
	if err != nil {
		log.Fatal("failed to build credential registry", zap.Error(err))
	}

	tableHolder := registry.NewTableHolder(table)

	reg := registry.New(registry.Config{
		FailureThreshold:   cfg.Registry.FailureThreshold,
		RecoveryTimeout:    cfg.Registry.RecoveryTimeout,
		MaxRecoveryTimeout: cfg.Registry.MaxRecoveryTimeout,
		HalfOpenMaxProbes:  cfg.Registry.HalfOpenMaxProbes,
	}, log)
	reg.Sync(table)

	bal := balancer.New(reg, reg.Sticky())

	httpClient := chain.NewHTTPClient()
	c := chain.New(httpClient, credRegistry)
	codecs := chain.DefaultCodecs()

	obs := observability.NewZapDefault(log)
	reg.SetObserver(obs)
	c.SetObserver(obs)

	orch := orchestrator.New(tableHolder, reg, bal, c, codecs, log)
	orch.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential refs are re-resolved on every call (EnvSource reads live,
	// StaticSource is fixed at load), so only the table and registry need
	// to pick up a reload; the credential registry built at startup still
	// serves any ref a reloaded file keeps using under the same name.
	watcher, err := config.NewRoutingWatcher(cfg.RoutingFile, log, func(newTable *pipeline.RoutingTable, newRF *config.RoutingFile) {
		tableHolder.Store(newTable)
		reg.Sync(newTable)
		if _, err := config.BuildCredentials(newRF, credV); err != nil {
			log.Error("routing reload: new credential set is invalid, new routing table applied with the startup credential registry", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("routing file watcher disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	if cfg.HealthCheck.Enabled {
		probeStore, err := registry.NewProbeStore("", log)
		if err != nil {
			log.Warn("probe history disabled", zap.Error(err))
		}
		scheduler := registry.NewHealthScheduler(reg, chain.DefaultProbers(httpClient, credRegistry), probeStore, registry.HealthSchedulerConfig{
			Interval:           cfg.HealthCheck.Interval,
			ProbeTimeout:       cfg.HealthCheck.ProbeTimeout,
			FailureThreshold:   cfg.HealthCheck.FailureThreshold,
			MaxProbesPerSecond: cfg.HealthCheck.RatePerSecond,
		}, log)
		safego.Go(log, "health-scheduler", func() { scheduler.Start(table) })
		defer scheduler.Stop()
	}

	server := httpserver.NewServer(httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Mode:         "production",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, orch, reg, log)

	runGateway(ctx, server, log, cfg.Server.ShutdownTimeout)
	return nil
}

// applyListenOverride parses "host:port" (host may be empty, e.g. ":9090")
// and overwrites cfg.Server's host/port, letting --listen win over both
// config.yaml and its built-in defaults.
func applyListenOverride(cfg *config.Config, listen string) error {
	host, portStr, err := splitHostPort(listen)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("listen port %q is not a number", portStr)
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return nil
}

func splitHostPort(listen string) (string, string, error) {
	idx := strings.LastIndex(listen, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port, got %q", listen)
	}
	return listen[:idx], listen[idx+1:], nil
}

func runGateway(ctx context.Context, server *httpserver.Server, log *zap.Logger, shutdownTimeout time.Duration) {
	if err := server.Start(ctx); err != nil {
		log.Fatal("failed to start HTTP server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("gateway stopped successfully")
}
