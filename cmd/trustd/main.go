// Package main provides the trust service entry point: event ingestion,
// discovery, sync analysis, trust scoring, self-healing and audit in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/kubeflow/agent-trust/pkg/audit"
	"github.com/kubeflow/agent-trust/pkg/cache"
	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/db"
	"github.com/kubeflow/agent-trust/pkg/ha"
	"github.com/kubeflow/agent-trust/pkg/jobs"
	"github.com/kubeflow/agent-trust/pkg/server"
	"github.com/kubeflow/agent-trust/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		listenAddr   string
		configPath   string
		databaseType string
		databaseDSN  string
		logFormat    string
		logLevel     string
		kubeconfig   string
	)

	pflag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides server.listen_addr)")
	pflag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	pflag.StringVar(&databaseType, "db-type", "", "Database type: sqlite, postgres or mysql (overrides database.type)")
	pflag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string (overrides database.dsn)")
	pflag.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pflag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig; in-cluster config is tried when empty")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	_ = flag.Set("logtostderr", "true")

	handler := newLogHandler(logFormat, logLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	klog.SetLogger(logr.FromSlogHandler(handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if listenAddr != "" || databaseType != "" || databaseDSN != "" {
		cfg := *watcher.Current()
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		if databaseType != "" {
			cfg.Database.Type = databaseType
		}
		if databaseDSN != "" {
			cfg.Database.DSN = databaseDSN
		}
		if err := watcher.Update(&cfg); err != nil {
			glog.Fatalf("Invalid flag overrides: %v", err)
		}
	}
	cfg := watcher.Current()

	logger.Info("starting trustd",
		"version", version,
		"listen", cfg.Server.ListenAddr,
		"config", configPath,
		"database", cfg.Database.Type,
		"tenancy", cfg.Server.TenancyMode,
		"auth", cfg.Auth.Mode)

	shutdownTracing, err := telemetry.Setup(cfg.Telemetry, version, nil)
	if err != nil {
		glog.Fatalf("Failed to set up tracing: %v", err)
	}

	gormDB, err := db.Open(cfg.Database.Type, cfg.Database.DSN, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	kube, err := kubeClient(kubeconfig)
	if err != nil {
		logger.Info("kubernetes client not available, scanner and remediator disabled", "reason", err)
	}

	haCfg := ha.HAConfigFromEnv()
	if err := haCfg.Validate(); err != nil {
		glog.Fatalf("Invalid HA config: %v", err)
	}
	if haCfg.LeaderElectionEnabled && kube == nil {
		glog.Fatalf("Leader election needs a Kubernetes client: %v", err)
	}

	opts := []server.ServerOption{
		server.WithCacheConfig(cache.CacheConfigFromEnv()),
		server.WithRetentionConfig(audit.RetentionConfigFromEnv()),
		server.WithJobConfig(jobs.JobConfigFromEnv()),
		server.WithMigrationLocker(ha.NewMigrationLocker(gormDB, haCfg)),
		server.WithLeaderElector(ha.NewLeaderElector(haCfg, kube, logger)),
	}
	if kube != nil {
		opts = append(opts, server.WithKubeClient(kube))
	}

	srv := server.New(watcher, gormDB, logger, opts...)
	if err := srv.Init(ctx); err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}
	router := srv.MountRoutes()
	if err := srv.Start(ctx); err != nil {
		glog.Fatalf("Failed to start background work: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("trustd ready", "listen", cfg.Server.ListenAddr, "leaderElection", haCfg.LeaderElectionEnabled)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("background shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("trustd stopped")
}

func newLogHandler(format, level string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	return clientset, nil
}
