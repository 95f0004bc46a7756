package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/audit"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/capability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/config"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/core"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/topology"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "cmsrd")
	ctx := context.Background()

	graph, err := topology.Load(cfg.TopologyPath)
	if err != nil {
		logger.Error("topology load failed", "path", cfg.TopologyPath, "error", err)
		return 1
	}
	logger.Info("topology loaded", "path", cfg.TopologyPath, "version", graph.Version())

	var profile *config.KernelProfile
	if cfg.ProfilePath != "" {
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			logger.Error("profile load failed", "path", cfg.ProfilePath, "error", err)
			return 1
		}
		logger.Info("profile loaded", "name", profile.Name,
			"endpoints", len(profile.Endpoints), "hook_timeout", profile.Policy.HookTimeout().String())
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	store, err := openAuditStore(cfg, logger)
	if err != nil {
		return 1
	}

	var quota capability.QuotaStore
	if cfg.QuotaRedisAddr != "" {
		redisQuota := capability.NewRedisQuotaStore(cfg.QuotaRedisAddr, cfg.QuotaRedisPassword, cfg.QuotaRedisDB)
		if err := redisQuota.Ping(ctx); err != nil {
			logger.Error("redis quota store unreachable", "addr", cfg.QuotaRedisAddr, "error", err)
			return 1
		}
		quota = redisQuota
		logger.Info("redis quota store connected", "addr", cfg.QuotaRedisAddr)
	}

	kernel, err := core.New(core.Options{
		Graph:               graph,
		AuditStore:          store,
		Quota:               quota,
		Metrics:             obs,
		Policy:              core.PermissivePolicy(),
		Profile:             profile,
		RootCapsule:         object.CapsuleID(cfg.RootCapsule),
		RootDelegationDepth: cfg.RootDelegationDepth,
	})
	if err != nil {
		logger.Error("kernel assembly failed", "error", err)
		return 1
	}
	defer kernel.Close()

	boot, err := kernel.BootstrapRootCapability()
	if err != nil {
		logger.Error("root bootstrap failed", "error", err)
		return 1
	}
	logger.Info("kernel up",
		"root_capsule", cfg.RootCapsule,
		"root_object", boot.Root.Object,
		"delegation_depth", boot.Root.DelegationDepth)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	kernel.Audit().Flush()
	return 0
}

func openAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	switch {
	case cfg.AuditPostgresURL != "":
		db, err := sql.Open("postgres", cfg.AuditPostgresURL)
		if err != nil {
			logger.Error("postgres audit store open failed", "error", err)
			return nil, err
		}
		store := audit.NewPostgresStore(db)
		if err := store.EnsureSchema(context.Background()); err != nil {
			logger.Error("postgres audit schema failed", "error", err)
			return nil, err
		}
		logger.Info("audit store", "backend", "postgres")
		return store, nil
	case cfg.AuditSQLitePath != "":
		store, err := audit.OpenSQLiteStore(cfg.AuditSQLitePath)
		if err != nil {
			logger.Error("sqlite audit store open failed", "path", cfg.AuditSQLitePath, "error", err)
			return nil, err
		}
		logger.Info("audit store", "backend", "sqlite", "path", cfg.AuditSQLitePath)
		return store, nil
	default:
		logger.Info("audit store", "backend", "memory")
		return nil, nil
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
