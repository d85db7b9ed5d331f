// Command gateway runs the agent inference dispatch gateway: an HTTP front
// door that routes chat requests to per-agent provider chains with automatic
// fallback.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"agentgate/internal/adapter/catalog"
	"agentgate/internal/adapter/gateway"
	"agentgate/internal/adapter/llm"
	"agentgate/internal/admission"
	"agentgate/internal/dispatch"
	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/tracer"
	"agentgate/internal/registry"
	"agentgate/internal/stats"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	clients, err := llm.BuildRegistry(cfg.Providers, cfg.Breaker, log)
	if err != nil {
		return err
	}

	profiles, store, err := loadProfiles(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	reg, err := registry.New(profiles)
	if err != nil {
		return err
	}
	log.Info("agent registry loaded", "agents", reg.Len())

	ctrl := admission.NewController(admission.NewMemoryStore(), cfg.Classes(), log)
	agg := stats.New(log)
	exec := dispatch.NewExecutor(reg, clients, agg, cfg.Dispatch, log)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RateLimits.SweepSchedule, ctrl.Sweep); err != nil {
		return fmt.Errorf("schedule admission sweep: %w", err)
	}
	if cfg.Stats.SnapshotPath != "" && cfg.Stats.SnapshotSchedule != "" {
		snapStore := store
		if snapStore == nil || cfg.Stats.SnapshotPath != cfg.Catalog.Path {
			snapStore, err = catalog.Open(cfg.Stats.SnapshotPath)
			if err != nil {
				return err
			}
			defer snapStore.Close()
		}
		if _, err := scheduler.AddFunc(cfg.Stats.SnapshotSchedule, func() {
			snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := snapStore.WriteSnapshot(snapCtx, agg.Snapshot()); err != nil {
				log.Warn("stats snapshot failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule stats snapshot: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	auth := gateway.NewStaticTokenAuth(cfg.Server.AuthTokens)
	handler := gateway.NewHandler(exec, ctrl, reg, agg, auth, cfg.Server, log)
	srv := gateway.NewServer(cfg.Server, handler, log)

	return srv.Start(ctx)
}

// loadProfiles reads agent profiles from the SQLite catalog when one is
// configured, otherwise from the inline agents list. The returned store is
// nil for the inline path and stays open for snapshot writes otherwise.
func loadProfiles(ctx context.Context, cfg *config.Config) ([]domain.AgentProviderProfile, *catalog.Store, error) {
	if cfg.Catalog.Path != "" {
		store, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, nil, err
		}
		profiles, err := store.LoadProfiles(ctx)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return profiles, store, nil
	}

	profiles := make([]domain.AgentProviderProfile, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		profiles = append(profiles, a.Profile())
	}
	return profiles, nil, nil
}
