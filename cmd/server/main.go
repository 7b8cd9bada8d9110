package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	agentcfg "github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/internal/api"
	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/auth"
	"github.com/vigil-sec/vigil/internal/config"
	"github.com/vigil-sec/vigil/internal/db"
	"github.com/vigil-sec/vigil/internal/ingest"
	"github.com/vigil-sec/vigil/internal/models"
	"github.com/vigil-sec/vigil/internal/notify"
	"github.com/vigil-sec/vigil/internal/response"
	"github.com/vigil-sec/vigil/internal/risk"
	"github.com/vigil-sec/vigil/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("VIGIL_CONFIG"), "Path to the server YAML config")
	flag.Parse()

	log := utils.GetLogger()
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if cfg.Auth.JWTSecret == "" || cfg.Auth.EnrollKey == "" {
		log.Fatal("JWT_SECRET and ENROLL_KEY must be configured")
	}

	gormDB, err := db.Connect(cfg.Database, log)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	if err := db.Migrate(gormDB); err != nil {
		log.Fatal("migrate database", zap.Error(err))
	}
	st := store.NewGorm(gormDB)

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.EnrollKey, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal("init auth", zap.Error(err))
	}

	hub := api.NewStreamHub(log)
	notifiers := notify.Multi{hub}
	var kafkaPub *notify.Kafka
	if cfg.Kafka.Enabled() {
		kafkaPub = notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifiers = append(notifiers, kafkaPub)
		log.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	orch := response.New(st, defaultExecutor(log), notifiers, log,
		risk.Tier(cfg.Response.Threshold), cfg.Response.ActionTimeout)

	initialCfg := agentcfg.FromEnv()
	initialCfg.Version = cfg.Agents.ConfigVersion
	ing := ingest.New(st, authSvc, orch, notifiers, log, &initialCfg, cfg.Agents.HeartbeatInterval)

	router := api.Router(cfg.Server, api.Deps{
		Store:        st,
		Ingest:       ing,
		Orchestrator: orch,
		Auth:         authSvc,
		Hub:          hub,
		Log:          log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ing.RunStaleSweep(ctx)

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	orch.Wait()
	hub.Close()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			log.Error("kafka close", zap.Error(err))
		}
	}
}

// defaultExecutor logs the action instead of touching infrastructure.
// Deployments replace this with integrations for their firewall, identity
// provider and scanners.
func defaultExecutor(log *zap.Logger) response.Executor {
	return response.ExecutorFunc(func(ctx context.Context, action models.ResponseActionRecord) error {
		log.Info("executing response action",
			zap.String("action_id", action.ActionID),
			zap.String("type", action.ActionType),
			zap.String("asset_id", action.AssetID),
			zap.String("target", action.Target))
		return nil
	})
}
