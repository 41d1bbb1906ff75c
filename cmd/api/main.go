package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fundflow/reviewops/internal/api"
	"github.com/fundflow/reviewops/internal/config"
	"github.com/fundflow/reviewops/internal/domain"
	"github.com/fundflow/reviewops/internal/store"
	"github.com/fundflow/reviewops/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			sugar.Fatalw("database connection failed", "error", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			sugar.Fatalw("schema apply failed", "error", err)
		}
		st = pg
	} else {
		sugar.Warn("DATABASE_URL not set, running on the in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	engine := workflow.NewEngine(st, sugar)
	if cfg.LoanPaymentsDebitPayer {
		policies := workflow.DefaultPolicies()
		p := policies[domain.KindLoanPayment]
		p.DebitPayer = true
		engine.SetPolicy(p)
	}

	handler := api.NewHandler(st, engine, sugar)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sugar.Infow("server starting", "addr", httpServer.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("shutdown error", "error", err)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Env == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
