package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/coderoom/internal/ai"
	"github.com/manpreetbhatti/coderoom/internal/api"
	"github.com/manpreetbhatti/coderoom/internal/compaction"
	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/logging"
	"github.com/manpreetbhatti/coderoom/internal/recorder"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

const (
	shutdownTimeout = 10 * time.Second

	// Websocket upgrades per remote host
	upgradesPerSecond = 2
	upgradeBurst      = 20
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	rec := recorder.New(database, 0, nil)

	// Loads queue behind pending writes so a reopened room sees its latest code.
	store := room.NewStore(rec, cfg.StarterCode, room.Options{
		GracePeriod:     cfg.GracePeriod,
		DecisionTimeout: cfg.DecisionTimeout,
	})

	hub := ws.NewHub(store, ws.Config{
		Persister:         rec,
		Analyzer:          ai.New(ai.Config{APIKey: cfg.AI.APIKey, Model: cfg.AI.Model, BaseURL: cfg.AI.BaseURL}),
		AITimeout:         cfg.AI.Timeout,
		MessagesPerSecond: cfg.RateLimit.PerSecond,
		MessageBurst:      cfg.RateLimit.Burst,
		UpgradesPerSecond: upgradesPerSecond,
		UpgradeBurst:      upgradeBurst,
	})

	compactor := compaction.New(database, compaction.Config{
		Interval:   cfg.History.Interval,
		Threshold:  cfg.History.Threshold,
		KeepRecent: cfg.History.KeepRecent,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(hub, database).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return compactor.Run(gctx) })

	g.Go(func() error {
		slog.Info("coderoom server starting",
			"addr", cfg.Addr,
			"db", cfg.DBPath,
			"grace_period", cfg.GracePeriod,
			"decision_timeout", cfg.DecisionTimeout,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}
