// Package main is the entry point for the evetabi crash wagering server.  It
// wires the ledger, the round scheduler, the deposit indexer, the solvency
// watchdog, and the HTTP/WebSocket surface, then runs until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/evetabi/crash/internal/api"
	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/events"
	"github.com/evetabi/crash/internal/fair"
	"github.com/evetabi/crash/internal/game"
	"github.com/evetabi/crash/internal/indexer"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/repository"
	"github.com/evetabi/crash/internal/service"
	"github.com/evetabi/crash/internal/ws"
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting evetabi crash server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database ready")

	// ── 3. Core state ─────────────────────────────────────────────────────────
	store := ledger.NewPostgresStore(db)
	kill := service.NewSwitch()
	bus := events.NewBus(cfg.Bus.RingSize, logger)

	seeds, err := fair.NewSeedRotator()
	if err != nil {
		logger.Error("seed rotator init failed", "err", err)
		os.Exit(1)
	}

	// ── 4. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	roundRepo := repository.NewRoundRepository(db)

	// ── 5. Services ───────────────────────────────────────────────────────────
	engine := service.NewBalanceEngine(store, kill, logger)
	engine.SetPublisher(bus)

	// ── 6. Chain access (optional outside production) ─────────────────────────
	var chain *service.SolvencyService
	var ix *indexer.Indexer
	if cfg.Chain.RPCURL != "" {
		client, err := indexer.Dial(cfg.Chain.RPCURL)
		if err != nil {
			logger.Error("chain rpc dial failed", "err", err)
			os.Exit(1)
		}
		defer client.Close()
		ix = indexer.New(cfg.Chain, client, store, userRepo, engine, logger)
		chain = service.NewSolvencyService(cfg.Solvency, store, client, cfg.Chain.HotWallet, kill, logger)
	} else {
		logger.Warn("no chain rpc configured; deposits and liability checks disabled")
		chain = service.NewSolvencyService(cfg.Solvency, store, nil, cfg.Chain.HotWallet, kill, logger)
	}
	engine.SetCreditGuard(chain)

	// ── 7. Scheduler ──────────────────────────────────────────────────────────
	sched, err := game.NewScheduler(cfg.Game, seeds, engine, roundRepo, bus, kill, logger)
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}

	// ── 8. Transport ──────────────────────────────────────────────────────────
	var allowedOrigins []string
	if ori := os.Getenv("WS_ALLOWED_ORIGINS"); ori != "" {
		for _, o := range strings.Split(ori, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(o))
		}
	}
	wsServer := ws.NewServer(cfg.Auth, cfg.Game.HistorySize, allowedOrigins,
		bus, sched, engine, userRepo, roundRepo, logger)

	router := api.SetupRouter(api.RouterDeps{
		Cfg:      cfg,
		Sched:    sched,
		Engine:   engine,
		Store:    store,
		Rounds:   roundRepo,
		Indexer:  ix,
		Solvency: chain,
		Kill:     kill,
		Seeds:    seeds,
		WS:       wsServer,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 9. Run ────────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runWorker := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error(name+" stopped with error", "err", err)
				stop()
			}
		}()
	}

	runWorker("scheduler", sched.Run)
	runWorker("solvency", chain.Run)
	if ix != nil {
		runWorker("indexer", ix.Run)
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	// ── 10. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, settling and draining…")

	// The scheduler finishes settling the in-flight round before Run returns.
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
