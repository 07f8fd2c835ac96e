package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/archive"
	appcfg "github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/connreg"
	"github.com/park285/cheese-arena/internal/gateway"
	"github.com/park285/cheese-arena/internal/identity"
	"github.com/park285/cheese-arena/internal/matchmaker"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/tcontrol"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	clk := clockwork.NewRealClock()

	controls, err := tcontrol.New(cfg.PresetDir)
	if err != nil {
		obslog.L().Fatal("time control catalog init", zap.Error(err))
	}

	var verifier identity.Verifier
	if cfg.AllowAnonymous {
		verifier = identity.StaticVerifier{}
		obslog.L().Warn("anonymous access enabled; tokens are taken at face value")
	} else {
		verifier = identity.NewClient(cfg.IdentityBaseURL)
	}

	// Archive is optional: without Redis, finished games survive only for
	// the in-memory retention window.
	var archiver session.Archiver
	var store *archive.Store
	if cfg.RedisURL != "" {
		store, err = archive.NewStore(cfg.RedisURL, cfg.ArchiveTTL())
		if err != nil {
			obslog.L().Fatal("archive store init", zap.Error(err))
		}
		if cfg.DatabaseURL != "" {
			repo, err := archive.NewRepository(cfg.DatabaseURL)
			if err != nil {
				obslog.L().Fatal("archive repository init", zap.Error(err))
			}
			store.AttachRepository(repo)
			defer func() { _ = repo.Close() }()
		}
		defer func() { _ = store.Close() }()
		archiver = store
	}

	conns := connreg.New(clk)
	notifier := gateway.NewNotifier(conns)

	sessions := session.NewRegistry(session.RegistryConfig{
		Grace:     cfg.ReconnectGrace(),
		Retention: cfg.Retention(),
	}, notifier, archiver, clk)
	defer sessions.Close()

	match := matchmaker.New(matchmaker.Config{
		InitialWindow: cfg.MatchInitialWindow,
		WindowDouble:  time.Duration(cfg.MatchWindowStepSec) * time.Second,
		MaxWindow:     cfg.MatchMaxWindow,
		MaxWait:       time.Duration(cfg.MatchMaxWaitSec) * time.Second,
		SweepInterval: time.Duration(cfg.MatchSweepSec) * time.Second,
	}, sessions, notifier, clk)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go match.Run(runCtx)

	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, verifier, sessions, match, conns, controls)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		obslog.L().Info("shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			obslog.L().Error("gateway error", zap.Error(err))
		}
	}

	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		obslog.L().Warn("shutdown incomplete", zap.Error(err))
	}
}
