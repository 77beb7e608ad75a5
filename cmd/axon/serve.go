package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axonproxy/axon/internal/config"
	"github.com/axonproxy/axon/internal/gateway"
	"github.com/axonproxy/axon/internal/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the gateway, hot-reloading on config changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/axon.yaml", "path to config file")
	return cmd
}

func runServe(configPath string) error {
	bootstrapLog := newLogger("info", "auto")
	defer bootstrapLog.Sync() //nolint:errcheck

	bootstrapLog.Infow("starting axon", "version", version, "config", configPath)

	cfg, watcher, err := config.LoadAndWatch(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Fatalw("failed to load config", "err", err)
	}
	defer watcher.Close()

	log := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync() //nolint:errcheck

	gw, err := gateway.New(cfg, log)
	if err != nil {
		log.Fatalw("failed to build gateway", "err", err)
	}

	go func() {
		for newCfg := range watcher.Updates() {
			log.Infow("config changed, reloading routes")
			if err := gw.Reload(newCfg); err != nil {
				log.Errorw("reload failed, keeping previous routes", "err", err)
			}
		}
	}()

	adminMux := http.NewServeMux()
	gw.RegisterAdminHandlers(adminMux)
	adminSrv := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      adminMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	mainHandler := middleware.Chain(gw.Handler(),
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
	)
	mainSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mainHandler,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Infow("admin listener starting", "addr", cfg.Admin.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("admin listener failed", "err", err)
			os.Exit(2)
		}
	}()

	go func() {
		log.Infow("proxy listener starting", "addr", cfg.ListenAddr)
		var err error
		if cfg.TLS != nil && cfg.TLS.CertPath != "" {
			err = mainSrv.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = mainSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("proxy listener failed", "err", err)
			os.Exit(2)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Infow("shutdown signal received, draining in-flight requests")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSecs)*time.Second)
	defer cancel()

	gw.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
	if err := mainSrv.Shutdown(ctx); err != nil {
		log.Errorw("graceful shutdown of proxy listener failed", "err", err)
	}
	log.Infow("goodbye")
	return nil
}

// newLogger builds a zap.SugaredLogger whose encoding follows format:
// "json" always emits JSON, "console" always emits the human-readable
// console encoder, and "auto" (the default) picks console when stdout
// is a terminal and JSON otherwise — the usual behavior for a CLI tool
// that's also run under a log collector in production.
func newLogger(level, format string) *zap.SugaredLogger {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	encoding := format
	if format == "" || format == "auto" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			encoding = "console"
		} else {
			encoding = "json"
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = encoding
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}
