package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"signalboard-go/internal/api"
	"signalboard-go/internal/config"
	"signalboard-go/internal/dashboard"
	"signalboard-go/internal/metrics"
	"signalboard-go/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()

	bootLog := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel).With().Str("app", cfg.App.Name).Logger()

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	board, err := dashboard.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build dashboard")
	}

	var server *api.Server
	if cfg.App.APIAddr != "" {
		server = api.NewServer(board, log, cfg.App.LogLevel == "debug")
		server.Start(cfg.App.APIAddr)
	}

	// Run blocks until a signal arrives and closes the dashboard on the way out.
	if err := board.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("dashboard close")
	}
	log.Info().Msg("shutting down")

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown")
		}
	}
}
