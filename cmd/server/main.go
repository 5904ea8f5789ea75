package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/joho/godotenv"

	"vtt/internal/hub"
	"vtt/internal/server"
	"vtt/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "optional YAML config file overlaying environment variables")
	flag.Parse()

	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	cfg := server.LoadConfig()
	if *configFile != "" {
		if err := cfg.ApplyFile(*configFile); err != nil {
			return err
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCfg := hub.DefaultConfig()
	hubCfg.CheckOrigin = server.OriginChecker(cfg.AllowedOrigins)
	h := hub.New(hubCfg, logger)
	go h.Start(ctx)

	srv := server.New(cfg, logger, st, h)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
