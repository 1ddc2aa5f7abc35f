package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/trivia/internal/config"
	"github.com/victornm/trivia/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("CONFIG_PATH")); err != nil {
		slog.Error("trivia: exited", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is done, then shuts the server down.
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		return errors.New("CONFIG_PATH not set")
	}

	c := server.DefaultConfig()
	if err := config.Load(configPath, &c); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := server.Init(c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	go s.Start()

	<-ctx.Done()
	slog.Info("trivia: shutting down", "cause", context.Cause(ctx))
	s.Shutdown()
	return nil
}
