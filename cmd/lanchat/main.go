package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"

	"lanchat/internal/app"
	"lanchat/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	banner(application.Addr(), cfg)

	sig := <-signalCh
	log.Printf("received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func banner(addr string, cfg *config.Config) {
	color.Cyan.Println("lanchat server")
	color.Green.Printf("  listening on %s\n", addr)
	if cfg.WSAddr != "" {
		color.Green.Printf("  websocket gateway on %s\n", cfg.WSAddr)
	}
	fmt.Printf("  history: %s\n", cfg.HistoryPath)
	fmt.Printf("  max sessions: %d\n", cfg.MaxSessions)
}
