package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/runtime"
	"golang.org/x/sys/unix"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath     string
		modelsRoot     string
		shutdownSignal string
		showVersion    bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&modelsRoot, "models", "", "Models root directory, one subdirectory per model")
	flag.StringVar(&shutdownSignal, "shutdown-signal", "", "Additional signal that starts a graceful shutdown, e.g. SIGUSR1")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	signals := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	if shutdownSignal != "" {
		sig := unix.SignalNum(strings.ToUpper(shutdownSignal))
		if sig == 0 {
			fmt.Fprintf(os.Stderr, "unknown shutdown signal %q\n", shutdownSignal)
			os.Exit(2)
		}
		signals = append(signals, sig)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if modelsRoot != "" {
		cfg.Models.Root = modelsRoot
	}
	if cfg.Models.Root == "" {
		fmt.Fprintln(os.Stderr, "a models root is required (-models or models.root)")
		os.Exit(2)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
