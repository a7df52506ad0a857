package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jack-at-someai/core/internal/core"
	"github.com/jack-at-someai/core/internal/detect"
)

const defaultConfigPath = "config/charlotte.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	demo := flag.Bool("demo", false, "Use the simulated detector regardless of configuration")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting charlotte service",
		"config", *configPath,
		"debug", *debug,
		"demo", *demo,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var opts []core.Option
	if *demo {
		opts = append(opts, core.WithDetector(detect.NewSimulated(time.Now().UnixNano(), 2)))
	}

	charlotte, err := core.NewCharlotte(*configPath, opts...)
	if err != nil {
		slog.Error("failed to create charlotte service", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- charlotte.Run(ctx)
	}()

	// Wait for shutdown signal or error
	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
			exitCode = 1
		} else {
			slog.Info("service stopped")
		}
	}

	// Graceful shutdown
	shutdownTimeout := charlotte.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := charlotte.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("charlotte service stopped successfully")
	os.Exit(exitCode)
}
