// Command server runs the linechat server.
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

	"github.com/linechat/linechat/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "linechat.toml", "Path to config file")
		port       = flag.Int("port", 0, "Override TCP port")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}

	level := parseLevel(config.LogLevel)
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := server.NewServer(config, logger)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("server start failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return srv.Stop()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
