package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nbatchelor/visionchat/internal/config"
	"github.com/nbatchelor/visionchat/internal/server"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("visionchat-server", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "Listen address override (default from config)")
	version := fs.Bool("version", false, "Print build information")
	_ = fs.Parse(os.Args[1:])

	if *version {
		fmt.Printf("visionchat-server %s\n", Version)
		return
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.Listen = strings.TrimSpace(*listen)
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)

	apiKey := os.Getenv(cfg.Provider.APIKeyName())
	provider, err := server.NewProvider(cfg.Provider, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presigner, err := server.NewS3Presigner(ctx, cfg.Upload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init presigner: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Options{
		Logger:    logger,
		Listen:    cfg.ListenAddr(),
		Provider:  provider,
		Presigner: presigner,
		KeyPrefix: cfg.Upload.Prefix(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(strings.TrimSpace(format)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
