package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/serialsync/internal/api"
	"github.com/danmuck/serialsync/internal/auth"
	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/logging"
	"github.com/danmuck/serialsync/internal/observability"
)

const defaultConfigPath = "cmd/serialsyncd/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "serialsyncd config path")
	profile := flag.String("profile", "", "shared serialsync.toml profile (overrides config)")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	port := flag.String("port", "", "serial port (overrides config)")
	flag.Parse()

	dcfg, err := resolveDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serialsyncd: %v\n", err)
		os.Exit(1)
	}
	if *profile != "" {
		dcfg.Profile = *profile
	}
	if *addr != "" {
		dcfg.Addr = *addr
	}
	if *port != "" {
		dcfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, dcfg); err != nil {
		fmt.Fprintf(os.Stderr, "serialsyncd: %v\n", err)
		os.Exit(1)
	}
}

// resolveDaemonConfig loads path, falling back to defaults when the default
// path does not exist.
func resolveDaemonConfig(path string) (daemonConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg := defaultDaemonConfig()
		if _, err := os.Stat(cfg.Profile); errors.Is(err, os.ErrNotExist) {
			cfg.Profile = ""
		}
		return cfg, nil
	}
	return loadDaemonConfig(path)
}

func run(ctx context.Context, dcfg daemonConfig) error {
	profile, err := loadProfile(dcfg.Profile)
	if err != nil {
		return err
	}
	profile = dcfg.merge(profile)

	logCfg, err := profile.LoggingConfig()
	if err != nil {
		return err
	}
	logging.ConfigureWith(logCfg)
	observability.WithApp("serialsyncd")

	sessionCfg, err := profile.SessionConfig()
	if err != nil {
		return err
	}
	serialCfg, err := profile.SerialConfig()
	if err != nil {
		return err
	}

	hub := api.NewHub(dcfg.EventBuffer, dcfg.SaveReceived)
	l, err := link.New(link.Options{
		Config:   sessionCfg,
		Serial:   serialCfg,
		Handlers: hub.Handlers(),
	})
	if err != nil {
		return err
	}
	defer hub.Wait()
	defer func() { _ = l.Disconnect() }()

	log.Info().
		Str("profile", dcfg.Profile).
		Str("port", serialCfg.Port).
		Int("baud", serialCfg.BaudRate).
		Int("chunk_size", sessionCfg.ChunkSize).
		Bool("compression", sessionCfg.Compression).
		Msg("serialsyncd configured")

	if dcfg.AutoConnect {
		if err := l.Connect(ctx, ""); err != nil {
			log.Warn().Err(err).Str("port", serialCfg.Port).Msg("auto-connect failed")
		}
	}

	server := api.New(profile.Server.Name, profile.Server.Addr, profile.Server.CorsOrigins, l, hub)
	if v := auth.FromConfig(dcfg.Token); v != nil {
		server.SetValidator(v)
		log.Info().Msg("api token required")
	}
	return server.Run(ctx)
}
