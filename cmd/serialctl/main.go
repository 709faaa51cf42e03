package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danmuck/serialsync/internal/config"
	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/logging"
	"github.com/danmuck/serialsync/internal/observability"
)

const defaultProfile = "serialsync.toml"

func main() {
	profilePath := flag.String("profile", defaultProfile, "serialsync.toml profile")
	verbose := flag.Bool("v", false, "log at the profile's level instead of warn")
	flag.Parse()

	if err := run(*profilePath, flag.Arg(0), *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "serialctl: %v\n", err)
		os.Exit(1)
	}
}

func loadProfile(path string) (config.File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultProfile {
		return config.WithDefaults(config.File{}), nil
	}
	return config.Load(path)
}

func run(profilePath, portArg string, verbose bool) error {
	profile, err := loadProfile(profilePath)
	if err != nil {
		return err
	}
	logCfg, err := profile.LoggingConfig()
	if err != nil {
		return err
	}
	if !verbose && logCfg.Level < zerolog.WarnLevel {
		logCfg.Level = zerolog.WarnLevel
	}
	logCfg.Out = os.Stderr
	logging.ConfigureWith(logCfg)
	observability.WithApp("serialctl")

	sessionCfg, err := profile.SessionConfig()
	if err != nil {
		return err
	}
	serialCfg, err := profile.SerialConfig()
	if err != nil {
		return err
	}

	sh := newShell(os.Stdout)
	l, err := link.New(link.Options{
		Config:   sessionCfg,
		Serial:   serialCfg,
		Handlers: sh.handlers(),
	})
	if err != nil {
		return err
	}
	sh.ctrl = l
	defer func() { _ = l.Disconnect() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sh.println("serialctl: type help for commands")
	if port := strings.TrimSpace(portArg); port != "" || serialCfg.Port != "" {
		if err := l.Connect(ctx, port); err != nil {
			sh.println("auto-connect failed: %v", err)
		}
	}
	err = sh.Run(ctx, os.Stdin)
	sh.saving.Wait()
	return err
}
