package config

import (
	"fmt"
	"os"
	"time"

	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/logging"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// SessionConfig maps [sync] onto engine config. Unset fields keep the
// engine defaults.
func (f File) SessionConfig() (session.Config, error) {
	s := f.Sync
	cfg := session.DefaultConfig()
	if s.ChunkSize != 0 {
		cfg.ChunkSize = s.ChunkSize
	}
	if s.RetryAttempts != 0 {
		cfg.RetryAttempts = s.RetryAttempts
	}
	if s.SaveDir != "" {
		cfg.SaveDir = s.SaveDir
	}
	cfg.Compression = s.Compression
	if s.AutoAccept != nil {
		cfg.AutoAccept = *s.AutoAccept
	}
	cfg.AutoReconnect = s.AutoReconnect
	if s.MaxReconnectAttempts != 0 {
		cfg.MaxReconnectAttempts = s.MaxReconnectAttempts
	}

	durations := []struct {
		field string
		raw   string
		ms    int64
		dst   *time.Duration
	}{
		{"ack_timeout", s.AckTimeout, s.AckTimeoutMS, &cfg.AckTimeout},
		{"confirm_timeout", s.ConfirmTimeout, 0, &cfg.ConfirmTimeout},
		{"implicit_confirm_timeout", s.ImplicitConfirmTimeout, 0, &cfg.ImplicitConfirmTimeout},
		{"session_ttl", s.SessionTTL, 0, &cfg.InboundSessionTTL},
		{"reconnect_delay", s.ReconnectDelay, s.ReconnectDelayMS, &cfg.Backoff.InitialDelay},
		{"reconnect_max_delay", s.ReconnectMaxDelay, 0, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.raw, d.ms)
		if err != nil {
			return session.Config{}, err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	return cfg, nil
}

func (f File) SerialConfig() (link.SerialConfig, error) {
	s := f.Serial
	cfg := link.DefaultSerialConfig()
	cfg.Port = s.Port
	if s.BaudRate != 0 {
		cfg.BaudRate = s.BaudRate
	}
	if s.DataBits != 0 {
		cfg.DataBits = s.DataBits
	}
	if s.Parity != "" {
		cfg.Parity = s.Parity
	}
	if s.StopBits != "" {
		cfg.StopBits = s.StopBits
	}
	timeout, err := parseDuration("read_timeout", s.ReadTimeout, 0)
	if err != nil {
		return link.SerialConfig{}, err
	}
	if timeout > 0 {
		cfg.ReadTimeout = timeout
	}
	if _, err := cfg.Mode(); err != nil {
		return link.SerialConfig{}, err
	}
	return cfg, nil
}

func (f File) LoggingConfig() (logging.Config, error) {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if f.Logging.Level != "" {
		lvl, ok := logging.ParseLevel(f.Logging.Level)
		if !ok {
			return logging.Config{}, fmt.Errorf("unknown level %q", f.Logging.Level)
		}
		cfg.Level = lvl
	}
	cfg.File = f.Logging.File
	if f.Logging.MaxSizeMB > 0 {
		cfg.MaxSizeMB = f.Logging.MaxSizeMB
	}
	if f.Logging.MaxBackups > 0 {
		cfg.MaxBackups = f.Logging.MaxBackups
	}
	cfg.NoColor = f.Logging.NoColor
	cfg.Out = os.Stdout
	return cfg, nil
}
