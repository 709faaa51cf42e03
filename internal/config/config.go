package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// File is the shared serialsync.toml profile read by serialctl and
// serialsyncd.
type File struct {
	Serial  SerialSection  `toml:"serial"`
	Sync    SyncSection    `toml:"sync"`
	Server  ServerSection  `toml:"server"`
	Logging LoggingSection `toml:"logging"`
}

type SerialSection struct {
	Port        string `toml:"port"`
	BaudRate    int    `toml:"baud_rate"`
	DataBits    int    `toml:"data_bits"`
	Parity      string `toml:"parity"`
	StopBits    string `toml:"stop_bits"`
	ReadTimeout string `toml:"read_timeout"`
}

// SyncSection holds engine settings. Durations are Go duration strings; the
// _ms variants win when both are set.
type SyncSection struct {
	ChunkSize              int    `toml:"chunk_size"`
	AckTimeout             string `toml:"ack_timeout"`
	AckTimeoutMS           int64  `toml:"ack_timeout_ms"`
	RetryAttempts          int    `toml:"retry_attempts"`
	ConfirmTimeout         string `toml:"confirm_timeout"`
	ImplicitConfirmTimeout string `toml:"implicit_confirm_timeout"`
	Compression            bool   `toml:"compression"`
	AutoAccept             *bool  `toml:"auto_accept"`
	SaveDir                string `toml:"save_dir"`
	SessionTTL             string `toml:"session_ttl"`
	AutoReconnect          bool   `toml:"auto_reconnect"`
	MaxReconnectAttempts   int    `toml:"max_reconnect_attempts"`
	ReconnectDelay         string `toml:"reconnect_delay"`
	ReconnectDelayMS       int64  `toml:"reconnect_delay_ms"`
	ReconnectMaxDelay      string `toml:"reconnect_max_delay"`
}

type ServerSection struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LoggingSection struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	NoColor    bool   `toml:"no_color"`
}

func Load(path string) (File, error) {
	var cfg File
	if err := loadToml(path, &cfg); err != nil {
		return File{}, err
	}
	cfg = WithDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Parse decodes a profile from memory, applying defaults and validation.
func Parse(data []byte) (File, error) {
	var cfg File
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg = WithDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func WithDefaults(cfg File) File {
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 115200
	}
	if cfg.Serial.DataBits == 0 {
		cfg.Serial.DataBits = 8
	}
	if strings.TrimSpace(cfg.Serial.Parity) == "" {
		cfg.Serial.Parity = "none"
	}
	if strings.TrimSpace(cfg.Serial.StopBits) == "" {
		cfg.Serial.StopBits = "1"
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "serialsyncd"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

func Validate(cfg File) error {
	if cfg.Serial.BaudRate < 0 {
		return fmt.Errorf("%w: serial.baud_rate must be positive", ErrInvalid)
	}
	if _, err := cfg.SerialConfig(); err != nil {
		return fmt.Errorf("%w: serial: %v", ErrInvalid, err)
	}
	sc, err := cfg.SessionConfig()
	if err != nil {
		return fmt.Errorf("%w: sync: %v", ErrInvalid, err)
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if _, err := cfg.LoggingConfig(); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalid, err)
	}
	return nil
}

// parseDuration reads a duration string, preferring ms when it is set.
func parseDuration(field, raw string, ms int64) (time.Duration, error) {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
