package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// MaxChunkSize bounds ChunkSize so every Data frame fits the receiving
// framer's default chunk limit.
const MaxChunkSize = 16 * 1024

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transfer/session reliability settings for one link.
type Config struct {
	ChunkSize              int
	AckTimeout             time.Duration
	RetryAttempts          int
	ConfirmTimeout         time.Duration
	ImplicitConfirmTimeout time.Duration
	Compression            bool
	AutoAccept             bool
	SaveDir                string
	InboundSessionTTL      time.Duration
	AutoReconnect          bool
	MaxReconnectAttempts   int
	Backoff                BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:              256,
		AckTimeout:             time.Second,
		RetryAttempts:          5,
		ConfirmTimeout:         60 * time.Second,
		ImplicitConfirmTimeout: 5 * time.Second,
		Compression:            false,
		AutoAccept:             true,
		SaveDir:                "received_files",
		InboundSessionTTL:      2 * time.Minute,
		AutoReconnect:          false,
		MaxReconnectAttempts:   5,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.ImplicitConfirmTimeout <= 0 {
		c.ImplicitConfirmTimeout = def.ImplicitConfirmTimeout
	}
	if strings.TrimSpace(c.SaveDir) == "" {
		c.SaveDir = def.SaveDir
	}
	if c.InboundSessionTTL <= 0 {
		c.InboundSessionTTL = def.InboundSessionTTL
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size %d outside 1..%d", ErrInvalidConfig, c.ChunkSize, MaxChunkSize)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidConfig)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry attempts must be at least 1", ErrInvalidConfig)
	}
	if c.ConfirmTimeout <= 0 || c.ImplicitConfirmTimeout <= 0 {
		return fmt.Errorf("%w: confirm timeouts must be positive", ErrInvalidConfig)
	}
	if c.InboundSessionTTL <= 0 {
		return fmt.Errorf("%w: inbound session ttl must be positive", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: backoff multiplier must not be negative", ErrInvalidConfig)
	}
	return nil
}
