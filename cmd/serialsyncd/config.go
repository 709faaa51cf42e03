package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/serialsync/internal/config"
)

// daemonConfig holds serialsyncd settings layered over the shared profile.
// Empty string fields defer to the profile.
type daemonConfig struct {
	Profile      string
	Name         string
	Addr         string
	CorsOrigins  []string
	Port         string
	Token        string
	AutoConnect  bool
	EventBuffer  int
	SaveReceived bool
}

type fileConfig struct {
	Profile      string   `toml:"profile"`
	Name         string   `toml:"name"`
	Addr         string   `toml:"addr"`
	CorsOrigins  []string `toml:"cors_origins"`
	Port         string   `toml:"port"`
	Token        string   `toml:"token"`
	AutoConnect  bool     `toml:"auto_connect"`
	EventBuffer  int      `toml:"event_buffer"`
	SaveReceived bool     `toml:"save_received"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Profile:      "serialsync.toml",
		EventBuffer:  64,
		SaveReceived: true,
	}
}

// loadDaemonConfig overlays the keys defined in path onto the defaults. A
// relative profile path is resolved against the daemon config's directory.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load serialsyncd config: %w", err)
	}

	if meta.IsDefined("profile") {
		p := strings.TrimSpace(raw.Profile)
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		cfg.Profile = p
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("event_buffer") {
		if raw.EventBuffer <= 0 {
			return daemonConfig{}, fmt.Errorf("event_buffer must be positive, got %d", raw.EventBuffer)
		}
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("save_received") {
		cfg.SaveReceived = raw.SaveReceived
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("unknown serialsyncd config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// loadProfile reads the shared profile, or returns defaults when path is
// empty.
func loadProfile(path string) (config.File, error) {
	if strings.TrimSpace(path) == "" {
		return config.WithDefaults(config.File{}), nil
	}
	return config.Load(path)
}

// merge applies the daemon's overrides to the profile.
func (d daemonConfig) merge(f config.File) config.File {
	if d.Name != "" {
		f.Server.Name = d.Name
	}
	if d.Addr != "" {
		f.Server.Addr = d.Addr
	}
	if len(d.CorsOrigins) > 0 {
		f.Server.CorsOrigins = d.CorsOrigins
	}
	if d.Port != "" {
		f.Serial.Port = d.Port
	}
	return f
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimRight(strings.TrimSpace(origin), "/")
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
