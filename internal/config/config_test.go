package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestFullTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "serialsync.toml")
	if err := WriteTemplate(path, "serialsync", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sc, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	want := session.DefaultConfig()
	want.AutoReconnect = true
	if diff := cmp.Diff(want, sc); diff != "" {
		t.Fatalf("session config (-want +got):\n%s", diff)
	}

	serial, err := cfg.SerialConfig()
	if err != nil {
		t.Fatalf("serial config: %v", err)
	}
	if serial.Port != "/dev/ttyUSB0" || serial.BaudRate != 115200 || serial.ReadTimeout != 100*time.Millisecond {
		t.Fatalf("unexpected serial config: %+v", serial)
	}

	lc, err := cfg.LoggingConfig()
	if err != nil {
		t.Fatalf("logging config: %v", err)
	}
	if lc.Level != zerolog.InfoLevel || lc.File != "logs/serialsync.log" || lc.MaxBackups != 3 {
		t.Fatalf("unexpected logging config: %+v", lc)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "serialsync.toml")
	if err := WriteTemplate(path, "minimal", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "minimal", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "full", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := Template("modem"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestParseDefaultsAndMillisOverride(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse([]byte(`
[sync]
ack_timeout = "3s"
ack_timeout_ms = 250
auto_accept = false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":3000" || cfg.Serial.BaudRate != 115200 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	sc, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	if sc.AckTimeout != 250*time.Millisecond {
		t.Fatalf("ack timeout got=%v", sc.AckTimeout)
	}
	if sc.AutoAccept {
		t.Fatalf("auto_accept=false should disable auto accept")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":   "[sync]\nack_timeout = \"soon\"\n",
		"chunk too big":  "[sync]\nchunk_size = 70000\n",
		"bad parity":     "[serial]\nparity = \"sometimes\"\n",
		"bad stop bits":  "[serial]\nstop_bits = \"3\"\n",
		"bad log level":  "[logging]\nlevel = \"shout\"\n",
		"negative delay": "[sync]\nreconnect_delay = \"-1s\"\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
