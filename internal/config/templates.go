package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "serialsync", "full":
		return fullTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const fullTemplate = `[serial]
port = "/dev/ttyUSB0"
baud_rate = 115200
data_bits = 8
parity = "none"
stop_bits = "1"
read_timeout = "100ms"

[sync]
chunk_size = 256
ack_timeout = "1s"
retry_attempts = 5
confirm_timeout = "60s"
implicit_confirm_timeout = "5s"
compression = false
auto_accept = true
save_dir = "received_files"
session_ttl = "2m"
auto_reconnect = true
max_reconnect_attempts = 5
reconnect_delay = "1s"
reconnect_max_delay = "30s"

[server]
name = "serialsyncd"
addr = ":3000"
cors_origins = ["http://localhost:3000"]

[logging]
level = "info"
file = "logs/serialsync.log"
max_size_mb = 10
max_backups = 3
`

const minimalTemplate = `[serial]
port = "/dev/ttyUSB0"
baud_rate = 115200
`
