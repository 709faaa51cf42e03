package main

import (
	"flag"
	"log"

	"github.com/danmuck/serialsync/internal/config"
)

const defaultPath = "serialsync.toml"

func main() {
	kind := flag.String("kind", "serialsync", "template kind: serialsync|minimal")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (port=%q baud=%d server=%s)",
			*input, cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Server.Addr)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
