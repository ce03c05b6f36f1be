// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/roomsense/internal/config"
	"github.com/ManuGH/roomsense/internal/daemon"
	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe logging defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "roomsense",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via --config, otherwise ${ROOMSENSE_DATA_DIR}/config.yaml
	// when it exists.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(config.ParseString("ROOMSENSE_DATA_DIR", "./data"))
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	d, err := daemon.New(daemon.Config{
		Version:    version.Version,
		ConfigPath: effectivePath,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.init_failed").
			Str("config_path", effectivePath).
			Msg("failed to initialize daemon")
	}

	if err := d.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon exited with error")
	}
}
