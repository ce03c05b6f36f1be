// SPDX-License-Identifier: MIT

// Package daemon provides the core bootstrapping and lifecycle management.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/roomsense/internal/api"
	"github.com/ManuGH/roomsense/internal/config"
	"github.com/ManuGH/roomsense/internal/detect"
	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/stream"
	"github.com/ManuGH/roomsense/internal/supervisor"
)

// Config holds daemon configuration.
type Config struct {
	// Version is the build version
	Version string

	// ConfigPath is the path to the YAML config file
	ConfigPath string

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration
}

// Daemon wires the registry, detector client, worker supervisor and HTTP
// surface together and manages their lifecycle.
type Daemon struct {
	config Config
	appCfg config.AppConfig
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	server *http.Server
	logger zerolog.Logger
}

// New loads configuration and assembles the daemon. Nothing is started yet.
func New(cfg Config) (*Daemon, error) {
	appCfg, err := config.NewLoader(cfg.ConfigPath).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.Configure(log.Config{
		Level:   appCfg.LogLevel,
		Output:  os.Stdout,
		Service: "roomsense",
		Version: cfg.Version,
	})
	logger := log.WithComponent("daemon")

	reg := registry.New(appCfg.RoomIDs())
	det := detect.NewClient(appCfg.Detector.URL)

	rooms := make(map[string]stream.Config, len(appCfg.Rooms))
	for _, room := range appCfg.Rooms {
		rooms[room.ID] = stream.Config{
			RoomID:     room.ID,
			Source:     appCfg.SourceConfig(room),
			FFmpegBin:  appCfg.FFmpegBin,
			Confidence: appCfg.Detector.Confidence,
		}
	}

	sup := supervisor.New(supervisor.Params{
		Registry:   reg,
		Detector:   det,
		Rooms:      rooms,
		Defaults:   appCfg.SessionTunables(),
		FFmpegBin:  appCfg.FFmpegBin,
		Confidence: appCfg.Detector.Confidence,
		StopGrace:  appCfg.StopGrace.Std(),
		UploadRoot: filepath.Join(appCfg.DataDir, "uploads"),
	})

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	return &Daemon{
		config: cfg,
		appCfg: appCfg,
		reg:    reg,
		sup:    sup,
		logger: logger,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Str("version", d.config.Version).
		Str("listen", d.appCfg.Listen).
		Int("rooms", len(d.appCfg.Rooms)).
		Msg("starting roomsense daemon")

	srv := api.New(api.Options{
		Registry:    d.reg,
		Supervisor:  d.sup,
		DataDir:     d.appCfg.DataDir,
		Version:     d.config.Version,
		BaseContext: ctx,
	})

	// WriteTimeout stays off: live MJPEG responses are long-lived.
	d.server = &http.Server{
		Addr:              d.appCfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errChan := make(chan error, 1)
	go func() {
		d.logger.Info().Msgf("HTTP server listening on %s", d.appCfg.Listen)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return d.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server, then all workers.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info().Msg("shutting down daemon")

	shutdownCtx, cancel := context.WithTimeout(ctx, d.config.ShutdownTimeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	if err := d.sup.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("worker shutdown error")
		return err
	}

	d.logger.Info().Msg("daemon stopped")
	return nil
}
