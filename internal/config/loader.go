// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/roomsense/internal/source"
)

// Loader merges configuration with precedence: defaults < file < environment.
type Loader struct {
	configPath string
}

// NewLoader creates a loader for the given YAML path. An empty path skips the
// file stage entirely.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load produces the validated runtime configuration.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if err := l.mergeFile(&cfg); err != nil {
		return AppConfig{}, err
	}
	l.mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeFile overlays the YAML file onto cfg. A missing file is only an error
// when a path was given explicitly.
func (l *Loader) mergeFile(cfg *AppConfig) error {
	if l.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", l.configPath)
		}
		return fmt.Errorf("read config %q: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", l.configPath, err)
	}
	return nil
}

// mergeEnv overlays ROOMSENSE_* environment variables, the highest
// precedence stage.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Listen = ParseString("ROOMSENSE_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("ROOMSENSE_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = ParseString("ROOMSENSE_DATA_DIR", cfg.DataDir)
	cfg.FFmpegBin = ParseString("ROOMSENSE_FFMPEG_BIN", cfg.FFmpegBin)
	cfg.StopGrace = Duration(ParseDuration("ROOMSENSE_STOP_GRACE", cfg.StopGrace.Std()))

	cfg.Detector.URL = ParseString("ROOMSENSE_DETECTOR_URL", cfg.Detector.URL)
	cfg.Detector.Confidence = ParseFloat("ROOMSENSE_CONFIDENCE", cfg.Detector.Confidence)

	cfg.Defaults.FrameSkip = ParseInt("ROOMSENSE_FRAME_SKIP", cfg.Defaults.FrameSkip)
	cfg.Defaults.TargetFPS = ParseFloat("ROOMSENSE_TARGET_FPS", cfg.Defaults.TargetFPS)
	cfg.Defaults.ResizeFactor = ParseFloat("ROOMSENSE_RESIZE_FACTOR", cfg.Defaults.ResizeFactor)
	cfg.Defaults.JPEGQuality = ParseInt("ROOMSENSE_JPEG_QUALITY", cfg.Defaults.JPEGQuality)

	// Camera credentials can be supplied once via the environment instead of
	// being written into the file next to every room.
	user := ParseString("ROOMSENSE_CAMERA_USER", "")
	pass := ParseString("ROOMSENSE_CAMERA_PASS", "")
	if user == "" && pass == "" {
		return
	}
	for i := range cfg.Rooms {
		if cfg.Rooms[i].Kind != source.KindNetwork {
			continue
		}
		if user != "" && cfg.Rooms[i].Camera.Username == "" {
			cfg.Rooms[i].Camera.Username = user
		}
		if pass != "" && cfg.Rooms[i].Camera.Password == "" {
			cfg.Rooms[i].Camera.Password = pass
		}
	}
}
