// SPDX-License-Identifier: MIT

// Package config provides configuration management for roomsense.
// Precedence, lowest to highest: built-in defaults, YAML file, environment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/roomsense/internal/source"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DetectorConfig addresses the person detection sidecar.
type DetectorConfig struct {
	URL        string  `yaml:"url,omitempty"`
	Confidence float64 `yaml:"confidence,omitempty"`
}

// Tunables are the per-stream processing knobs. Rooms inherit the global
// defaults; pointer fields on RoomConfig override them per room.
type Tunables struct {
	FrameSkip    int     `yaml:"frameSkip,omitempty"`
	TargetFPS    float64 `yaml:"targetFps,omitempty"`
	ResizeFactor float64 `yaml:"resizeFactor,omitempty"`
	JPEGQuality  int     `yaml:"jpegQuality,omitempty"`
}

// RoomConfig binds one room to its video source.
// Uses pointers for optional overrides to distinguish "not set" from zero.
type RoomConfig struct {
	ID   string      `yaml:"id"`
	Kind source.Kind `yaml:"kind"`

	DeviceIndex int            `yaml:"deviceIndex,omitempty"`
	Camera      source.Network `yaml:"camera,omitempty"`
	FilePath    string         `yaml:"filePath,omitempty"`

	FrameSkip    *int     `yaml:"frameSkip,omitempty"`
	TargetFPS    *float64 `yaml:"targetFps,omitempty"`
	ResizeFactor *float64 `yaml:"resizeFactor,omitempty"`
	JPEGQuality  *int     `yaml:"jpegQuality,omitempty"`
}

// AppConfig is the fully merged runtime configuration.
type AppConfig struct {
	Listen    string   `yaml:"listen,omitempty"`
	LogLevel  string   `yaml:"logLevel,omitempty"`
	DataDir   string   `yaml:"dataDir,omitempty"`
	FFmpegBin string   `yaml:"ffmpegBin,omitempty"`
	StopGrace Duration `yaml:"stopGrace,omitempty"`

	Detector DetectorConfig `yaml:"detector"`
	Defaults Tunables       `yaml:"defaults"`
	Rooms    []RoomConfig   `yaml:"rooms,omitempty"`
}

// Defaults returns the built-in configuration before any file or environment
// merge. The room set mirrors a typical small deployment and is replaced
// entirely by the first rooms list found in the YAML file.
func Defaults() AppConfig {
	return AppConfig{
		Listen:    ":8080",
		LogLevel:  "info",
		DataDir:   "./data",
		FFmpegBin: "ffmpeg",
		StopGrace: Duration(5 * time.Second),
		Detector: DetectorConfig{
			URL:        "http://127.0.0.1:8500",
			Confidence: 0.4,
		},
		Defaults: Tunables{
			FrameSkip:    3,
			TargetFPS:    25,
			ResizeFactor: 0.6,
			JPEGQuality:  60,
		},
		Rooms: []RoomConfig{
			{ID: "Classroom", Kind: source.KindDevice, DeviceIndex: 0},
			{ID: "Lab", Kind: source.KindDevice, DeviceIndex: 1},
			{ID: "Library", Kind: source.KindDevice, DeviceIndex: 2},
			{ID: "Office", Kind: source.KindDevice, DeviceIndex: 3},
		},
	}
}

// SourceConfig materializes the effective source.Config for one room,
// applying the global tunables and any per-room overrides.
func (c *AppConfig) SourceConfig(room RoomConfig) source.Config {
	cfg := source.Config{
		Kind:         room.Kind,
		DeviceIndex:  room.DeviceIndex,
		Network:      room.Camera,
		FilePath:     room.FilePath,
		FrameSkip:    c.Defaults.FrameSkip,
		TargetFPS:    c.Defaults.TargetFPS,
		ResizeFactor: c.Defaults.ResizeFactor,
		JPEGQuality:  c.Defaults.JPEGQuality,
	}
	if room.FrameSkip != nil {
		cfg.FrameSkip = *room.FrameSkip
	}
	if room.TargetFPS != nil {
		cfg.TargetFPS = *room.TargetFPS
	}
	if room.ResizeFactor != nil {
		cfg.ResizeFactor = *room.ResizeFactor
	}
	if room.JPEGQuality != nil {
		cfg.JPEGQuality = *room.JPEGQuality
	}
	return cfg
}

// SessionTunables returns the tunables template used for uploaded videos.
func (c *AppConfig) SessionTunables() source.Config {
	return source.Config{
		Kind:         source.KindFile,
		FrameSkip:    c.Defaults.FrameSkip,
		TargetFPS:    c.Defaults.TargetFPS,
		ResizeFactor: c.Defaults.ResizeFactor,
		JPEGQuality:  c.Defaults.JPEGQuality,
	}
}

// RoomIDs returns the configured room ids in file order.
func (c *AppConfig) RoomIDs() []string {
	ids := make([]string, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

// Validate reports the first problem in the merged configuration.
func (c *AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Detector.URL == "" {
		return fmt.Errorf("detector url must not be empty")
	}
	if c.Detector.Confidence <= 0 || c.Detector.Confidence > 1 {
		return fmt.Errorf("detector confidence must be in (0, 1], got %v", c.Detector.Confidence)
	}
	if c.StopGrace.Std() <= 0 {
		return fmt.Errorf("stop grace must be positive, got %v", c.StopGrace.Std())
	}
	if len(c.Rooms) == 0 {
		return fmt.Errorf("at least one room must be configured")
	}
	seen := make(map[string]struct{}, len(c.Rooms))
	for _, room := range c.Rooms {
		if room.ID == "" {
			return fmt.Errorf("room id must not be empty")
		}
		if _, dup := seen[room.ID]; dup {
			return fmt.Errorf("duplicate room id %q", room.ID)
		}
		seen[room.ID] = struct{}{}
		if err := c.SourceConfig(room).Validate(); err != nil {
			return fmt.Errorf("room %q: %w", room.ID, err)
		}
	}
	return nil
}
