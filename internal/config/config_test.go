// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/roomsense/internal/source"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ffmpeg", cfg.FFmpegBin)
	assert.Equal(t, 5*time.Second, cfg.StopGrace.Std())
	assert.Equal(t, 0.4, cfg.Detector.Confidence)
	assert.Equal(t, 3, cfg.Defaults.FrameSkip)
	assert.Equal(t, 25.0, cfg.Defaults.TargetFPS)
	assert.Equal(t, 0.6, cfg.Defaults.ResizeFactor)
	assert.Equal(t, 60, cfg.Defaults.JPEGQuality)
	assert.Equal(t, []string{"Classroom", "Lab", "Library", "Office"}, cfg.RoomIDs())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
logLevel: debug
stopGrace: 2s
detector:
  url: http://detector:8500
  confidence: 0.55
defaults:
  frameSkip: 2
  targetFps: 15
  resizeFactor: 0.5
  jpegQuality: 80
rooms:
  - id: Entrance
    kind: network
    camera:
      host: 10.0.0.20
      username: admin
      password: secret
  - id: Archive
    kind: file
    filePath: /media/archive.mjpeg
    frameSkip: 1
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.StopGrace.Std())
	assert.Equal(t, 0.55, cfg.Detector.Confidence)
	assert.Equal(t, []string{"Entrance", "Archive"}, cfg.RoomIDs())

	entrance := cfg.SourceConfig(cfg.Rooms[0])
	assert.Equal(t, source.KindNetwork, entrance.Kind)
	assert.Equal(t, "10.0.0.20", entrance.Network.Host)
	assert.Equal(t, 2, entrance.FrameSkip)
	assert.Equal(t, 15.0, entrance.TargetFPS)

	// Per-room override beats the global default.
	archive := cfg.SourceConfig(cfg.Rooms[1])
	assert.Equal(t, 1, archive.FrameSkip)
	assert.Equal(t, 80, archive.JPEGQuality)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
rooms:
  - id: Entrance
    kind: network
    camera:
      host: 10.0.0.20
`)
	t.Setenv("ROOMSENSE_LISTEN", ":7000")
	t.Setenv("ROOMSENSE_CONFIDENCE", "0.7")
	t.Setenv("ROOMSENSE_STOP_GRACE", "10s")
	t.Setenv("ROOMSENSE_CAMERA_USER", "operator")
	t.Setenv("ROOMSENSE_CAMERA_PASS", "hunter2")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 0.7, cfg.Detector.Confidence)
	assert.Equal(t, 10*time.Second, cfg.StopGrace.Std())
	assert.Equal(t, "operator", cfg.Rooms[0].Camera.Username)
	assert.Equal(t, "hunter2", cfg.Rooms[0].Camera.Password)
}

func TestEnvCredentialsDoNotClobberFile(t *testing.T) {
	path := writeConfig(t, `
rooms:
  - id: Entrance
    kind: network
    camera:
      host: 10.0.0.20
      username: fromfile
      password: filepass
`)
	t.Setenv("ROOMSENSE_CAMERA_USER", "operator")
	t.Setenv("ROOMSENSE_CAMERA_PASS", "hunter2")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Rooms[0].Camera.Username)
	assert.Equal(t, "filepass", cfg.Rooms[0].Camera.Password)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("ROOMSENSE_FRAME_SKIP", "banana")
	t.Setenv("ROOMSENSE_STOP_GRACE", "soon")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Defaults.FrameSkip)
	assert.Equal(t, 5*time.Second, cfg.StopGrace.Std())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() AppConfig { return Defaults() }

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*AppConfig) {},
		},
		{
			name:    "empty listen",
			mutate:  func(c *AppConfig) { c.Listen = "" },
			wantErr: "listen address",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *AppConfig) { c.Detector.Confidence = 1.5 },
			wantErr: "confidence",
		},
		{
			name:    "zero stop grace",
			mutate:  func(c *AppConfig) { c.StopGrace = 0 },
			wantErr: "stop grace",
		},
		{
			name:    "no rooms",
			mutate:  func(c *AppConfig) { c.Rooms = nil },
			wantErr: "at least one room",
		},
		{
			name:    "duplicate room id",
			mutate:  func(c *AppConfig) { c.Rooms[1].ID = c.Rooms[0].ID },
			wantErr: "duplicate room id",
		},
		{
			name:    "network room without host",
			mutate:  func(c *AppConfig) { c.Rooms[0] = RoomConfig{ID: "Cam", Kind: source.KindNetwork} },
			wantErr: `room "Cam"`,
		},
		{
			name: "bad per-room override",
			mutate: func(c *AppConfig) {
				zero := 0
				c.Rooms[0].FrameSkip = &zero
			},
			wantErr: "frame_skip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, "stopGrace: 90ms\n")
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Millisecond, cfg.StopGrace.Std())

	_, err = NewLoader(writeConfig(t, "stopGrace: eventually\n")).Load()
	assert.Error(t, err)
}
