// SPDX-License-Identifier: MIT

// Package source abstracts "get the next raw frame" over local capture
// devices, RTSP network cameras and uploaded video files.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/roomsense/internal/log"
)

var (
	// ErrEndOfStream marks the deterministic end of a finite source.
	ErrEndOfStream = errors.New("end of stream")

	// ErrSourceUnavailable marks an open/connect failure. It is reported,
	// never retried automatically.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceInterrupted marks a mid-stream drop. Terminal for the worker
	// that owns the source.
	ErrSourceInterrupted = errors.New("source interrupted")
)

// Frame is one decoded video frame. Data is shared by reference and must not
// be mutated after it leaves the source.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Seq       uint64
}

// FrameSource is the capability set the stream worker depends on. Concrete
// variants never leak through this interface.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Kind discriminates the source variants.
type Kind string

const (
	KindDevice  Kind = "device"
	KindNetwork Kind = "network"
	KindFile    Kind = "file"
)

// Network describes an RTSP camera address. Credentials live only as long as
// the worker constructed from them.
type Network struct {
	Host     string `yaml:"host" json:"host"`
	Username string `yaml:"username" json:"-"`
	Password string `yaml:"password" json:"-"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// URL builds the RTSP connection URI from the camera address.
func (n Network) URL() string {
	channel := n.Channel
	if channel == "" {
		channel = "101"
	}
	u := url.URL{
		Scheme: "rtsp",
		Host:   n.Host + ":554",
		Path:   "/Streaming/Channels/" + channel,
	}
	if n.Username != "" {
		u.User = url.UserPassword(n.Username, n.Password)
	}
	return u.String()
}

// Redacted returns the connection URI with user info stripped, safe for logs.
func (n Network) Redacted() string {
	stripped := n
	stripped.Username = ""
	stripped.Password = ""
	return stripped.URL()
}

// Config describes where a worker gets frames and how it should pace itself.
// Immutable once a worker is constructed from it.
type Config struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// KindDevice
	DeviceIndex int `yaml:"device_index" json:"device_index"`

	// KindNetwork
	Network Network `yaml:"network" json:"network"`

	// KindFile
	FilePath string `yaml:"file_path" json:"file_path"`

	// Tunables.
	FrameSkip    int     `yaml:"frame_skip" json:"frame_skip"`       // inference runs on every Nth frame
	TargetFPS    float64 `yaml:"target_fps" json:"target_fps"`       // upper bound on capture/publish rate
	ResizeFactor float64 `yaml:"resize_factor" json:"resize_factor"` // pre-inference downscale, 0 < r <= 1
	JPEGQuality  int     `yaml:"jpeg_quality" json:"jpeg_quality"`   // 0-100
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Kind {
	case KindDevice:
		if c.DeviceIndex < 0 {
			return fmt.Errorf("device_index must be >= 0 (got %d)", c.DeviceIndex)
		}
	case KindNetwork:
		if c.Network.Host == "" {
			return errors.New("network source requires a host")
		}
	case KindFile:
		if c.FilePath == "" {
			return errors.New("file source requires a path")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
	if c.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be >= 1 (got %d)", c.FrameSkip)
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be > 0 (got %g)", c.TargetFPS)
	}
	if c.ResizeFactor <= 0 || c.ResizeFactor > 1 {
		return fmt.Errorf("resize_factor must be in (0, 1] (got %g)", c.ResizeFactor)
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [0, 100] (got %d)", c.JPEGQuality)
	}
	return nil
}

// FrameInterval is the per-frame budget implied by TargetFPS.
func (c Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.TargetFPS)
}

// Describe returns a log-safe description of the source location.
func (c Config) Describe() string {
	switch c.Kind {
	case KindDevice:
		return fmt.Sprintf("device:%d", c.DeviceIndex)
	case KindNetwork:
		return c.Network.Redacted()
	case KindFile:
		return "file:" + c.FilePath
	}
	return string(c.Kind)
}

// isMJPEGPath reports whether the file can be replayed natively, without an
// ffmpeg decode step.
func isMJPEGPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mjpeg", ".mjpg":
		return true
	}
	return false
}

// Open constructs the concrete source for cfg. Device and network variants
// are decoded by an ffmpeg child process; MJPEG files are replayed natively
// and other containers go through ffmpeg as well. Open failures report
// ErrSourceUnavailable.
func Open(ctx context.Context, cfg Config, ffmpegBin string) (FrameSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	switch {
	case cfg.Kind == KindFile && isMJPEGPath(cfg.FilePath):
		fs, err := OpenFile(cfg)
		if err != nil {
			return nil, err
		}
		logger := log.WithComponent("source")
		logger.Info().
			Str(log.FieldEvent, "source.file_open").
			Str("path", cfg.FilePath).
			Int("frames", fs.FrameCount()).
			Dur("duration", fs.Duration()).
			Msg("file source indexed")
		return fs, nil
	default:
		return openFFmpeg(ctx, cfg, ffmpegBin)
	}
}
