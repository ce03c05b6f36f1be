// SPDX-License-Identifier: MIT

package source

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"time"
)

// FileSource replays an uploaded MJPEG file frame by frame. The end of the
// file is reported deterministically as ErrEndOfStream.
type FileSource struct {
	frames [][]byte
	pos    int
	fps    float64
	closed bool

	decodeFailures int
}

// OpenFile loads and indexes an MJPEG file. The whole file is scanned up
// front so the total frame count and duration are known for reporting.
func OpenFile(cfg Config) (*FileSource, error) {
	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	scanner := newMJPEGScanner(bytes.NewReader(data))
	var frames [][]byte
	for {
		raw, err := scanner.Next()
		if err != nil {
			break
		}
		frames = append(frames, raw)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrSourceUnavailable, cfg.FilePath)
	}

	return &FileSource{frames: frames, fps: cfg.TargetFPS}, nil
}

// FrameCount returns the total number of frames in the file.
func (s *FileSource) FrameCount() int { return len(s.frames) }

// Duration returns the playback duration at the configured rate.
func (s *FileSource) Duration() time.Duration {
	return time.Duration(float64(len(s.frames)) / s.fps * float64(time.Second))
}

// NextFrame returns the next frame of the file. Corrupt frames are skipped
// up to the same consecutive-failure bound as live sources.
func (s *FileSource) NextFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.closed {
		return Frame{}, ErrEndOfStream
	}

	for s.pos < len(s.frames) {
		raw := s.frames[s.pos]
		s.pos++

		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			s.decodeFailures++
			if s.decodeFailures >= maxConsecutiveDecodeFailures {
				return Frame{}, fmt.Errorf("%w: %d consecutive decode failures: %v", ErrSourceInterrupted, s.decodeFailures, err)
			}
			continue
		}
		s.decodeFailures = 0
		return Frame{Image: img, Timestamp: time.Now(), Seq: uint64(s.pos)}, nil
	}
	return Frame{}, ErrEndOfStream
}

// Close releases the indexed frames. Idempotent.
func (s *FileSource) Close() error {
	s.closed = true
	s.frames = nil
	return nil
}
