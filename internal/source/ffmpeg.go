// SPDX-License-Identifier: MIT

package source

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/roomsense/internal/log"
)

const (
	// openTimeout bounds the wait for the first decoded frame after spawn.
	openTimeout = 10 * time.Second

	// missedFrameIntervals is the number of frame budgets a live source may
	// stay silent before it is declared dead.
	missedFrameIntervals = 3

	// maxConsecutiveDecodeFailures bounds how many corrupt frames in a row
	// are swallowed before the source escalates to an interrupt.
	maxConsecutiveDecodeFailures = 5
)

// ffmpegSource decodes a capture device or RTSP stream by running an ffmpeg
// child process that emits MJPEG on stdout. A pump goroutine splits and
// decodes frames so that NextFrame can enforce a read deadline.
type ffmpegSource struct {
	cmd      *exec.Cmd
	stderr   *lineRing
	interval time.Duration
	finite   bool // file input: output ending cleanly is end of stream

	frames  chan Frame
	errs    chan error
	pending *Frame // first frame, read during open

	closeOnce sync.Once
	closeErr  error
}

func ffmpegArgs(cfg Config) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch cfg.Kind {
	case KindDevice:
		args = append(args, "-f", "v4l2", "-i", "/dev/video"+strconv.Itoa(cfg.DeviceIndex))
	case KindNetwork:
		args = append(args, "-rtsp_transport", "tcp", "-i", cfg.Network.URL())
	case KindFile:
		args = append(args, "-i", cfg.FilePath)
	}
	args = append(args,
		"-vf", fmt.Sprintf("fps=%g", cfg.TargetFPS),
		"-f", "mjpeg", "-q:v", "4",
		"pipe:1",
	)
	return args
}

func openFFmpeg(ctx context.Context, cfg Config, ffmpegBin string) (FrameSource, error) {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	logger := log.WithComponent("source").With().Str(log.FieldSource, cfg.Describe()).Logger()

	cmd := exec.Command(ffmpegBin, ffmpegArgs(cfg)...)
	stderr := newLineRing(64)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrSourceUnavailable, ffmpegBin, err)
	}

	s := &ffmpegSource{
		cmd:      cmd,
		stderr:   stderr,
		interval: cfg.FrameInterval(),
		finite:   cfg.Kind == KindFile,
		frames:   make(chan Frame, 1),
		errs:     make(chan error, 1),
	}
	go s.pump(stdout)

	// The connection is only considered open once a first frame decodes.
	select {
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case err := <-s.errs:
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	case f := <-s.frames:
		s.pending = &f
		logger.Info().Str(log.FieldEvent, "source.open").Msg("source connected")
		return s, nil
	case <-time.After(openTimeout):
		_ = s.Close()
		return nil, fmt.Errorf("%w: no frame within %s%s", ErrSourceUnavailable, openTimeout, s.stderrSuffix())
	}
}

// pump reads ffmpeg's MJPEG output, decodes frames and forwards them until
// the stream ends or decoding fails repeatedly.
func (s *ffmpegSource) pump(stdout interface{ Read([]byte) (int, error) }) {
	scanner := newMJPEGScanner(stdout)
	var seq uint64
	decodeFailures := 0

	for {
		raw, err := scanner.Next()
		if err != nil {
			if s.finite {
				// File playback drained its input.
				s.errs <- ErrEndOfStream
				return
			}
			// Live sources never end cleanly: EOF means the device vanished
			// or the connection dropped.
			s.errs <- fmt.Errorf("%w: stream ended%s", ErrSourceInterrupted, s.stderrSuffix())
			return
		}

		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			decodeFailures++
			if decodeFailures >= maxConsecutiveDecodeFailures {
				s.errs <- fmt.Errorf("%w: %d consecutive decode failures: %v", ErrSourceInterrupted, decodeFailures, err)
				return
			}
			continue
		}
		decodeFailures = 0
		seq++

		frame := Frame{Image: img, Timestamp: time.Now(), Seq: seq}
		select {
		case s.frames <- frame:
		default:
			// Consumer is behind: drop the stale frame, keep the fresh one.
			select {
			case <-s.frames:
			default:
			}
			s.frames <- frame
		}
	}
}

// NextFrame returns the next decoded frame. A read is bounded by a deadline
// of missedFrameIntervals frame budgets; silence beyond that reports
// ErrSourceInterrupted instead of blocking indefinitely.
func (s *ffmpegSource) NextFrame(ctx context.Context) (Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}

	// A frame that already decoded is delivered before any terminal error.
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	deadline := time.Duration(missedFrameIntervals) * s.interval
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case err := <-s.errs:
		return Frame{}, err
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: no frame within %s%s", ErrSourceInterrupted, deadline, s.stderrSuffix())
	}
}

// Close terminates the ffmpeg process. It is idempotent and safe to call
// after a failed open.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		// Wait reaps the child and closes the stdout pipe, which unblocks
		// the pump goroutine.
		if err := s.cmd.Wait(); err != nil && !isExpectedExit(err) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// isExpectedExit filters the exit error produced by killing ffmpeg. Any
// other abnormal exit is surfaced by Close; mid-stream failures are already
// reported through the pump's error channel.
func isExpectedExit(err error) bool {
	if err == nil {
		return true
	}
	return strings.Contains(err.Error(), "signal: killed")
}

func (s *ffmpegSource) stderrSuffix() string {
	lines := s.stderr.LastN(3)
	if len(lines) == 0 {
		return ""
	}
	return " (ffmpeg: " + strings.Join(lines, " | ") + ")"
}
