// SPDX-License-Identifier: MIT

// Package stream implements the per-room capture/detect/publish engine.
package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/ManuGH/roomsense/internal/detect"
	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/metrics"
	"github.com/ManuGH/roomsense/internal/policy"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/source"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// maxConsecutiveDetectFailures bounds how many transient detection errors in
// a row are swallowed before the worker gives up.
const maxConsecutiveDetectFailures = 10

// Config describes one worker instance. Immutable after construction.
type Config struct {
	RoomID     string
	Source     source.Config
	FFmpegBin  string
	Confidence float64
}

// OpenFunc acquires the worker's frame source.
type OpenFunc func(ctx context.Context) (source.FrameSource, error)

// Option allows functional configuration of a Worker.
type Option func(*Worker)

// WithOpener overrides the frame source acquisition (for tests).
func WithOpener(fn OpenFunc) Option {
	return func(w *Worker) {
		w.openFn = fn
	}
}

// Worker owns one frame source and one detector binding for a single room.
// It runs the capture/detect/publish loop on its own goroutine and is the
// only writer of that room's registry record while bound.
type Worker struct {
	cfg    Config
	det    detect.Detector
	reg    *registry.Registry
	buf    *FrameBuffer
	logger zerolog.Logger
	openFn OpenFunc

	state atomic.Int32

	mu          sync.Mutex
	terminalErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a worker in Starting state. Call Start to launch the loop.
func New(cfg Config, det detect.Detector, reg *registry.Registry, opts ...Option) *Worker {
	w := &Worker{
		cfg:  cfg,
		det:  det,
		reg:  reg,
		buf:  NewFrameBuffer(),
		done: make(chan struct{}),
		logger: log.WithComponent("worker").With().
			Str(log.FieldRoomID, cfg.RoomID).
			Str(log.FieldSource, cfg.Source.Describe()).
			Logger(),
	}
	w.openFn = func(ctx context.Context) (source.FrameSource, error) {
		return source.Open(ctx, cfg.Source, cfg.FFmpegBin)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop. It returns immediately; callers observe
// progress via State and Done.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
}

// Stop requests cooperative cancellation. Idempotent: stopping an already
// stopping worker is a no-op.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done is closed once the worker has fully released its resources.
func (w *Worker) Done() <-chan struct{} { return w.done }

// RoomID returns the room this worker serves.
func (w *Worker) RoomID() string { return w.cfg.RoomID }

// Buffer returns the room's latest-frame buffer.
func (w *Worker) Buffer() *FrameBuffer { return w.buf }

// State implements registry.WorkerRef.
func (w *Worker) State() string { return State(w.state.Load()).String() }

// Err returns the terminal error for a Failed worker, nil otherwise.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminalErr
}

func (w *Worker) transition(to State) {
	from := State(w.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.RecordTransition(from.String(), to.String())
	w.logger.Debug().
		Str(log.FieldEvent, "worker.transition").
		Str(log.FieldOldState, from.String()).
		Str(log.FieldNewState, to.String()).
		Msg("state transition")
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.terminalErr = err
	w.mu.Unlock()
	w.transition(StateFailed)
	w.logger.Error().Err(err).Str(log.FieldEvent, "worker.failed").Msg("worker failed")
}

// run drives the state machine: Starting -> Running -> (Stopping|Failed) ->
// Stopped. Cleanup is identical on every exit path.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	src, err := w.openFn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Stop arrived before the source finished opening.
			w.transition(StateStopping)
			w.cleanup(nil)
			w.transition(StateStopped)
			w.logger.Info().Str(log.FieldEvent, "worker.stop").Msg("worker stopped before running")
			return
		}
		// Open never touched the registry's occupancy fields; only the
		// supervisor-registered worker ref needs clearing. Failed is
		// terminal so the reason stays visible to status queries.
		w.fail(err)
		w.cleanup(nil)
		return
	}

	w.transition(StateRunning)
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	w.logger.Info().
		Str(log.FieldEvent, "worker.start").
		Float64(log.FieldFPS, w.cfg.Source.TargetFPS).
		Msg("worker running")

	loopErr := w.loop(ctx, src)

	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		// Failed is terminal: cleanup runs, the reason stays queryable.
		w.fail(loopErr)
		w.cleanup(src)
		return
	}

	w.transition(StateStopping)
	w.cleanup(src)
	w.transition(StateStopped)
	w.logger.Info().Str(log.FieldEvent, "worker.stop").Msg("worker stopped")
}

// loop is the capture/detect/publish cycle. A nil return means graceful end
// (cancellation or end of stream); any other error is terminal.
func (w *Worker) loop(ctx context.Context, src source.FrameSource) error {
	limiter := rate.NewLimiter(rate.Limit(w.cfg.Source.TargetFPS), 1)
	skip := uint64(w.cfg.Source.FrameSkip)
	if skip == 0 {
		skip = 1
	}

	var (
		frameCount     uint64
		lastDetections []detect.Detection
		lastCount      int
		lastDecision   policy.Decision
		wasOccupied    bool
		detectFailures int
	)

	for {
		// Cancellation is observed at least once per cycle.
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		frame, err := src.NextFrame(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, source.ErrEndOfStream):
			metrics.FramesTotal.WithLabelValues(w.cfg.RoomID, "eos").Inc()
			w.logger.Info().Str(log.FieldEvent, "worker.eos").Uint64(log.FieldFrame, frameCount).Msg("end of stream")
			return nil
		case err != nil:
			metrics.CaptureErrorsTotal.WithLabelValues(w.cfg.RoomID, captureKind(err)).Inc()
			return err
		}
		metrics.FramesTotal.WithLabelValues(w.cfg.RoomID, "ok").Inc()

		runDetection := frameCount%skip == 0
		frameCount++

		if runDetection {
			dets, count, err := w.detectFrame(ctx, frame.Image)
			switch {
			case errors.Is(err, detect.ErrModelUnavailable):
				return err
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				// Transient inference errors reuse the previous result, up
				// to a bounded run of failures.
				detectFailures++
				w.logger.Warn().Err(err).Str(log.FieldEvent, "detect.transient").Msg("detection failed, reusing previous result")
				if detectFailures >= maxConsecutiveDetectFailures {
					return err
				}
			default:
				detectFailures = 0
				lastDetections = dets
				lastCount = count
				lastDecision = policy.Decide(count)

				snap, uerr := w.reg.UpdateOccupancy(w.cfg.RoomID, count)
				if uerr != nil {
					return uerr
				}
				metrics.SetOccupancy(w.cfg.RoomID, snap.Occupied, snap.PersonCount)
				if snap.Occupied != wasOccupied {
					wasOccupied = snap.Occupied
					w.logger.Info().
						Str(log.FieldEvent, "occupancy.change").
						Bool(log.FieldOccupied, snap.Occupied).
						Int(log.FieldPersons, snap.PersonCount).
						Bool("light", snap.Light).
						Bool("ac", snap.AC).
						Msg("occupancy changed")
				}
			}
		}

		// Publish runs every cycle regardless of frame skip, so the live
		// view stays smooth while inference is throttled. Skipped frames
		// redraw the last known boxes.
		annotated := renderOverlay(frame.Image, w.cfg.RoomID, lastDetections, lastDecision, lastCount)
		encoded, err := encodeJPEG(annotated, w.cfg.Source.JPEGQuality)
		if err != nil {
			w.logger.Warn().Err(err).Str(log.FieldEvent, "encode.failed").Msg("frame encode failed")
			continue
		}
		w.buf.Publish(encoded)
	}
}

// detectFrame downscales per the configured resize factor, runs inference
// and maps the boxes back to the original resolution.
func (w *Worker) detectFrame(ctx context.Context, img image.Image) ([]detect.Detection, int, error) {
	inferenceImg := img
	factor := w.cfg.Source.ResizeFactor
	if factor < 1 {
		inferenceImg = downscale(img, factor)
	}

	started := time.Now()
	dets, err := w.det.Detect(ctx, inferenceImg, w.cfg.Confidence)
	metrics.ObserveDetection(w.cfg.RoomID, err, time.Since(started))
	if err != nil {
		return nil, 0, err
	}

	if factor < 1 {
		scale := 1 / factor
		for i := range dets {
			dets[i] = dets[i].Scale(scale)
		}
	}
	return dets, len(dets), nil
}

func downscale(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 || h < 1 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cleanup releases everything the worker owns. src may be nil when open
// failed. Last-known occupancy fields stay intact for status display.
func (w *Worker) cleanup(src source.FrameSource) {
	if src != nil {
		if err := src.Close(); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldEvent, "source.close_failed").Msg("source close failed")
		}
	}
	w.buf.Clear()
	if err := w.reg.SetWorkerRef(w.cfg.RoomID, nil); err != nil && !errors.Is(err, registry.ErrNotFound) {
		w.logger.Warn().Err(err).Str(log.FieldEvent, "registry.clear_failed").Msg("worker ref clear failed")
	}
}

func captureKind(err error) string {
	switch {
	case errors.Is(err, source.ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, source.ErrSourceInterrupted):
		return "interrupted"
	}
	return "other"
}
