// SPDX-License-Identifier: MIT

// Package supervisor owns the lifecycle of all stream workers. It enforces
// at-most-one worker per room, bounds how long a stop may take and manages
// transient uploaded-video sessions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/roomsense/internal/detect"
	"github.com/ManuGH/roomsense/internal/fsutil"
	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/source"
	"github.com/ManuGH/roomsense/internal/stream"
)

var (
	// ErrAlreadyRunning is returned when a start request races or repeats
	// while a worker for the room is still alive.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNotRunning is returned when stop is requested for a room without a
	// live worker.
	ErrNotRunning = errors.New("no worker running")

	// ErrForcedTermination is returned when a worker misses the stop grace
	// period and had to be abandoned.
	ErrForcedTermination = errors.New("worker did not stop within grace period")

	// ErrInvalidConfig wraps source validation failures on start requests.
	ErrInvalidConfig = errors.New("invalid source config")
)

// DefaultStopGrace bounds cooperative shutdown of a single worker.
const DefaultStopGrace = 5 * time.Second

// StateIdle is reported for rooms without a live or finished worker.
const StateIdle = "idle"

// Params collects the supervisor's dependencies and static configuration.
type Params struct {
	Registry   *registry.Registry
	Detector   detect.Detector
	Rooms      map[string]stream.Config // configured rooms, keyed by room id
	Defaults   source.Config            // tunables template for upload sessions
	FFmpegBin  string
	Confidence float64
	StopGrace  time.Duration

	// UploadRoot, when set, confines session file deletion to that directory.
	UploadRoot string

	// OpenSource overrides frame source acquisition (for tests).
	OpenSource func(ctx context.Context, cfg stream.Config) (source.FrameSource, error)
}

// StartOverride replaces parts of a room's configured source for one start
// request. Nil fields keep the configured value; an empty Kind keeps the
// configured kind.
type StartOverride struct {
	Kind         source.Kind
	DeviceIndex  *int
	Network      *source.Network
	FilePath     string
	FrameSkip    *int
	TargetFPS    *float64
	ResizeFactor *float64
	JPEGQuality  *int
}

func (o *StartOverride) apply(base source.Config) source.Config {
	if o.Kind != "" {
		base.Kind = o.Kind
	}
	if o.DeviceIndex != nil {
		base.DeviceIndex = *o.DeviceIndex
	}
	if o.Network != nil {
		base.Network = *o.Network
	}
	if o.FilePath != "" {
		base.FilePath = o.FilePath
	}
	if o.FrameSkip != nil {
		base.FrameSkip = *o.FrameSkip
	}
	if o.TargetFPS != nil {
		base.TargetFPS = *o.TargetFPS
	}
	if o.ResizeFactor != nil {
		base.ResizeFactor = *o.ResizeFactor
	}
	if o.JPEGQuality != nil {
		base.JPEGQuality = *o.JPEGQuality
	}
	return base
}

// Status is a point-in-time view of a room's worker.
type Status struct {
	State string
	Err   error
}

// Supervisor is safe for concurrent use by API handlers.
type Supervisor struct {
	reg        *registry.Registry
	det        detect.Detector
	defaults   source.Config
	ffmpegBin  string
	confidence float64
	grace      time.Duration
	uploadRoot string
	openSource func(ctx context.Context, cfg stream.Config) (source.FrameSource, error)
	logger     zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]stream.Config
	workers  map[string]*stream.Worker
	sessions map[string]string // session id -> uploaded file path
}

func New(p Params) *Supervisor {
	grace := p.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	rooms := make(map[string]stream.Config, len(p.Rooms))
	for id, cfg := range p.Rooms {
		rooms[id] = cfg
	}
	return &Supervisor{
		reg:        p.Registry,
		det:        p.Detector,
		defaults:   p.Defaults,
		ffmpegBin:  p.FFmpegBin,
		confidence: p.Confidence,
		grace:      grace,
		uploadRoot: p.UploadRoot,
		openSource: p.OpenSource,
		logger:     log.WithComponent("supervisor"),
		rooms:      rooms,
		workers:    make(map[string]*stream.Worker),
		sessions:   make(map[string]string),
	}
}

// Start launches a worker for the room, optionally with a source override for
// this run. A second start while the previous worker is still alive fails with
// ErrAlreadyRunning; a worker that already finished on its own is reaped and
// replaced.
func (s *Supervisor) Start(ctx context.Context, roomID string, override *StartOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", registry.ErrNotFound, roomID)
	}
	if override != nil {
		cfg.Source = override.apply(cfg.Source)
		if err := cfg.Source.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if w, ok := s.workers[roomID]; ok {
		if !finished(w) {
			return fmt.Errorf("%w: room %q", ErrAlreadyRunning, roomID)
		}
		delete(s.workers, roomID)
	}

	var opts []stream.Option
	if s.openSource != nil {
		opts = append(opts, stream.WithOpener(func(ctx context.Context) (source.FrameSource, error) {
			return s.openSource(ctx, cfg)
		}))
	}
	w := stream.New(cfg, s.det, s.reg, opts...)
	s.workers[roomID] = w
	if err := s.reg.SetWorkerRef(roomID, w); err != nil {
		delete(s.workers, roomID)
		return err
	}
	w.Start(ctx)
	s.logger.Info().
		Str(log.FieldEvent, "supervisor.start").
		Str(log.FieldRoomID, roomID).
		Str(log.FieldSource, cfg.Source.Describe()).
		Msg("worker started")
	return nil
}

// Stop requests cooperative shutdown and waits at most the grace period.
// Stopping a room without a live worker returns ErrNotRunning; a worker that
// misses the grace period is abandoned and reported as ErrForcedTermination.
func (s *Supervisor) Stop(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", registry.ErrNotFound, roomID)
	}
	w, ok := s.workers[roomID]
	if ok && finished(w) {
		delete(s.workers, roomID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: room %q", ErrNotRunning, roomID)
	}

	w.Stop()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-w.Done():
		s.reap(roomID, w)
		s.logger.Info().
			Str(log.FieldEvent, "supervisor.stop").
			Str(log.FieldRoomID, roomID).
			Msg("worker stopped")
		return nil
	case <-timer.C:
		// The worker is wedged on a source that ignores cancellation. The
		// room is released so it can be restarted; the goroutine drains on
		// its own once the source gives up.
		s.reap(roomID, w)
		if err := s.reg.SetWorkerRef(roomID, nil); err != nil && !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("worker ref clear failed")
		}
		s.logger.Error().
			Str(log.FieldEvent, "supervisor.force_stop").
			Str(log.FieldRoomID, roomID).
			Dur("grace", s.grace).
			Msg("worker missed stop grace period")
		return fmt.Errorf("%w: room %q", ErrForcedTermination, roomID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reap removes the worker from the table if it is still the bound one.
func (s *Supervisor) reap(roomID string, w *stream.Worker) {
	s.mu.Lock()
	if cur, ok := s.workers[roomID]; ok && cur == w {
		delete(s.workers, roomID)
	}
	s.mu.Unlock()
}

// Status reports the worker state for a room: "idle" when no worker was ever
// started or the last one was reaped, otherwise the worker's own state. For a
// failed worker Err carries the terminal error.
func (s *Supervisor) Status(roomID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return Status{}, fmt.Errorf("%w: %q", registry.ErrNotFound, roomID)
	}
	w, ok := s.workers[roomID]
	if !ok {
		return Status{State: StateIdle}, nil
	}
	return Status{State: w.State(), Err: w.Err()}, nil
}

// Buffer returns the latest-frame buffer of the room's current worker.
func (s *Supervisor) Buffer(roomID string) (*stream.FrameBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[roomID]
	if !ok {
		return nil, false
	}
	return w.Buffer(), true
}

// StartSession registers a transient room for an uploaded video file and
// starts a worker on it. The returned id addresses the session in all
// subsequent calls.
func (s *Supervisor) StartSession(ctx context.Context, filePath string) (string, error) {
	if err := fsutil.IsRegularFile(filePath); err != nil {
		return "", fmt.Errorf("session file: %w", err)
	}
	id := uuid.NewString()
	if err := s.reg.AddSession(id); err != nil {
		return "", err
	}

	src := s.defaults
	src.Kind = source.KindFile
	src.FilePath = filePath

	s.mu.Lock()
	s.rooms[id] = stream.Config{
		RoomID:     id,
		Source:     src,
		FFmpegBin:  s.ffmpegBin,
		Confidence: s.confidence,
	}
	s.sessions[id] = filePath
	s.mu.Unlock()

	if err := s.Start(ctx, id, nil); err != nil {
		s.dropSession(id)
		return "", err
	}
	s.logger.Info().
		Str(log.FieldEvent, "session.start").
		Str(log.FieldSessionID, id).
		Msg("upload session started")
	return id, nil
}

// ReleaseSession stops a session's worker if still running, unregisters the
// transient room and deletes the uploaded file.
func (s *Supervisor) ReleaseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	filePath, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %q", registry.ErrNotFound, id)
	}

	if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.dropSession(id)
	s.removeUpload(id, filePath)
	s.logger.Info().
		Str(log.FieldEvent, "session.release").
		Str(log.FieldSessionID, id).
		Msg("upload session released")
	return nil
}

// removeUpload deletes the session's file. With an upload root configured the
// path is confined first, so a session can never delete outside that tree.
func (s *Supervisor) removeUpload(id, filePath string) {
	target := filePath
	if s.uploadRoot != "" {
		confined, err := fsutil.ConfineAbsPath(s.uploadRoot, filePath)
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("upload file outside root, not removed")
			return
		}
		target = confined
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("upload file removal failed")
	}
}

func (s *Supervisor) dropSession(id string) {
	s.mu.Lock()
	delete(s.rooms, id)
	delete(s.sessions, id)
	s.mu.Unlock()
	if err := s.reg.RemoveSession(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("session unregister failed")
	}
}

// IsSession reports whether id addresses a live upload session.
func (s *Supervisor) IsSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Shutdown stops every live worker concurrently, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := s.Stop(ctx, id)
			if errors.Is(err, ErrNotRunning) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func finished(w *stream.Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}
