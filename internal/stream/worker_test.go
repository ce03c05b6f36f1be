// SPDX-License-Identifier: MIT

package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/roomsense/internal/detect"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 128, G: 128, B: 128, A: 255}), image.Point{}, draw.Src)
	return img
}

// scriptedSource serves a fixed sequence of frames or errors, then end of
// stream. When served is non-nil it hands the test the index of each frame
// before returning it, so receiving index i proves frame i-1 was fully
// processed. When eosHold is non-nil the end of stream is withheld until the
// channel is closed, keeping the published buffer inspectable.
type scriptedSource struct {
	steps   []sourceStep
	served  chan int
	eosHold chan struct{}
	idx     int
	closed  bool
}

type sourceStep struct {
	img image.Image
	err error
}

func frames(n int) []sourceStep {
	steps := make([]sourceStep, n)
	for i := range steps {
		steps[i] = sourceStep{img: testFrame()}
	}
	return steps
}

func (s *scriptedSource) NextFrame(ctx context.Context) (source.Frame, error) {
	if s.idx >= len(s.steps) {
		if s.eosHold != nil {
			select {
			case <-s.eosHold:
			case <-ctx.Done():
				return source.Frame{}, ctx.Err()
			}
		}
		return source.Frame{}, source.ErrEndOfStream
	}
	step := s.steps[s.idx]
	s.idx++
	if step.err != nil {
		return source.Frame{}, step.err
	}
	if s.served != nil {
		select {
		case s.served <- s.idx - 1:
		case <-ctx.Done():
			return source.Frame{}, ctx.Err()
		}
	}
	return source.Frame{Image: step.img, Timestamp: time.Now(), Seq: uint64(s.idx)}, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

// blockingSource serves one frame and then blocks until cancelled, standing
// in for a live camera with no frames pending.
type blockingSource struct {
	firstServed chan struct{}
	idx         int
	closed      bool
}

func (s *blockingSource) NextFrame(ctx context.Context) (source.Frame, error) {
	if s.idx == 0 {
		s.idx++
		close(s.firstServed)
		return source.Frame{Image: testFrame(), Seq: 1}, nil
	}
	<-ctx.Done()
	return source.Frame{}, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.closed = true
	return nil
}

// scriptedDetector returns counts[i] synthetic detections for call i, or the
// error scripted for that call.
type scriptedDetector struct {
	counts []int
	errs   map[int]error
	calls  int
}

func (d *scriptedDetector) Detect(_ context.Context, _ image.Image, _ float64) ([]detect.Detection, error) {
	i := d.calls
	d.calls++
	if err := d.errs[i]; err != nil {
		return nil, err
	}
	n := 0
	if i < len(d.counts) {
		n = d.counts[i]
	}
	dets := make([]detect.Detection, n)
	for j := range dets {
		dets[j] = detect.Detection{Box: image.Rect(40, 80, 120, 160), Confidence: 0.9}
	}
	return dets, nil
}

func testConfig(roomID string, frameSkip int) Config {
	return Config{
		RoomID: roomID,
		Source: source.Config{
			Kind:         source.KindFile,
			FilePath:     "test.mjpeg",
			FrameSkip:    frameSkip,
			TargetFPS:    1000,
			ResizeFactor: 1.0,
			JPEGQuality:  60,
		},
		Confidence: 0.4,
	}
}

func startWorker(t *testing.T, cfg Config, det detect.Detector, reg *registry.Registry, src source.FrameSource) *Worker {
	t.Helper()
	w := New(cfg, det, reg, WithOpener(func(context.Context) (source.FrameSource, error) {
		return src, nil
	}))
	require.NoError(t, reg.SetWorkerRef(cfg.RoomID, w))
	w.Start(context.Background())
	return w
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish in time")
	}
}

func recvIndex(t *testing.T, served chan int) int {
	t.Helper()
	select {
	case i := <-served:
		return i
	case <-time.After(5 * time.Second):
		t.Fatal("source was not polled in time")
		return -1
	}
}

func TestWorkerOccupancyLifecycle(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(10), served: make(chan int)}
	det := &scriptedDetector{counts: []int{0, 0, 0, 1, 1, 1, 0, 0, 0, 0}}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)

	// Frames 0-3 processed once the source hands out index 4: the room
	// flipped to occupied on the first non-zero count.
	for {
		if recvIndex(t, src.served) == 4 {
			break
		}
	}
	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.True(t, snap.Occupied)
	assert.True(t, snap.Light)
	assert.True(t, snap.AC)
	assert.Equal(t, 1, snap.PersonCount)
	assert.False(t, snap.LastUpdated.IsZero())

	// Frame 6 carries count zero again: lights and AC follow immediately.
	for {
		if recvIndex(t, src.served) == 7 {
			break
		}
	}
	snap, err = reg.Get("lab")
	require.NoError(t, err)
	assert.False(t, snap.Occupied)
	assert.False(t, snap.Light)
	assert.False(t, snap.AC)
	assert.Equal(t, 0, snap.PersonCount)

	for i := 8; i < 10; i++ {
		recvIndex(t, src.served)
	}
	waitDone(t, w)

	assert.Equal(t, StateStopped.String(), w.State())
	assert.NoError(t, w.Err())
	assert.Equal(t, 10, det.calls)
	assert.True(t, src.closed)

	_, _, _, ok := w.Buffer().Latest()
	assert.False(t, ok, "buffer must be cleared after stop")

	snap, err = reg.Get("lab")
	require.NoError(t, err)
	assert.Nil(t, snap.Worker, "worker ref cleared after stop")
	assert.False(t, snap.Occupied, "last known occupancy survives the stop")
}

func TestWorkerFrameSkipThrottlesDetection(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(7)}
	det := &scriptedDetector{counts: []int{2, 2, 2}}
	w := startWorker(t, testConfig("lab", 3), det, reg, src)
	waitDone(t, w)

	// Inference ran on frames 0, 3 and 6 only; every frame was published.
	assert.Equal(t, 3, det.calls)
	_, _, gen, _ := w.Buffer().Latest()
	assert.Equal(t, uint64(8), gen, "7 publishes plus the final clear")

	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PersonCount)
	assert.True(t, snap.Occupied)
}

func TestWorkerRedrawsStaleBoxesOnSkippedFrames(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(3), served: make(chan int), eosHold: make(chan struct{})}
	det := &scriptedDetector{counts: []int{1}}
	w := startWorker(t, testConfig("lab", 3), det, reg, src)

	// Index 2 means frame 1, a skipped frame, has been published. The held
	// end of stream keeps the buffer from being cleared underneath us.
	for {
		if recvIndex(t, src.served) == 2 {
			break
		}
	}
	data, ct, _, ok := w.Buffer().Latest()
	require.True(t, ok)
	assert.Equal(t, JPEGContentType, ct)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	// The box from frame 0 is still drawn: sample the top border.
	r1, g1, b1, _ := img.At(80, 80).RGBA()
	r2, g2, b2, _ := img.At(80, 81).RGBA()
	g := (g1 + g2) / 2 >> 8
	r := (r1 + r2) / 2 >> 8
	b := (b1 + b2) / 2 >> 8
	assert.Greater(t, int(g), int(r)+20, "expected green box border")
	assert.Greater(t, int(g), int(b)+20, "expected green box border")

	close(src.eosHold)
	waitDone(t, w)
}

func TestWorkerOpenFailure(t *testing.T) {
	reg := registry.New([]string{"lab"})
	openErr := source.ErrSourceUnavailable
	w := New(testConfig("lab", 1), &scriptedDetector{}, reg, WithOpener(func(context.Context) (source.FrameSource, error) {
		return nil, openErr
	}))
	require.NoError(t, reg.SetWorkerRef("lab", w))
	w.Start(context.Background())
	waitDone(t, w)

	assert.Equal(t, StateFailed.String(), w.State())
	assert.ErrorIs(t, w.Err(), source.ErrSourceUnavailable)

	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Nil(t, snap.Worker)
	assert.True(t, snap.LastUpdated.IsZero(), "open failure must not touch occupancy")
}

func TestWorkerStopBeforeRunning(t *testing.T) {
	reg := registry.New([]string{"lab"})
	opening := make(chan struct{})
	w := New(testConfig("lab", 1), &scriptedDetector{}, reg, WithOpener(func(ctx context.Context) (source.FrameSource, error) {
		close(opening)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, reg.SetWorkerRef("lab", w))
	w.Start(context.Background())
	<-opening
	w.Stop()
	waitDone(t, w)

	// A stop during open is a clean stop, not a failure.
	assert.Equal(t, StateStopped.String(), w.State())
	assert.NoError(t, w.Err())

	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Nil(t, snap.Worker)
	assert.True(t, snap.LastUpdated.IsZero())
}

func TestWorkerCaptureFailureIsTerminal(t *testing.T) {
	reg := registry.New([]string{"lab"})
	steps := frames(2)
	steps = append(steps, sourceStep{err: source.ErrSourceInterrupted})
	src := &scriptedSource{steps: steps}
	det := &scriptedDetector{counts: []int{1, 1}}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)
	waitDone(t, w)

	assert.Equal(t, StateFailed.String(), w.State())
	assert.ErrorIs(t, w.Err(), source.ErrSourceInterrupted)
	assert.True(t, src.closed)

	// The last committed occupancy outlives the failure.
	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PersonCount)
	assert.True(t, snap.Occupied)
}

func TestWorkerModelUnavailableIsTerminal(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(5)}
	det := &scriptedDetector{errs: map[int]error{0: detect.ErrModelUnavailable}}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)
	waitDone(t, w)

	assert.Equal(t, StateFailed.String(), w.State())
	assert.ErrorIs(t, w.Err(), detect.ErrModelUnavailable)
	assert.True(t, src.closed)
}

func TestWorkerTransientDetectFailureReusesResult(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(3)}
	det := &scriptedDetector{
		counts: []int{2, 0, 3},
		errs:   map[int]error{1: errors.New("inference timeout")},
	}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)
	waitDone(t, w)

	assert.Equal(t, StateStopped.String(), w.State())
	assert.NoError(t, w.Err())
	assert.Equal(t, 3, det.calls)

	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.PersonCount)
}

func TestWorkerGivesUpAfterRepeatedDetectFailures(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &scriptedSource{steps: frames(20)}
	transient := errors.New("inference timeout")
	errs := make(map[int]error)
	for i := 1; i <= maxConsecutiveDetectFailures; i++ {
		errs[i] = transient
	}
	det := &scriptedDetector{counts: []int{1}, errs: errs}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)
	waitDone(t, w)

	assert.Equal(t, StateFailed.String(), w.State())
	assert.ErrorIs(t, w.Err(), transient)

	snap, err := reg.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PersonCount, "last committed count survives")
}

func TestWorkerStopWhileBlockedOnCapture(t *testing.T) {
	reg := registry.New([]string{"lab"})
	src := &blockingSource{firstServed: make(chan struct{})}
	det := &scriptedDetector{counts: []int{1}}
	w := startWorker(t, testConfig("lab", 1), det, reg, src)

	select {
	case <-src.firstServed:
	case <-time.After(5 * time.Second):
		t.Fatal("source was never polled")
	}

	w.Stop()
	waitDone(t, w)

	assert.Equal(t, StateStopped.String(), w.State())
	assert.NoError(t, w.Err())
	assert.True(t, src.closed)

	// Stop stays a no-op afterwards.
	w.Stop()
}

func TestWorkerIsolationAcrossRooms(t *testing.T) {
	reg := registry.New([]string{"alpha", "beta"})

	failing := &scriptedSource{steps: []sourceStep{{err: source.ErrSourceInterrupted}}}
	wa := startWorker(t, testConfig("alpha", 1), &scriptedDetector{}, reg, failing)

	healthy := &scriptedSource{steps: frames(4)}
	wb := startWorker(t, testConfig("beta", 1), &scriptedDetector{counts: []int{1, 1, 1, 1}}, reg, healthy)

	waitDone(t, wa)
	waitDone(t, wb)

	assert.Equal(t, StateFailed.String(), wa.State())
	assert.Equal(t, StateStopped.String(), wb.State())

	snap, err := reg.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PersonCount)
	assert.True(t, snap.Occupied)
}
