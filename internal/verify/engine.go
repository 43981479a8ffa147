// Package verify is the live verification engine: reference enrollment, person-count gating,
// embedding matching and the tick-driven decision loop.
package verify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/metrics"
	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/types"
	"go.uber.org/zap"
)

// Extractor localizes faces and embeds them. An empty result means "no face", not an error.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]types.Face, error)
}

// PersonDetector returns "person" class boxes at or above conf.
type PersonDetector interface {
	DetectPersons(ctx context.Context, img image.Image, conf float64) ([]types.PersonBox, error)
}

// Capture is the frame source. ReadFrame returns io.EOF when the source is exhausted.
type Capture interface {
	ReadFrame(ctx context.Context) (types.FrameObservation, error)
	Release() error
}

// Renderer receives one Decision per completed cycle.
type Renderer interface {
	Render(ctx context.Context, d types.Decision) error
}

// Persister keeps the reference across sessions. Failures are logged, never fatal.
type Persister interface {
	SaveReference(ctx context.Context, ref *types.ReferenceIdentity) error
	ClearReference(ctx context.Context) error
}

type Options struct {
	Cadence             int
	DetectionConfidence float64
	FaceScale           float64 // face work runs on a frame scaled by this factor
	Preprocess          preprocess.Options
	FrameTimeout        time.Duration
	TickInterval        time.Duration
}

func DefaultOptions() Options {
	return Options{
		Cadence:             5,
		DetectionConfidence: 0.3,
		FaceScale:           0.5,
		Preprocess:          preprocess.DefaultOptions(),
		FrameTimeout:        2 * time.Second,
		TickInterval:        10 * time.Millisecond,
	}
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// Engine owns the session state. All state transitions go through its methods.
type Engine struct {
	opts      Options
	refs      *ReferenceStore
	extractor Extractor
	detector  PersonDetector
	verifier  IdentityVerifier
	persister Persister
	metrics   *metrics.Manager
	log       *zap.Logger

	mu    sync.Mutex
	state types.EngineState
	gen   uint64 // bumped on every start/stop/clear; cycles from an older gen are discarded

	enrollMu sync.Mutex

	// Owned by the decision loop.
	cycleMu sync.Mutex
	cadence *CadenceController
	loopGen uint64

	last atomic.Pointer[types.Decision]
}

func New(opts Options, extractor Extractor, detector PersonDetector, verifier IdentityVerifier, options ...Option) *Engine {
	if opts.FaceScale <= 0 || opts.FaceScale > 1 {
		opts.FaceScale = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	e := &Engine{
		opts:      opts,
		refs:      NewReferenceStore(),
		extractor: extractor,
		detector:  detector,
		verifier:  verifier,
		log:       zap.NewNop(),
		cadence:   NewCadenceController(opts.Cadence),
		state:     types.Idle,
	}
	for _, o := range options {
		o(e)
	}
	e.metrics.SetState(e.state)
	return e
}

func (e *Engine) State() types.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Reference() *types.ReferenceIdentity {
	return e.refs.Get()
}

func (e *Engine) IsReady() bool {
	return e.refs.IsReady()
}

func (e *Engine) Options() Options {
	return e.opts
}

// LastDecision returns the most recent decision emitted by Step.
func (e *Engine) LastDecision() (types.Decision, bool) {
	d := e.last.Load()
	if d == nil {
		return types.Decision{}, false
	}
	return *d, true
}

// setState must be called with e.mu held.
func (e *Engine) setState(next types.EngineState) {
	if e.state == next {
		return
	}
	e.log.Info("engine state changed", zap.Stringer("from", e.state), zap.Stringer("to", next))
	e.state = next
	e.metrics.SetState(next)
}

// Start begins a session. It fails with ErrReferenceNotSet when nothing is enrolled.
// Starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.refs.IsReady() {
		return ErrReferenceNotSet
	}
	if e.state == types.Running {
		return nil
	}
	e.gen++
	e.setState(types.Running)
	return nil
}

// Stop ends the session. In-flight model calls complete but their results are dropped.
// Stopping an engine that is not running is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != types.Running {
		return
	}
	e.gen++
	e.setState(types.Stopped)
}

// Clear removes the reference and returns the engine to Idle, ending any running session.
func (e *Engine) Clear(ctx context.Context) {
	e.enrollMu.Lock()
	defer e.enrollMu.Unlock()

	e.mu.Lock()
	e.refs.Clear()
	e.gen++
	e.setState(types.Idle)
	e.mu.Unlock()

	if e.persister != nil {
		if err := e.persister.ClearReference(ctx); err != nil {
			e.log.Warn("failed to remove persisted reference", zap.Error(err))
		}
	}
}

// EnrollFromCapture enrolls the face on a single captured frame.
func (e *Engine) EnrollFromCapture(ctx context.Context, frame image.Image) (*types.ReferenceIdentity, error) {
	if e.State() == types.Running {
		return nil, ErrEngineBusy
	}
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrInvalidImage
	}
	data, err := preprocess.EncodeJPEG(frame, 95)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return e.enroll(ctx, frame, data, types.SourceCaptured)
}

// EnrollFromUpload enrolls the face in an encoded image (JPEG or PNG).
func (e *Engine) EnrollFromUpload(ctx context.Context, data []byte) (*types.ReferenceIdentity, error) {
	// Busy wins over a bad image: a running session rejects every enrollment the same way.
	if e.State() == types.Running {
		return nil, ErrEngineBusy
	}
	img, err := preprocess.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return e.enroll(ctx, img, data, types.SourceUploaded)
}

// Restore republishes a reference persisted by an earlier session without re-running extraction.
func (e *Engine) Restore(ref types.ReferenceIdentity) (*types.ReferenceIdentity, error) {
	e.enrollMu.Lock()
	defer e.enrollMu.Unlock()
	return e.commit(ref)
}

func (e *Engine) enroll(ctx context.Context, img image.Image, data []byte, source types.Source) (*types.ReferenceIdentity, error) {
	e.enrollMu.Lock()
	defer e.enrollMu.Unlock()

	if e.State() == types.Running {
		return nil, ErrEngineBusy
	}

	norm := preprocess.Preprocess(img, e.opts.Preprocess)
	faces, err := e.extractor.Extract(ctx, norm)
	e.metrics.ExtractorInvoked()
	if err != nil {
		e.log.Warn("enrollment extraction failed", zap.String("source", string(source)), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrNoFaceFound, err)
	}
	face := LargestFace(faces)
	if face == nil {
		e.log.Warn("enrollment rejected: no face", zap.String("source", string(source)))
		return nil, ErrNoFaceFound
	}

	ref, err := e.commit(types.ReferenceIdentity{
		Embedding: face.Embedding,
		Source:    source,
		Image:     data,
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("reference enrolled",
		zap.String("source", string(ref.Source)),
		zap.Uint64("set_at", ref.SetAt),
		zap.Int("dimensions", len(ref.Embedding)))

	if e.persister != nil {
		if err := e.persister.SaveReference(ctx, ref); err != nil {
			e.log.Warn("failed to persist reference", zap.Error(err))
		}
	}
	return ref, nil
}

// commit publishes ref if the engine is not running. Caller holds enrollMu.
func (e *Engine) commit(ref types.ReferenceIdentity) (*types.ReferenceIdentity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A session may have started while the extractor was busy.
	if e.state == types.Running {
		return nil, ErrEngineBusy
	}
	published, err := e.refs.Publish(ref)
	if err != nil {
		return nil, err
	}
	e.setState(types.ReferenceReady)
	return published, nil
}

// Step runs one decision cycle on frame. ok is false when the engine is not running, or when
// it was stopped (or cleared) while the cycle was in flight; no decision is produced then.
func (e *Engine) Step(ctx context.Context, frame types.FrameObservation) (types.Decision, bool) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	if e.state != types.Running {
		e.mu.Unlock()
		return types.Decision{}, false
	}
	gen := e.gen
	ref := e.refs.Get()
	e.mu.Unlock()

	if gen != e.loopGen {
		e.cadence.Reset()
		e.loopGen = gen
	}

	start := time.Now()
	seq := e.cadence.Next()
	d := types.Decision{Seq: seq, Frame: frame.Image, At: start}
	d.Label, d.Detection, d.Match = e.decide(ctx, seq, frame.Image, ref)

	e.mu.Lock()
	current := e.state == types.Running && e.gen == gen
	e.mu.Unlock()
	if !current {
		e.metrics.FrameDropped()
		return types.Decision{}, false
	}

	e.metrics.ObserveCycle(time.Since(start))
	e.metrics.RecordDecision(d.Label)
	e.last.Store(&d)
	return d, true
}

func (e *Engine) decide(ctx context.Context, seq int64, img image.Image, ref *types.ReferenceIdentity) (types.DecisionLabel, types.DetectionResult, types.FaceMatch) {
	if ref == nil {
		return types.ReferenceNotSet, types.DetectionResult{}, types.FaceMatch{}
	}

	det, ok, refreshed, err := e.cadence.Detection(seq, func() (types.DetectionResult, error) {
		persons, err := e.detector.DetectPersons(ctx, img, e.opts.DetectionConfidence)
		if err != nil {
			return types.DetectionResult{}, err
		}
		return types.NewDetectionResult(seq, persons), nil
	})
	if refreshed {
		e.metrics.DetectorInvoked()
	}
	if err != nil {
		e.recognitionFailed(seq, "person detection", err)
		return types.RecognitionError, types.DetectionResult{}, types.FaceMatch{}
	}
	if !ok {
		// The last refresh failed; there is no person count to gate on until the next one.
		return types.RecognitionError, types.DetectionResult{}, types.FaceMatch{}
	}

	label, open := Gate(true, det)
	if !open {
		return label, det, types.FaceMatch{}
	}

	match, err := e.matchFace(ctx, img, ref)
	if err != nil {
		e.recognitionFailed(seq, "face matching", err)
		return types.RecognitionError, det, types.FaceMatch{}
	}
	return Label(match), det, match
}

func (e *Engine) matchFace(ctx context.Context, img image.Image, ref *types.ReferenceIdentity) (types.FaceMatch, error) {
	small := preprocess.Downscale(img, e.opts.FaceScale)
	norm := preprocess.Preprocess(small, e.opts.Preprocess)

	faces, err := e.extractor.Extract(ctx, norm)
	e.metrics.ExtractorInvoked()
	if err != nil {
		return types.FaceMatch{}, fmt.Errorf("%w: extract: %w", ErrRecognition, err)
	}
	face := LargestFace(faces)
	if face == nil {
		return types.FaceMatch{}, nil
	}

	box := face.Box
	if e.opts.FaceScale != 1 {
		box = box.Scale(1 / e.opts.FaceScale)
	}
	o := img.Bounds().Min
	box = types.BoundingBox{X1: box.X1 + o.X, Y1: box.Y1 + o.Y, X2: box.X2 + o.X, Y2: box.Y2 + o.Y}

	verified, distance, err := e.verifier.Compare(ctx, ref, Probe{
		Embedding: face.Embedding,
		Face:      preprocess.Crop(img, box.Rect()),
	})
	if err != nil {
		return types.FaceMatch{}, fmt.Errorf("%w: compare: %w", ErrRecognition, err)
	}
	return types.FaceMatch{FaceBox: &box, Distance: &distance, Verified: &verified}, nil
}

func (e *Engine) recognitionFailed(seq int64, stage string, err error) {
	e.metrics.RecognitionFailed()
	e.log.Warn("recognition failed", zap.Int64("seq", seq), zap.String("stage", stage), zap.Error(err))
}

// Run drives decision cycles from src into out on a fixed tick until ctx is done or src is
// exhausted. Frames are only read while the engine is running. Failed reads skip the cycle.
// Run returns nil on cancellation and at end of stream, and the source's terminal error
// (ErrStreamEnded) when it dies.
func (e *Engine) Run(ctx context.Context, src Capture, out Renderer) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if e.State() != types.Running {
			continue
		}

		frame, err := e.readFrame(ctx, src)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrStreamEnded) {
			e.metrics.AcquisitionFailed()
			e.log.Error("frame source failed, ending run", zap.Error(err))
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.metrics.AcquisitionFailed()
			e.log.Debug("frame skipped", zap.Error(err))
			continue
		}

		d, ok := e.Step(ctx, frame)
		if !ok || out == nil {
			continue
		}
		if err := out.Render(ctx, d); err != nil {
			e.log.Warn("render failed", zap.Int64("seq", d.Seq), zap.Error(err))
		}
	}
}

// readFrame bounds a single acquisition by FrameTimeout so a stalled device is reported
// instead of hanging the loop.
func (e *Engine) readFrame(ctx context.Context, src Capture) (types.FrameObservation, error) {
	if e.opts.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FrameTimeout)
		defer cancel()
	}
	frame, err := src.ReadFrame(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		e.log.Warn("frame read timed out", zap.Duration("timeout", e.opts.FrameTimeout))
		return frame, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return frame, err
}
