package verify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cadence int) (*Engine, *fakeExtractor, *fakeDetector) {
	t.Helper()
	opts := DefaultOptions()
	opts.Cadence = cadence
	opts.TickInterval = time.Millisecond
	ext := &fakeExtractor{faces: face(refEmbedding)}
	det := &fakeDetector{persons: 1}
	return New(opts, ext, det, DistanceVerifier{Threshold: 0.6}), ext, det
}

func uploadBytes(t *testing.T) []byte {
	t.Helper()
	data, err := preprocess.EncodeJPEG(testFrame(), 90)
	require.NoError(t, err)
	return data
}

func enrolledRunning(t *testing.T, cadence int) (*Engine, *fakeExtractor, *fakeDetector) {
	t.Helper()
	e, ext, det := newTestEngine(t, cadence)
	_, err := e.EnrollFromUpload(context.Background(), uploadBytes(t))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	return e, ext, det
}

func TestStart_WithoutReference(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)

	err := e.Start()

	assert.ErrorIs(t, err, ErrReferenceNotSet)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Equal(t, types.Idle, e.State())
}

func TestEnrollAndMatch_SamePerson(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)

	ref, err := e.EnrollFromUpload(context.Background(), uploadBytes(t))
	require.NoError(t, err)
	assert.Equal(t, types.SourceUploaded, ref.Source)
	assert.Equal(t, types.ReferenceReady, e.State())

	require.NoError(t, e.Start())
	assert.Equal(t, types.Running, e.State())

	d, ok := e.Step(context.Background(), obs(0))
	require.True(t, ok)
	assert.Equal(t, types.SamePerson, d.Label)
	require.NotNil(t, d.Match.Distance)
	assert.Zero(t, *d.Match.Distance, "a face matched against itself has zero distance")
	assert.True(t, *d.Match.Verified)

	last, ok := e.LastDecision()
	require.True(t, ok)
	assert.Equal(t, d.Seq, last.Seq)
}

func TestScenario_GatingSequence(t *testing.T) {
	e, ext, det := enrolledRunning(t, 1)
	ext.set(face(otherEmbedding), nil)

	det.set(0, nil)
	d, ok := e.Step(context.Background(), obs(0))
	require.True(t, ok)
	assert.Equal(t, types.NoPersonDetected, d.Label)

	det.set(2, nil)
	d, ok = e.Step(context.Background(), obs(1))
	require.True(t, ok)
	assert.Equal(t, types.MultiplePersonsDetected, d.Label)
	assert.Equal(t, 2, d.Detection.PersonCount)

	det.set(1, nil)
	d, ok = e.Step(context.Background(), obs(2))
	require.True(t, ok)
	assert.Equal(t, types.DifferentPerson, d.Label)
	assert.False(t, *d.Match.Verified)
}

func TestGate_DetectorDominates(t *testing.T) {
	tests := []struct {
		name    string
		persons int
		faces   []types.Face
		want    types.DecisionLabel
	}{
		{"no person, matching face", 0, face(refEmbedding), types.NoPersonDetected},
		{"no person, no face", 0, nil, types.NoPersonDetected},
		{"two persons, matching face", 2, face(refEmbedding), types.MultiplePersonsDetected},
		{"five persons, other face", 5, face(otherEmbedding), types.MultiplePersonsDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ext, det := enrolledRunning(t, 1)
			enrollCalls := ext.Calls()
			ext.set(tt.faces, nil)
			det.set(tt.persons, nil)

			for i := int64(0); i < 3; i++ {
				d, ok := e.Step(context.Background(), obs(i))
				require.True(t, ok)
				assert.Equal(t, tt.want, d.Label)
				assert.Nil(t, d.Match.Verified)
			}
			assert.Equal(t, enrollCalls, ext.Calls(), "face work must be skipped when the gate is closed")
		})
	}
}

func TestStep_NoFace(t *testing.T) {
	e, ext, _ := enrolledRunning(t, 5)
	ext.set(nil, nil)

	d, ok := e.Step(context.Background(), obs(0))
	require.True(t, ok)
	assert.Equal(t, types.NoFaceDetected, d.Label)
	assert.Nil(t, d.Match.FaceBox)
}

func TestStep_FaceBoxMappedToFullFrame(t *testing.T) {
	e, _, _ := enrolledRunning(t, 5)

	d, ok := e.Step(context.Background(), obs(0))
	require.True(t, ok)
	require.NotNil(t, d.Match.FaceBox)
	assert.Equal(t, types.BoundingBox{X1: 20, Y1: 20, X2: 40, Y2: 40}, *d.Match.FaceBox)
}

func TestCadence_DetectorBound(t *testing.T) {
	const cadence = 5
	e, _, det := enrolledRunning(t, cadence)

	var calls []int
	for i := int64(0); i < 23; i++ {
		d, ok := e.Step(context.Background(), obs(i))
		require.True(t, ok)
		calls = append(calls, det.Calls())
		assert.Less(t, d.Seq-d.Detection.Seq, int64(cadence), "person count is at most cadence-1 frames stale")
	}

	assert.Equal(t, 5, det.Calls()) // frames 0,5,10,15,20
	for i := cadence; i < len(calls); i++ {
		assert.LessOrEqual(t, calls[i]-calls[i-cadence], 1, "window ending at frame %d", i)
	}
}

func TestCadence_ResetOnRestart(t *testing.T) {
	e, _, det := enrolledRunning(t, 5)

	e.Step(context.Background(), obs(0))
	e.Step(context.Background(), obs(1))
	require.Equal(t, 1, det.Calls())

	e.Stop()
	require.NoError(t, e.Start())

	d, ok := e.Step(context.Background(), obs(2))
	require.True(t, ok)
	assert.Equal(t, int64(0), d.Seq)
	assert.Equal(t, 2, det.Calls(), "a new session must not reuse the previous person count")
}

func TestEnroll_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)
	data := uploadBytes(t)

	first, err := e.EnrollFromUpload(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, types.ReferenceReady, e.State())

	second, err := e.EnrollFromUpload(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, first.Embedding, second.Embedding)
	d, err := EuclideanDistance(first.Embedding, second.Embedding)
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Equal(t, types.ReferenceReady, e.State())
	assert.Greater(t, second.SetAt, first.SetAt)
}

func TestEnroll_Errors(t *testing.T) {
	t.Run("undecodable upload", func(t *testing.T) {
		e, _, _ := newTestEngine(t, 5)
		_, err := e.EnrollFromUpload(context.Background(), []byte("not an image"))
		assert.ErrorIs(t, err, ErrInvalidImage)
		assert.ErrorIs(t, err, ErrEnrollment)
		assert.False(t, e.IsReady())
		assert.Equal(t, types.Idle, e.State())
	})

	t.Run("no face", func(t *testing.T) {
		e, ext, _ := newTestEngine(t, 5)
		ext.set(nil, nil)
		_, err := e.EnrollFromCapture(context.Background(), testFrame())
		assert.ErrorIs(t, err, ErrNoFaceFound)
		assert.False(t, e.IsReady())
	})

	t.Run("extractor failure", func(t *testing.T) {
		e, ext, _ := newTestEngine(t, 5)
		ext.set(nil, errModel)
		_, err := e.EnrollFromCapture(context.Background(), testFrame())
		assert.ErrorIs(t, err, ErrNoFaceFound)
		assert.ErrorIs(t, err, errModel)
	})

	t.Run("failed re-enrollment keeps the old reference", func(t *testing.T) {
		e, ext, _ := newTestEngine(t, 5)
		ref, err := e.EnrollFromCapture(context.Background(), testFrame())
		require.NoError(t, err)
		assert.Equal(t, types.SourceCaptured, ref.Source)

		ext.set(nil, nil)
		_, err = e.EnrollFromCapture(context.Background(), testFrame())
		require.ErrorIs(t, err, ErrNoFaceFound)
		assert.Same(t, ref, e.Reference())
	})
}

func TestEnroll_WhileRunningIsBusy(t *testing.T) {
	e, ext, _ := enrolledRunning(t, 5)
	before := e.Reference()
	ext.set(face(otherEmbedding), nil)

	_, err := e.EnrollFromUpload(context.Background(), uploadBytes(t))

	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Same(t, before, e.Reference())
	assert.Equal(t, types.Running, e.State())

	// Stop first, then re-enroll: allowed, and a restart is required.
	e.Stop()
	_, err = e.EnrollFromUpload(context.Background(), uploadBytes(t))
	require.NoError(t, err)
	assert.Equal(t, types.ReferenceReady, e.State())
	_, ok := e.Step(context.Background(), obs(0))
	assert.False(t, ok)
}

func TestEnroll_BusyBeatsBadInput(t *testing.T) {
	e, ext, _ := enrolledRunning(t, 5)
	calls := ext.Calls()

	_, err := e.EnrollFromUpload(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.NotErrorIs(t, err, ErrInvalidImage)

	_, err = e.EnrollFromCapture(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEngineBusy)

	assert.Equal(t, calls, ext.Calls(), "a busy engine does not run the extractor")
}

func TestStop_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)
	e.Stop()
	assert.Equal(t, types.Idle, e.State())

	e, _, _ = enrolledRunning(t, 5)
	e.Stop()
	e.Stop()
	assert.Equal(t, types.Stopped, e.State())
}

func TestStop_NoDecisionsUntilRestart(t *testing.T) {
	e, _, _ := enrolledRunning(t, 5)

	e.Stop()
	for i := int64(0); i < 3; i++ {
		_, ok := e.Step(context.Background(), obs(i))
		assert.False(t, ok)
	}

	require.NoError(t, e.Start())
	d, ok := e.Step(context.Background(), obs(3))
	require.True(t, ok)
	assert.Equal(t, types.SamePerson, d.Label)
}

func TestStop_DiscardsInFlightResult(t *testing.T) {
	opts := DefaultOptions()
	ext := &blockingExtractor{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		faces:   face(refEmbedding),
	}
	det := &fakeDetector{persons: 1}
	e := New(opts, ext, det, DistanceVerifier{Threshold: 0.6})

	_, err := e.Restore(types.ReferenceIdentity{Embedding: refEmbedding, Source: types.SourceUploaded})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	type result struct {
		d  types.Decision
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		d, ok := e.Step(context.Background(), obs(0))
		done <- result{d, ok}
	}()

	<-ext.entered
	e.Stop()
	close(ext.release)

	res := <-done
	assert.False(t, res.ok, "a result finished after stop must be dropped")
	_, has := e.LastDecision()
	assert.False(t, has)
}

func TestClear_WhileRunning(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)
	p := &fakePersister{}
	e.persister = p

	_, err := e.EnrollFromUpload(context.Background(), uploadBytes(t))
	require.NoError(t, err)
	require.Len(t, p.saved, 1)
	require.NoError(t, e.Start())

	e.Clear(context.Background())

	assert.Equal(t, types.Idle, e.State())
	assert.False(t, e.IsReady())
	assert.Equal(t, 1, p.cleared)
	_, ok := e.Step(context.Background(), obs(0))
	assert.False(t, ok)
	assert.ErrorIs(t, e.Start(), ErrReferenceNotSet)
}

func TestPersisterFailureIsNotFatal(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)
	e.persister = &fakePersister{err: errors.New("disk full")}

	_, err := e.EnrollFromUpload(context.Background(), uploadBytes(t))
	assert.NoError(t, err)
	assert.True(t, e.IsReady())
}

func TestRecognitionError_LoopContinues(t *testing.T) {
	t.Run("extractor", func(t *testing.T) {
		e, ext, _ := enrolledRunning(t, 5)

		ext.set(nil, errModel)
		d, ok := e.Step(context.Background(), obs(0))
		require.True(t, ok)
		assert.Equal(t, types.RecognitionError, d.Label)
		assert.Equal(t, types.Running, e.State())

		ext.set(face(refEmbedding), nil)
		d, ok = e.Step(context.Background(), obs(1))
		require.True(t, ok)
		assert.Equal(t, types.SamePerson, d.Label)
	})

	t.Run("detector", func(t *testing.T) {
		e, _, det := enrolledRunning(t, 2)

		det.set(1, errModel)
		d, _ := e.Step(context.Background(), obs(0))
		assert.Equal(t, types.RecognitionError, d.Label)

		// Frame 1 has no fresh detection to gate on.
		det.set(1, nil)
		d, _ = e.Step(context.Background(), obs(1))
		assert.Equal(t, types.RecognitionError, d.Label)

		d, ok := e.Step(context.Background(), obs(2))
		require.True(t, ok)
		assert.Equal(t, types.SamePerson, d.Label)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		e, ext, _ := enrolledRunning(t, 5)
		ext.set(face([]float64{1, 0}), nil)
		d, ok := e.Step(context.Background(), obs(0))
		require.True(t, ok)
		assert.Equal(t, types.RecognitionError, d.Label)
	})
}

func TestModelVerifier(t *testing.T) {
	opts := DefaultOptions()
	model := &fakeModel{verified: true, distance: 0.3}
	e := New(opts, &fakeExtractor{faces: face(refEmbedding)}, &fakeDetector{persons: 1},
		ModelVerifier{Model: model, Threshold: 0.4})

	data := uploadBytes(t)
	_, err := e.EnrollFromUpload(context.Background(), data)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	d, ok := e.Step(context.Background(), obs(0))
	require.True(t, ok)
	assert.Equal(t, types.SamePerson, d.Label)
	assert.Equal(t, 0.3, *d.Match.Distance)
	assert.Equal(t, data, model.gotRef)
}

func TestRun_DrivesCaptureToRenderer(t *testing.T) {
	e, _, _ := enrolledRunning(t, 5)
	capture := &fakeCapture{
		frames: []types.FrameObservation{obs(0), obs(1), obs(2)},
		errs:   map[int]error{1: ErrReadFailed},
	}
	out := &recordRenderer{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, capture, out))

	require.Len(t, out.decisions, 3, "a failed read skips a cycle without ending the session")
	for i, d := range out.decisions {
		assert.Equal(t, int64(i), d.Seq)
		assert.Equal(t, types.SamePerson, d.Label)
	}
}

func TestRun_ReturnsWhenSourceDies(t *testing.T) {
	e, _, _ := enrolledRunning(t, 5)
	unplugged := fmt.Errorf("%w: device unplugged", ErrStreamEnded)
	capture := &fakeCapture{
		frames: []types.FrameObservation{obs(0), obs(1)},
		errs:   map[int]error{1: unplugged},
	}
	out := &recordRenderer{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err := e.Run(ctx, capture, out)

	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.NoError(t, ctx.Err(), "Run must return on its own, not wait for cancellation")
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, out.decisions, 1)
	assert.Equal(t, 2, capture.reads, "no reads after the source died")
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	e, _, _ := newTestEngine(t, 5) // idle: Run waits without reading
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, &fakeCapture{}, nil) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
