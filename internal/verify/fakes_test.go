package verify

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
)

var (
	refEmbedding   = []float64{1, 0, 0}
	otherEmbedding = []float64{0, 1, 0}
	faceBox        = types.BoundingBox{X1: 10, Y1: 10, X2: 20, Y2: 20}
)

type fakeExtractor struct {
	mu    sync.Mutex
	faces []types.Face
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ image.Image) ([]types.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Face(nil), f.faces...), nil
}

func (f *fakeExtractor) set(faces []types.Face, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faces, f.err = faces, err
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func face(emb []float64) []types.Face {
	return []types.Face{{Box: faceBox, Embedding: emb}}
}

type fakeDetector struct {
	mu      sync.Mutex
	persons int
	err     error
	calls   int
}

func (f *fakeDetector) DetectPersons(_ context.Context, _ image.Image, _ float64) ([]types.PersonBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.PersonBox, f.persons)
	for i := range out {
		out[i] = types.PersonBox{Box: types.BoundingBox{X2: 30, Y2: 40}, Confidence: 0.9}
	}
	return out, nil
}

func (f *fakeDetector) set(persons int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persons, f.err = persons, err
}

func (f *fakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingExtractor parks inside Extract until released, to simulate an in-flight model call.
type blockingExtractor struct {
	entered chan struct{}
	release chan struct{}
	faces   []types.Face
}

func (b *blockingExtractor) Extract(ctx context.Context, _ image.Image) ([]types.Face, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.faces, nil
}

type fakeCapture struct {
	frames []types.FrameObservation
	errs   map[int]error // read index -> error
	reads  int
}

func (c *fakeCapture) ReadFrame(_ context.Context) (types.FrameObservation, error) {
	i := c.reads
	c.reads++
	if err, ok := c.errs[i]; ok {
		return types.FrameObservation{}, err
	}
	if len(c.frames) == 0 {
		return types.FrameObservation{}, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *fakeCapture) Release() error { return nil }

type recordRenderer struct {
	decisions []types.Decision
}

func (r *recordRenderer) Render(_ context.Context, d types.Decision) error {
	r.decisions = append(r.decisions, d)
	return nil
}

type fakePersister struct {
	saved   []*types.ReferenceIdentity
	cleared int
	err     error
}

func (p *fakePersister) SaveReference(_ context.Context, ref *types.ReferenceIdentity) error {
	p.saved = append(p.saved, ref)
	return p.err
}

func (p *fakePersister) ClearReference(_ context.Context) error {
	p.cleared++
	return p.err
}

type fakeModel struct {
	verified bool
	distance float64
	gotRef   []byte
}

func (m *fakeModel) VerifyImages(_ context.Context, ref []byte, _ image.Image, _ float64) (bool, float64, error) {
	m.gotRef = ref
	return m.verified, m.distance, nil
}

var errModel = errors.New("model exploded")

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

func obs(seq int64) types.FrameObservation {
	return types.FrameObservation{Seq: seq, Image: testFrame()}
}
