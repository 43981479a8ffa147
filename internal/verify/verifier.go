package verify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// Probe is the face found on the current frame.
type Probe struct {
	Embedding []float64
	Face      image.Image // face crop, used by image-based verifiers
}

// IdentityVerifier decides whether a probe face belongs to the enrolled reference.
// Exactly one implementation is active per engine.
type IdentityVerifier interface {
	Compare(ctx context.Context, ref *types.ReferenceIdentity, probe Probe) (verified bool, distance float64, err error)
}

var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// EuclideanDistance calculates the Euclidean distance between two embeddings.
// Lower distance means more similar faces.
func EuclideanDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// DistanceVerifier accepts a probe when its embedding lies strictly closer than Threshold.
type DistanceVerifier struct {
	Threshold float64
}

func (v DistanceVerifier) Compare(_ context.Context, ref *types.ReferenceIdentity, probe Probe) (bool, float64, error) {
	d, err := EuclideanDistance(ref.Embedding, probe.Embedding)
	if err != nil {
		return false, 0, err
	}
	return d < v.Threshold, d, nil
}

// ImageVerifier is a black-box verification model comparing two face images.
type ImageVerifier interface {
	VerifyImages(ctx context.Context, reference []byte, probe image.Image, threshold float64) (bool, float64, error)
}

// ModelVerifier delegates the verdict to a verification model. The model's own boolean is
// authoritative; Threshold is passed through so the deployment still has one tunable bound.
type ModelVerifier struct {
	Model     ImageVerifier
	Threshold float64
}

func (v ModelVerifier) Compare(ctx context.Context, ref *types.ReferenceIdentity, probe Probe) (bool, float64, error) {
	if len(ref.Image) == 0 {
		return false, 0, errors.New("reference has no image for model verification")
	}
	if probe.Face == nil {
		return false, 0, errors.New("probe has no face crop")
	}
	return v.Model.VerifyImages(ctx, ref.Image, probe.Face, v.Threshold)
}
