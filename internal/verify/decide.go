package verify

import "github.com/andresmejia3/facegate/internal/types"

// Gate applies the preconditions that run before any face work. open is true only when
// a reference exists and exactly one person is in view.
func Gate(referenceReady bool, det types.DetectionResult) (label types.DecisionLabel, open bool) {
	switch {
	case !referenceReady:
		return types.ReferenceNotSet, false
	case det.PersonCount == 0:
		return types.NoPersonDetected, false
	case det.PersonCount > 1:
		return types.MultiplePersonsDetected, false
	}
	return types.SamePerson, true
}

// Label maps the face result of an open gate to its final label.
func Label(m types.FaceMatch) types.DecisionLabel {
	switch {
	case m.FaceBox == nil:
		return types.NoFaceDetected
	case m.Verified != nil && *m.Verified:
		return types.SamePerson
	}
	return types.DifferentPerson
}

// LargestFace picks the face with the biggest box, or nil.
func LargestFace(faces []types.Face) *types.Face {
	var best *types.Face
	for i := range faces {
		if best == nil || faces[i].Box.Area() > best.Box.Area() {
			best = &faces[i]
		}
	}
	return best
}
