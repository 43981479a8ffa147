package types

import (
	"fmt"
	"image"
	"time"
)

// FrameObservation is a single acquired frame. It lives for exactly one decision cycle.
type FrameObservation struct {
	Seq   int64
	Image image.Image
	Data  []byte // Encoded JPEG as it came off the capture pipe, may be nil
}

// BoundingBox is a pixel rectangle [X1,Y1) -> [X2,Y2) in full-frame coordinates.
type BoundingBox struct {
	X1 int `json:"x1" msgpack:"x1"`
	Y1 int `json:"y1" msgpack:"y1"`
	X2 int `json:"x2" msgpack:"x2"`
	Y2 int `json:"y2" msgpack:"y2"`
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

func (b BoundingBox) Area() int {
	r := b.Rect()
	return r.Dx() * r.Dy()
}

// Scale maps a box found on a resized frame back onto the original frame.
func (b BoundingBox) Scale(f float64) BoundingBox {
	return BoundingBox{
		X1: int(float64(b.X1) * f),
		Y1: int(float64(b.Y1) * f),
		X2: int(float64(b.X2) * f),
		Y2: int(float64(b.Y2) * f),
	}
}

// PersonBox is one "person" class detection.
type PersonBox struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
}

// DetectionResult is produced on cadence boundaries and reused until the next one.
// PersonCount always equals len(Persons); build it with NewDetectionResult.
type DetectionResult struct {
	Persons     []PersonBox `json:"persons"`
	PersonCount int         `json:"person_count"`
	Seq         int64       `json:"seq"` // controller frame number the detector ran on
}

func NewDetectionResult(seq int64, persons []PersonBox) DetectionResult {
	return DetectionResult{Persons: persons, PersonCount: len(persons), Seq: seq}
}

// Face is a localized face with its embedding, as returned by the extractor.
type Face struct {
	Box       BoundingBox
	Embedding []float64
}

// FaceMatch is the per-frame face result. Nil pointers mean "absent".
type FaceMatch struct {
	FaceBox  *BoundingBox `json:"face_box,omitempty"`
	Distance *float64     `json:"distance,omitempty"`
	Verified *bool        `json:"verified,omitempty"`
}

// DecisionLabel is recomputed every frame and never stored by the engine.
type DecisionLabel int

const (
	ReferenceNotSet DecisionLabel = iota
	NoPersonDetected
	MultiplePersonsDetected
	NoFaceDetected
	SamePerson
	DifferentPerson
	RecognitionError
)

var labelNames = map[DecisionLabel]string{
	ReferenceNotSet:         "Reference not set",
	NoPersonDetected:        "No person detected",
	MultiplePersonsDetected: "More than one person detected",
	NoFaceDetected:          "No face detected",
	SamePerson:              "Same Person",
	DifferentPerson:         "Different Person",
	RecognitionError:        "Error in recognition",
}

func (l DecisionLabel) String() string {
	if s, ok := labelNames[l]; ok {
		return s
	}
	return "Unknown"
}

// Key is the stable snake_case identifier used in metrics, JSON and the database.
func (l DecisionLabel) Key() string {
	switch l {
	case ReferenceNotSet:
		return "reference_not_set"
	case NoPersonDetected:
		return "no_person_detected"
	case MultiplePersonsDetected:
		return "multiple_persons_detected"
	case NoFaceDetected:
		return "no_face_detected"
	case SamePerson:
		return "same_person"
	case DifferentPerson:
		return "different_person"
	case RecognitionError:
		return "recognition_error"
	}
	return "unknown"
}

func (l DecisionLabel) MarshalText() ([]byte, error) {
	return []byte(l.Key()), nil
}

// ParseLabel is the inverse of Key.
func ParseLabel(key string) (DecisionLabel, error) {
	for _, l := range AllLabels() {
		if l.Key() == key {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown decision label %q", key)
}

// AllLabels lists every label in declaration order.
func AllLabels() []DecisionLabel {
	return []DecisionLabel{
		ReferenceNotSet, NoPersonDetected, MultiplePersonsDetected,
		NoFaceDetected, SamePerson, DifferentPerson, RecognitionError,
	}
}

// EngineState governs which engine operations are legal.
type EngineState int

const (
	Idle EngineState = iota
	ReferenceReady
	Running
	Stopped
)

func (s EngineState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReferenceReady:
		return "reference_ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source records how the active reference was enrolled.
type Source string

const (
	SourceCaptured Source = "captured"
	SourceUploaded Source = "uploaded"
)

// ReferenceIdentity is the single enrolled identity. Instances are immutable once published:
// enrollment replaces the whole value.
type ReferenceIdentity struct {
	Embedding  []float64
	Source     Source
	SetAt      uint64    // logical timestamp, increases with every enrollment
	EnrolledAt time.Time // wall clock, informational
	Image      []byte    // encoded enrollment image (uploaded bytes, or the captured frame as JPEG); used by the model verifier and persisted
}

// Decision is what one cycle hands to the rendering collaborator.
type Decision struct {
	Seq       int64
	Label     DecisionLabel
	Match     FaceMatch
	Detection DetectionResult
	Frame     image.Image
	At        time.Time
}

// DecisionInterval is a run of consecutive frames that received the same label.
type DecisionInterval struct {
	Label       DecisionLabel `json:"label"`
	StartSeq    int64         `json:"start_seq"`
	EndSeq      int64         `json:"end_seq"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Frames      int           `json:"frames"`
	MinDistance *float64      `json:"min_distance,omitempty"` // best match distance seen in the run
}

func (i DecisionInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}
