package verify

import "errors"

// Error classes. Every concrete error below matches exactly one of them with errors.Is.
var (
	ErrEnrollment  = errors.New("enrollment error")
	ErrEngine      = errors.New("engine error")
	ErrAcquisition = errors.New("acquisition error")
)

var (
	ErrNoFaceFound  = classed(ErrEnrollment, "no face found")
	ErrInvalidImage = classed(ErrEnrollment, "invalid image")

	ErrReferenceNotSet = classed(ErrEngine, "reference not set")
	ErrEngineBusy      = classed(ErrEngine, "engine busy: stop the session before enrolling")

	ErrDeviceUnavailable = classed(ErrAcquisition, "capture device unavailable")
	ErrReadFailed        = classed(ErrAcquisition, "frame read failed")
	// ErrStreamEnded is the terminal error of a source that died (device unplugged, ffmpeg
	// exited non-zero). Unlike ErrReadFailed no further frames will follow.
	ErrStreamEnded = classed(ErrAcquisition, "capture stream ended")

	// ErrRecognition wraps extractor/detector runtime failures inside a decision cycle.
	ErrRecognition = errors.New("recognition error")
)

type classError struct {
	class error
	msg   string
}

func classed(class error, msg string) error {
	return &classError{class: class, msg: msg}
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Is(target error) bool { return target == e.class }
