package scene

import (
	"errors"
	"fmt"
)

// ErrConfig marks configuration errors. They abort a run before any image is
// processed: wrong dataset directory count, unknown loader ids, invalid
// clustering parameters.
var ErrConfig = errors.New("configuration error")

// ErrInvalidDetection marks a malformed detection record.
var ErrInvalidDetection = errors.New("invalid detection")

// Stage names the pipeline stage that produced a DataError or Warning.
type Stage string

const (
	StageMatch  Stage = "match"
	StageLift   Stage = "lift"
	StageRefine Stage = "refine"
)

// DataError is a failure local to one image. It is recorded against the image
// and never aborts the dataset run.
type DataError struct {
	ImageID string
	Stage   Stage
	Err     error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: image %q: %v", e.Stage, e.ImageID, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// NewDataError wraps err as a per-image failure.
func NewDataError(stage Stage, imageID string, err error) *DataError {
	return &DataError{ImageID: imageID, Stage: stage, Err: err}
}

// Warning records a degenerate but non-fatal input, such as an image with no
// detections or a detection that produced no valid 3D points.
type Warning struct {
	ImageID string `json:"image_id"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: image %q: %s", w.Stage, w.ImageID, w.Message)
}

// Failure is the serialisable form of a DataError.
type Failure struct {
	ImageID string `json:"image_id"`
	Stage   Stage  `json:"stage"`
	Reason  string `json:"reason"`
}

// FailureFromError converts an error into a Failure. Errors that are not a
// *DataError are attributed to imageID and stage.
func FailureFromError(stage Stage, imageID string, err error) Failure {
	var de *DataError
	if errors.As(err, &de) {
		return Failure{ImageID: de.ImageID, Stage: de.Stage, Reason: de.Err.Error()}
	}
	return Failure{ImageID: imageID, Stage: stage, Reason: err.Error()}
}
