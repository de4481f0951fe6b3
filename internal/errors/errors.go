package errors

import (
	"errors"
	"fmt"
)

// Kind classifies why a job stopped. The set is closed: every error that reaches
// the queue boundary maps to exactly one Kind.
type Kind string

const (
	KindReconstruction          Kind = "ReconstructionError"
	KindSceneSynthesis          Kind = "SceneSynthesisError"
	KindSegmentationConvert     Kind = "SegmentationConvertError"
	KindSegmentationPreprocess  Kind = "SegmentationPreprocessError"
	KindSegmentationInference   Kind = "SegmentationInferenceError"
	KindSegmentationReconstruct Kind = "SegmentationReconstructError"
	KindFeatureExtraction       Kind = "FeatureExtractionError"
	KindMaskExtraction          Kind = "MaskExtractionError"
	KindSceneTraining           Kind = "SceneTrainingError"
	KindFeatureTraining         Kind = "FeatureTrainingError"
	KindSegment                 Kind = "SegmentError"
	KindRender                  Kind = "RenderError"
	KindUpload                  Kind = "UploadError"
	KindPublish                 Kind = "PublishError"
	KindAcquisition             Kind = "AcquisitionError"
	KindInvalidJob              Kind = "InvalidJobError"
	KindWorkspaceBusy           Kind = "WorkspaceBusyError"
	KindUnknown                 Kind = "UnknownError"
)

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindReconstruction,
		KindSceneSynthesis,
		KindSegmentationConvert,
		KindSegmentationPreprocess,
		KindSegmentationInference,
		KindSegmentationReconstruct,
		KindFeatureExtraction,
		KindMaskExtraction,
		KindSceneTraining,
		KindFeatureTraining,
		KindSegment,
		KindRender,
		KindUpload,
		KindPublish,
		KindAcquisition,
		KindInvalidJob,
		KindWorkspaceBusy,
		KindUnknown,
	}
}

// Standard error values that can be used for error checking
var (
	// ErrNonZeroExit is returned when an external process exits with a non-zero status
	ErrNonZeroExit = errors.New("external process exited with non-zero status")

	// ErrOutputMissing is returned when a stage exits cleanly but its expected output is absent
	ErrOutputMissing = errors.New("expected stage output is missing")

	// ErrWorkspaceLocked is returned when another attempt holds the job workspace
	ErrWorkspaceLocked = errors.New("workspace is locked by another attempt")
)

// StageError is the single error type raised by the pipeline. Stage is empty for
// failures outside a stage (fetch, decode).
type StageError struct {
	Kind   Kind
	Stage  string
	Detail string // captured diagnostic text, usually the process stderr
	Err    error
}

// Error implements the error interface
func (e *StageError) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s in stage %s", msg, e.Stage)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches another *StageError of the same kind, and of the same stage when the
// target names one.
func (e *StageError) Is(target error) bool {
	var other *StageError
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Stage == "" || other.Stage == e.Stage)
	}
	return false
}

// New creates a StageError.
func New(kind Kind, stage, detail string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Detail: detail, Err: err}
}

// Wrap attaches a kind to err unless err already carries one.
func Wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Retryable reports whether redelivering the job can change the outcome.
// A malformed job fails identically on every delivery.
func Retryable(kind Kind) bool {
	return kind != KindInvalidJob
}
