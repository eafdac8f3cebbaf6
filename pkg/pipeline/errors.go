package pipeline

import (
	"fmt"
	"strings"

	"github.com/menta2k/leafscan/pkg/validation"
)

// Kind names an AnalysisError variant in logs, metrics and JSON
type Kind string

const (
	KindNoLeafDetected       Kind = "no_leaf_detected"
	KindPoorImageQuality     Kind = "poor_image_quality"
	KindLowConfidence        Kind = "low_confidence"
	KindValidatorUnavailable Kind = "validator_unavailable"
	KindInvalidImage         Kind = "invalid_image"
	KindUnknown              Kind = "unknown"
)

// AnalysisError is the closed set of failures an analysis can report.
// The variants are NoLeafDetected, PoorImageQuality, LowConfidence,
// ValidatorUnavailable, InvalidImage and Unknown.
type AnalysisError interface {
	error
	Kind() Kind
	sealed()
}

// NoLeafDetected means the detector found nothing above threshold
type NoLeafDetected struct{}

// PoorImageQuality lists the quality checks the photo failed
type PoorImageQuality struct {
	Issues []string
}

// LowConfidence carries the classifier score that was rejected
type LowConfidence struct {
	Score float32
}

// ValidatorUnavailable is a warning: the report fell back to the local template
type ValidatorUnavailable struct {
	Reason validation.Reason
	Err    error
}

// InvalidImage means the input could not be decoded or has no pixels
type InvalidImage struct {
	Err error
}

// Unknown wraps any other failure, including cancellation
type Unknown struct {
	Err error
}

func (NoLeafDetected) Kind() Kind       { return KindNoLeafDetected }
func (PoorImageQuality) Kind() Kind     { return KindPoorImageQuality }
func (LowConfidence) Kind() Kind        { return KindLowConfidence }
func (ValidatorUnavailable) Kind() Kind { return KindValidatorUnavailable }
func (InvalidImage) Kind() Kind         { return KindInvalidImage }
func (Unknown) Kind() Kind              { return KindUnknown }

func (NoLeafDetected) sealed()       {}
func (PoorImageQuality) sealed()     {}
func (LowConfidence) sealed()        {}
func (ValidatorUnavailable) sealed() {}
func (InvalidImage) sealed()         {}
func (Unknown) sealed()              {}

func (e NoLeafDetected) Error() string { return "no leaf detected" }

func (e PoorImageQuality) Error() string {
	return "poor image quality: " + strings.Join(e.Issues, ", ")
}

func (e LowConfidence) Error() string {
	return fmt.Sprintf("classification confidence too low: %.2f", e.Score)
}

func (e ValidatorUnavailable) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("validator unavailable (%s)", e.Reason)
	}
	return fmt.Sprintf("validator unavailable (%s): %v", e.Reason, e.Err)
}

func (e InvalidImage) Error() string {
	if e.Err == nil {
		return "invalid image"
	}
	return "invalid image: " + e.Err.Error()
}

func (e Unknown) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e ValidatorUnavailable) Unwrap() error { return e.Err }
func (e InvalidImage) Unwrap() error         { return e.Err }
func (e Unknown) Unwrap() error              { return e.Err }

// Critical reports whether err has no safe fallback
func Critical(err AnalysisError) bool {
	switch err.(type) {
	case InvalidImage, Unknown:
		return true
	}
	return false
}

// Describe returns end-user guidance for err. Every variant must be handled
// here; an unhandled variant panics.
func Describe(err AnalysisError) string {
	switch e := err.(type) {
	case NoLeafDetected:
		return "No leaf was found in the photo. Center a single leaf in the frame and try again."
	case PoorImageQuality:
		return "The photo is not usable (" + strings.Join(e.Issues, ", ") + "). Retake it in even light and hold the camera steady."
	case LowConfidence:
		return fmt.Sprintf("The diagnosis is not reliable enough (%.0f%% confidence). Retake the photo closer to the leaf.", float64(e.Score)*100)
	case ValidatorUnavailable:
		return "The diagnosis could not be confirmed (" + string(e.Reason) + "). A preliminary result is shown."
	case InvalidImage:
		return "The file is not a readable image."
	case Unknown:
		return "Something went wrong while analysing the photo."
	}
	panic(fmt.Sprintf("pipeline: unhandled AnalysisError %T", err))
}

// ErrorInfo is the serializable form of an AnalysisError
type ErrorInfo struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Hint    string            `json:"hint"`
	Issues  []string          `json:"issues,omitempty"`
	Score   float32           `json:"score,omitempty"`
	Reason  validation.Reason `json:"reason,omitempty"`
}

// Info converts err for JSON output
func Info(err AnalysisError) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: err.Kind(), Message: err.Error(), Hint: Describe(err)}
	switch e := err.(type) {
	case PoorImageQuality:
		info.Issues = e.Issues
	case LowConfidence:
		info.Score = e.Score
	case ValidatorUnavailable:
		info.Reason = e.Reason
	}
	return info
}
