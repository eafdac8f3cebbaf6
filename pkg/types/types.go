package types

import (
	"fmt"
	"image"
	"math"
	"time"
)

// NormalizedRect is a corner-format bounding box with coordinates in [0,1] range
type NormalizedRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the normalized width of the rectangle
func (r NormalizedRect) Width() float64 { return r.Right - r.Left }

// Height returns the normalized height of the rectangle
func (r NormalizedRect) Height() float64 { return r.Bottom - r.Top }

// Area returns the normalized area, zero for inverted or empty rectangles
func (r NormalizedRect) Area() float64 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// ToPixels converts the rectangle to pixel space for an image of the given size.
// Min edges are floored and max edges are ceiled so the region is never shrunk.
func (r NormalizedRect) ToPixels(width, height int) image.Rectangle {
	x0 := int(math.Floor(r.Left * float64(width)))
	y0 := int(math.Floor(r.Top * float64(height)))
	x1 := int(math.Ceil(r.Right * float64(width)))
	y1 := int(math.Ceil(r.Bottom * float64(height)))
	return image.Rect(x0, y0, x1, y1)
}

// RawDetectionTensor is the raw detector output of shape [1][C][N]:
// C = 4 box coordinates + K class scores, N proposals. Data is row-major,
// so the value for channel c of proposal n is Data[c*N+n].
type RawDetectionTensor struct {
	Channels  int
	Proposals int
	Data      []float32
}

// NewRawDetectionTensor validates the shape and wraps data
func NewRawDetectionTensor(channels, proposals int, data []float32) (RawDetectionTensor, error) {
	if channels < 5 {
		return RawDetectionTensor{}, fmt.Errorf("detection tensor needs at least 5 channels, got %d", channels)
	}
	if proposals < 0 || len(data) != channels*proposals {
		return RawDetectionTensor{}, fmt.Errorf("detection tensor data length %d does not match shape [1][%d][%d]",
			len(data), channels, proposals)
	}
	return RawDetectionTensor{Channels: channels, Proposals: proposals, Data: data}, nil
}

// At returns channel c of proposal n
func (t RawDetectionTensor) At(c, n int) float32 {
	return t.Data[c*t.Proposals+n]
}

// NumClasses returns K, the number of class score channels
func (t RawDetectionTensor) NumClasses() int {
	return t.Channels - 4
}

// InputTensor is a preprocessed model input in NCHW layout
type InputTensor struct {
	Shape []int64
	Data  []float32
}

// Detection is one decoded detector proposal
type Detection struct {
	Box         NormalizedRect  `json:"box"`
	Confidence  float32         `json:"confidence"`
	ClassIndex  int             `json:"class_index"`
	ClassScores map[int]float32 `json:"class_scores,omitempty"`
}

// Crop is a padded region cut from the original, full-resolution image.
// Image is an owned copy of the pixels.
type Crop struct {
	SourceRect image.Rectangle `json:"source_rect"`
	PaddedRect image.Rectangle `json:"padded_rect"`
	Image      *image.NRGBA    `json:"-"`
	Recovery   string          `json:"recovery,omitempty"`
}

// ClassificationResult is the output of the crop classifier
type ClassificationResult struct {
	Label         string    `json:"label"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	Uncertain     bool      `json:"uncertain"`
}

// ReportSource tells where a DiagnosticReport came from
type ReportSource string

const (
	SourceValidated ReportSource = "validated"
	SourceFallback  ReportSource = "fallback"
	SourceUncertain ReportSource = "uncertain"
)

// DiagnosticReport is the final diagnosis returned to callers. It is never
// mutated after construction.
type DiagnosticReport struct {
	DiseaseName              string       `json:"disease_name" msgpack:"disease_name"`
	ObservedSymptoms         string       `json:"observed_symptoms" msgpack:"observed_symptoms"`
	ConfidenceLevel          string       `json:"confidence_level" msgpack:"confidence_level"`
	ManagementRecommendation string       `json:"management_recommendation" msgpack:"management_recommendation"`
	FullReport               string       `json:"full_report" msgpack:"full_report"`
	IsUncertain              bool         `json:"is_uncertain" msgpack:"is_uncertain"`
	Source                   ReportSource `json:"source" msgpack:"source"`
	Timestamp                time.Time    `json:"timestamp" msgpack:"timestamp"`
	ModelVersion             string       `json:"model_version" msgpack:"model_version"`
}

// GenerationConfig holds sampling parameters sent to the validator
type GenerationConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	Seed        int     `json:"seed"`
	MaxTokens   int     `json:"max_tokens"`
}

// DeterministicGeneration returns temperature 0, top-p 0.1, top-k 1
func DeterministicGeneration() GenerationConfig {
	return GenerationConfig{
		Temperature: 0,
		TopP:        0.1,
		TopK:        1,
		Seed:        42,
		MaxTokens:   1024,
	}
}

// ValidatorReport is the structured answer parsed from the vision model
type ValidatorReport struct {
	DiseaseName              string `json:"disease_name"`
	ObservedSymptoms         string `json:"observed_symptoms"`
	ConfidenceLevel          string `json:"confidence_level"`
	ManagementRecommendation string `json:"management_recommendation"`
	FullReport               string `json:"full_report"`
}

// ProcessingOptions contains options for CLI output
type ProcessingOptions struct {
	OutputDir    string
	SaveCrop     bool
	DebugOverlay bool
	// Format is the image format for crops and overlays
	Format  string
	Quality int
}
