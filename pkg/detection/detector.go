package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/menta2k/leafscan/pkg/inference"
	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
)

const (
	DefaultConfidenceThreshold = 0.6
	DefaultIoUThreshold        = 0.45
	DefaultInputSize           = 640
)

// ErrShapeMismatch is returned when the detector output does not have the
// expected [1][4+K][N] layout
var ErrShapeMismatch = errors.New("detector output shape mismatch")

// DecodeConfig controls how raw detector output is filtered
type DecodeConfig struct {
	ConfidenceThreshold float32
	// KeepClassScores attaches every class score to each detection
	KeepClassScores bool
}

// Config configures a Detector
type Config struct {
	ConfidenceThreshold float32
	IoUThreshold        float64
	InputSize           int
}

// DefaultConfig returns the default detector configuration
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		IoUThreshold:        DefaultIoUThreshold,
		InputSize:           DefaultInputSize,
	}
}

// Result holds the filtered detections sorted by confidence. Best is nil
// when nothing survived filtering.
type Result struct {
	All  []types.Detection
	Best *types.Detection
}

// Detector runs a detector model and filters its output
type Detector struct {
	model  inference.DetectorModel
	config Config
}

// NewDetector creates a new detector around a model
func NewDetector(model inference.DetectorModel) *Detector {
	return NewDetectorWithConfig(model, DefaultConfig())
}

// NewDetectorWithConfig creates a detector with custom thresholds
func NewDetectorWithConfig(model inference.DetectorModel, config Config) *Detector {
	if config.InputSize <= 0 {
		config.InputSize = DefaultInputSize
	}
	return &Detector{model: model, config: config}
}

// Detect finds leaves in img. An empty Result is not an error.
func (d *Detector) Detect(ctx context.Context, img image.Image) (*Result, error) {
	input, err := processing.ToTensor(img, d.config.InputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare detector input: %w", err)
	}

	raw, err := d.model.RunDetector(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("detector failed: %w", err)
	}

	return d.Filter(raw)
}

// Filter decodes raw output and applies NMS
func (d *Detector) Filter(raw types.RawDetectionTensor) (*Result, error) {
	dets, err := Decode(raw, DecodeConfig{ConfidenceThreshold: d.config.ConfidenceThreshold})
	if err != nil {
		return nil, err
	}

	kept := NonMaxSuppress(dets, d.config.IoUThreshold)
	res := &Result{All: kept}
	if len(kept) > 0 {
		res.Best = &kept[0]
	}
	return res, nil
}

// Decode turns each proposal column into a Detection. Boxes are corner
// format [x1,y1,x2,y2] in normalized coordinates; the class is the arg-max
// of the score channels and the confidence is that score. Proposals below
// the threshold are dropped.
func Decode(t types.RawDetectionTensor, cfg DecodeConfig) ([]types.Detection, error) {
	if t.Channels < 5 || t.Proposals < 0 || len(t.Data) != t.Channels*t.Proposals {
		return nil, fmt.Errorf("%w: channels=%d proposals=%d len=%d",
			ErrShapeMismatch, t.Channels, t.Proposals, len(t.Data))
	}

	k := t.NumClasses()
	out := make([]types.Detection, 0, 8)
	for n := 0; n < t.Proposals; n++ {
		classID, score := 0, t.At(4, n)
		for c := 1; c < k; c++ {
			if s := t.At(4+c, n); s > score {
				classID, score = c, s
			}
		}
		if score < cfg.ConfidenceThreshold {
			continue
		}

		det := types.Detection{
			Box: normalizeBox(
				float64(t.At(0, n)), float64(t.At(1, n)),
				float64(t.At(2, n)), float64(t.At(3, n)),
			),
			Confidence: score,
			ClassIndex: classID,
		}
		if cfg.KeepClassScores {
			det.ClassScores = make(map[int]float32, k)
			for c := 0; c < k; c++ {
				det.ClassScores[c] = t.At(4+c, n)
			}
		} else {
			det.ClassScores = map[int]float32{classID: score}
		}
		out = append(out, det)
	}
	return out, nil
}

// IoU returns the intersection-over-union of two boxes. Zero-area boxes
// have IoU 0 with everything.
func IoU(a, b types.NormalizedRect) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA == 0 || areaB == 0 {
		return 0
	}

	inter := types.NormalizedRect{
		Left:   max(a.Left, b.Left),
		Top:    max(a.Top, b.Top),
		Right:  min(a.Right, b.Right),
		Bottom: min(a.Bottom, b.Bottom),
	}.Area()

	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppress returns the detections sorted by confidence, descending,
// with every detection removed whose IoU with a higher-ranked kept
// detection exceeds iouThreshold. Equal confidences keep input order.
func NonMaxSuppress(dets []types.Detection, iouThreshold float64) []types.Detection {
	boxes := make([]types.Detection, len(dets))
	copy(boxes, dets)
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	kept := make([]types.Detection, 0, len(boxes))
	suppressed := make([]bool, len(boxes))
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] {
				continue
			}
			if IoU(boxes[i].Box, boxes[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox orders the corners and clamps them to [0,1]
func normalizeBox(x1, y1, x2, y2 float64) types.NormalizedRect {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return types.NormalizedRect{
		Left:   clamp(x1, 0, 1),
		Top:    clamp(y1, 0, 1),
		Right:  clamp(x2, 0, 1),
		Bottom: clamp(y2, 0, 1),
	}
}
