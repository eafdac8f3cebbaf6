package analyzer

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Quality issues reported by Assess
const (
	IssueTooSmall  = "too_small"
	IssueTooDark   = "too_dark"
	IssueTooBright = "too_bright"
	IssueBlurry    = "blurry"
)

// assessDim bounds the work done per image; metrics are computed on a
// copy no larger than this on its long side
const assessDim = 256

// ImageAnalyzer checks whether a photo is usable for diagnosis
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	MinImageSize  int
	MinBrightness float64
	MaxBrightness float64
	MinSharpness  float64
}

// DefaultConfig returns the default quality thresholds
func DefaultConfig() Config {
	return Config{
		MinImageSize:  100,
		MinBrightness: 0.12,
		MaxBrightness: 0.92,
		MinSharpness:  0.008,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{config: DefaultConfig()}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// Assessment is the outcome of a quality check. Issues is empty for a
// usable image.
type Assessment struct {
	Info       ImageInfo `json:"info"`
	Sharpness  float64   `json:"sharpness"`
	Brightness float64   `json:"brightness"`
	Issues     []string  `json:"issues,omitempty"`
}

// OK reports whether no issues were found
func (a Assessment) OK() bool { return len(a.Issues) == 0 }

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}

// Assess measures brightness and sharpness and lists every threshold the
// image fails
func (a *ImageAnalyzer) Assess(img image.Image) Assessment {
	res := Assessment{Info: a.GetImageInfo(img)}
	if a.ValidateImage(img) != nil {
		res.Issues = append(res.Issues, IssueTooSmall)
	}
	if res.Info.Area == 0 {
		return res
	}

	small := imaging.Fit(img, assessDim, assessDim, imaging.Box)
	res.Brightness = meanLuminance(small)
	res.Sharpness = edgeStrength(small)

	if res.Brightness < a.config.MinBrightness {
		res.Issues = append(res.Issues, IssueTooDark)
	}
	if res.Brightness > a.config.MaxBrightness {
		res.Issues = append(res.Issues, IssueTooBright)
	}
	if res.Sharpness < a.config.MinSharpness {
		res.Issues = append(res.Issues, IssueBlurry)
	}
	return res
}

// meanLuminance returns the average Rec. 601 luma in [0,1]
func meanLuminance(img *image.NRGBA) float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var sum float64
	for y := 0; y < h; y++ {
		i := y * img.Stride
		for x := 0; x < w; x++ {
			sum += 0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])
			i += 4
		}
	}
	return sum / (255.0 * float64(w*h))
}

// edgeStrength is the mean colour distance between each interior pixel and
// its 8 neighbours, normalized to [0,1]
func edgeStrength(img *image.NRGBA) float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}

	neighbors := [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	maxDiff := math.Sqrt(3 * 255 * 255)

	var total float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*img.Stride + x*4
			r1, g1, b1 := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])

			var edge float64
			for _, off := range neighbors {
				j := (y+off[1])*img.Stride + (x+off[0])*4
				dr := r1 - float64(img.Pix[j])
				dg := g1 - float64(img.Pix[j+1])
				db := b1 - float64(img.Pix[j+2])
				edge += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			total += edge / (8 * maxDiff)
		}
	}
	return total / float64((w-2)*(h-2))
}
