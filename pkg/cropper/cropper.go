package cropper

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/leafscan/pkg/types"
)

// Recovery values recorded on a Crop when padding could not be applied
const (
	RecoveryUnpadded  = "unpadded"
	RecoveryFullImage = "full_image"
)

// DefaultPaddingRatio expands each axis of a detection by 10%
const DefaultPaddingRatio = 0.1

// Cropper cuts padded detection regions out of full-resolution images
type Cropper struct {
	config CropConfig
}

// CropConfig holds configuration for detection cropping
type CropConfig struct {
	// PaddingRatio is the fraction of the box width/height added on each side
	PaddingRatio float64
}

// New creates a new Cropper with default configuration
func New() *Cropper {
	return &Cropper{
		config: CropConfig{
			PaddingRatio: DefaultPaddingRatio,
		},
	}
}

// NewWithConfig creates a new Cropper with custom configuration
func NewWithConfig(config CropConfig) *Cropper {
	if config.PaddingRatio < 0 {
		config.PaddingRatio = 0
	}
	return &Cropper{config: config}
}

// Crop cuts the padded detection region out of img
func (c *Cropper) Crop(img image.Image, det types.Detection) (*types.Crop, error) {
	return c.CropWithPadding(img, det, c.config.PaddingRatio)
}

// CropWithPadding cuts the detection region expanded by paddingRatio per
// axis. The region is clamped to the image; if that leaves nothing, the
// unpadded region is used, then the whole image.
func (c *Cropper) CropWithPadding(img image.Image, det types.Detection, paddingRatio float64) (*types.Crop, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid image dimensions")
	}

	source := det.Box.ToPixels(width, height)
	padded := PaddedRect(det.Box, width, height, paddingRatio)

	crop := &types.Crop{
		SourceRect: source.Add(bounds.Min),
		PaddedRect: padded.Add(bounds.Min),
	}

	if padded.Dx() <= 0 || padded.Dy() <= 0 {
		unpadded := clampRect(source, width, height)
		if unpadded.Dx() > 0 && unpadded.Dy() > 0 {
			crop.PaddedRect = unpadded.Add(bounds.Min)
			crop.Recovery = RecoveryUnpadded
		} else {
			crop.PaddedRect = bounds
			crop.Recovery = RecoveryFullImage
		}
	}

	crop.Image = imaging.Crop(img, crop.PaddedRect)
	return crop, nil
}

// PaddedRect converts box to pixel space for a width x height image,
// expands it symmetrically by paddingRatio of its own size per axis and
// clamps it to [0,width) x [0,height). The result may be empty.
func PaddedRect(box types.NormalizedRect, width, height int, paddingRatio float64) image.Rectangle {
	w, h := float64(width), float64(height)
	left, right := box.Left*w, box.Right*w
	top, bottom := box.Top*h, box.Bottom*h

	padX := (right - left) * paddingRatio
	padY := (bottom - top) * paddingRatio

	r := image.Rect(0, 0, 0, 0)
	r.Min.X = int(math.Floor(left - padX))
	r.Min.Y = int(math.Floor(top - padY))
	r.Max.X = int(math.Ceil(right + padX))
	r.Max.Y = int(math.Ceil(bottom + padY))
	return clampRect(r, width, height)
}

// clampRect clamps every edge to the image without reordering them, so an
// inverted or collapsed input stays empty
func clampRect(r image.Rectangle, width, height int) image.Rectangle {
	return image.Rectangle{
		Min: image.Point{X: clampInt(r.Min.X, 0, width), Y: clampInt(r.Min.Y, 0, height)},
		Max: image.Point{X: clampInt(r.Max.X, 0, width), Y: clampInt(r.Max.Y, 0, height)},
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
