package cropper

import (
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/leafscan/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				// Central leaf region
				img.Set(x, y, color.RGBA{40, 180, 60, 255})
			} else {
				// Background
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func detection(l, t, r, b float64) types.Detection {
	return types.Detection{
		Box:        types.NormalizedRect{Left: l, Top: t, Right: r, Bottom: b},
		Confidence: 0.9,
	}
}

func TestNew(t *testing.T) {
	cropper := New()
	if cropper == nil {
		t.Fatal("New() returned nil")
	}

	if cropper.config.PaddingRatio != DefaultPaddingRatio {
		t.Errorf("Expected default padding %f, got %f", DefaultPaddingRatio, cropper.config.PaddingRatio)
	}
}

func TestNewWithConfig(t *testing.T) {
	cropper := NewWithConfig(CropConfig{PaddingRatio: -1})
	if cropper.config.PaddingRatio != 0 {
		t.Errorf("Expected negative padding to be clamped to 0, got %f", cropper.config.PaddingRatio)
	}
}

func TestCropPadsDetection(t *testing.T) {
	img := createTestImage(400, 320)
	crop, err := New().Crop(img, detection(0.25, 0.25, 0.75, 0.75))
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	wantSource := image.Rect(100, 80, 300, 240)
	if crop.SourceRect != wantSource {
		t.Errorf("Expected source %v, got %v", wantSource, crop.SourceRect)
	}

	// 10% of 200 = 20px horizontally, 10% of 160 = 16px vertically
	wantPadded := image.Rect(80, 64, 320, 256)
	if crop.PaddedRect != wantPadded {
		t.Errorf("Expected padded %v, got %v", wantPadded, crop.PaddedRect)
	}

	if crop.Recovery != "" {
		t.Errorf("Expected no recovery, got %q", crop.Recovery)
	}

	if crop.Image.Bounds().Dx() != wantPadded.Dx() || crop.Image.Bounds().Dy() != wantPadded.Dy() {
		t.Errorf("Expected crop size %dx%d, got %v", wantPadded.Dx(), wantPadded.Dy(), crop.Image.Bounds())
	}
}

func TestCropClampsAtEdges(t *testing.T) {
	img := createTestImage(400, 300)

	tests := []struct {
		name string
		det  types.Detection
	}{
		{"left edge", detection(0, 0.2, 0.5, 0.8)},
		{"top left corner", detection(0, 0, 0.3, 0.3)},
		{"bottom right corner", detection(0.7, 0.7, 1, 1)},
		{"full frame", detection(0, 0, 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, err := New().Crop(img, tt.det)
			if err != nil {
				t.Fatalf("Crop failed: %v", err)
			}

			r := crop.PaddedRect
			if r.Min.X < 0 || r.Min.Y < 0 {
				t.Errorf("Expected non-negative coordinates, got %v", r)
			}
			if r.Max.X > 400 || r.Max.Y > 300 {
				t.Errorf("Expected rect inside image, got %v", r)
			}
			if r.Dx() <= 0 || r.Dy() <= 0 {
				t.Errorf("Expected positive crop size, got %v", r)
			}
			if crop.Image.Bounds().Dx() != r.Dx() {
				t.Errorf("Expected crop width %d, got %d", r.Dx(), crop.Image.Bounds().Dx())
			}
		})
	}
}

func TestCropDegenerateFallsBackToFullImage(t *testing.T) {
	img := createTestImage(200, 100)

	// Zero-width box on the right border collapses after clamping
	crop, err := New().Crop(img, detection(1, 0.2, 1, 0.6))
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	if crop.Recovery != RecoveryFullImage {
		t.Errorf("Expected recovery %q, got %q", RecoveryFullImage, crop.Recovery)
	}
	if crop.PaddedRect != img.Bounds() {
		t.Errorf("Expected full image rect, got %v", crop.PaddedRect)
	}
	if crop.Image.Bounds().Dx() != 200 || crop.Image.Bounds().Dy() != 100 {
		t.Errorf("Expected 200x100 crop, got %v", crop.Image.Bounds())
	}
}

func TestCropOwnsPixels(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	crop, err := NewWithConfig(CropConfig{}).Crop(src, detection(0, 0, 1, 1))
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	src.Pix[0] = 255
	if crop.Image.Pix[0] != 0 {
		t.Error("Expected crop to hold its own copy of the pixels")
	}
}

func TestCropNonZeroOrigin(t *testing.T) {
	full := createTestImage(400, 300).(*image.RGBA)
	sub := full.SubImage(image.Rect(100, 100, 300, 200))

	crop, err := NewWithConfig(CropConfig{}).Crop(sub, detection(0, 0, 0.5, 1))
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	want := image.Rect(100, 100, 200, 200)
	if crop.PaddedRect != want {
		t.Errorf("Expected %v, got %v", want, crop.PaddedRect)
	}
	if crop.Image.Bounds().Dx() != 100 || crop.Image.Bounds().Dy() != 100 {
		t.Errorf("Expected 100x100 crop, got %v", crop.Image.Bounds())
	}
}

func TestCropInvalidImage(t *testing.T) {
	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	if _, err := New().Crop(empty, detection(0, 0, 1, 1)); err == nil {
		t.Error("Expected error for empty image")
	}
}

func TestPaddedRect(t *testing.T) {
	box := types.NormalizedRect{Left: 0.25, Top: 0.25, Right: 0.75, Bottom: 0.75}
	r := PaddedRect(box, 100, 100, 0.1)
	want := image.Rect(20, 20, 80, 80)
	if r != want {
		t.Errorf("Expected %v, got %v", want, r)
	}
}

func BenchmarkCrop(b *testing.B) {
	img := createTestImage(1024, 768)
	c := New()
	det := detection(0.2, 0.2, 0.7, 0.8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Crop(img, det)
	}
}
