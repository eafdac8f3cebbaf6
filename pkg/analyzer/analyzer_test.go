package analyzer

import (
	"image"
	"image/color"
	"testing"
)

// createTestImage creates a textured leaf-like test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			if (x/8+y/8)%2 == 0 {
				g = uint8(200)
			}
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

func createUniformImage(width, height int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func hasIssue(a Assessment, issue string) bool {
	for _, i := range a.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

func TestNew(t *testing.T) {
	analyzer := New()
	if analyzer == nil {
		t.Fatal("New() returned nil")
	}

	if analyzer.config.MinImageSize != 100 {
		t.Errorf("Expected min size 100, got %d", analyzer.config.MinImageSize)
	}
}

func TestNewWithConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinImageSize = 200

	analyzer := NewWithConfig(cfg)
	if analyzer.config.MinImageSize != 200 {
		t.Errorf("Expected min size 200, got %d", analyzer.config.MinImageSize)
	}
}

func TestGetImageInfo(t *testing.T) {
	analyzer := New()
	img := createTestImage(400, 300)

	info := analyzer.GetImageInfo(img)

	if info.Width != 400 {
		t.Errorf("Expected width 400, got %d", info.Width)
	}
	if info.Height != 300 {
		t.Errorf("Expected height 300, got %d", info.Height)
	}
	if info.Area != 120000 {
		t.Errorf("Expected area 120000, got %d", info.Area)
	}

	expectedRatio := 400.0 / 300.0
	if info.AspectRatio != expectedRatio {
		t.Errorf("Expected aspect ratio %f, got %f", expectedRatio, info.AspectRatio)
	}
}

func TestValidateImage(t *testing.T) {
	analyzer := New()

	tests := []struct {
		name    string
		width   int
		height  int
		wantErr bool
	}{
		{"valid size", 200, 200, false},
		{"minimum size", 100, 100, false},
		{"too small width", 50, 200, true},
		{"too small height", 200, 50, true},
		{"too small both", 50, 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createTestImage(tt.width, tt.height)
			err := analyzer.ValidateImage(img)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateImage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAssess(t *testing.T) {
	analyzer := New()

	tests := []struct {
		name  string
		img   image.Image
		issue string
	}{
		{"textured", createTestImage(320, 240), ""},
		{"too small", createTestImage(64, 64), IssueTooSmall},
		{"too dark", createUniformImage(200, 200, color.RGBA{5, 5, 5, 255}), IssueTooDark},
		{"too bright", createUniformImage(200, 200, color.RGBA{250, 250, 250, 255}), IssueTooBright},
		{"blurry", createUniformImage(200, 200, color.RGBA{60, 140, 60, 255}), IssueBlurry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := analyzer.Assess(tt.img)
			if tt.issue == "" {
				if !a.OK() {
					t.Errorf("Expected no issues, got %v (brightness %.3f, sharpness %.4f)",
						a.Issues, a.Brightness, a.Sharpness)
				}
				return
			}
			if !hasIssue(a, tt.issue) {
				t.Errorf("Expected issue %q, got %v", tt.issue, a.Issues)
			}
		})
	}
}

func TestAssessEmptyImage(t *testing.T) {
	a := New().Assess(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	if !hasIssue(a, IssueTooSmall) {
		t.Errorf("Expected too_small for empty image, got %v", a.Issues)
	}
	if a.Sharpness != 0 || a.Brightness != 0 {
		t.Errorf("Expected zero metrics, got brightness %f sharpness %f", a.Brightness, a.Sharpness)
	}
}

func TestAssessSharpnessOrdering(t *testing.T) {
	analyzer := New()
	sharp := analyzer.Assess(createTestImage(256, 256))
	flat := analyzer.Assess(createUniformImage(256, 256, color.RGBA{90, 160, 90, 255}))
	if sharp.Sharpness <= flat.Sharpness {
		t.Errorf("Expected textured image to be sharper: %f <= %f", sharp.Sharpness, flat.Sharpness)
	}
}

func BenchmarkAssess(b *testing.B) {
	analyzer := New()
	img := createTestImage(1024, 768)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		analyzer.Assess(img)
	}
}
