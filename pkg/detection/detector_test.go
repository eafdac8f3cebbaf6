package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/menta2k/leafscan/pkg/types"
)

// buildTensor lays out proposals column-wise as [1][C][N]
func buildTensor(t *testing.T, proposals ...[]float32) types.RawDetectionTensor {
	t.Helper()
	channels := len(proposals[0])
	data := make([]float32, channels*len(proposals))
	for n, p := range proposals {
		for c, v := range p {
			data[c*len(proposals)+n] = v
		}
	}
	tensor, err := types.NewRawDetectionTensor(channels, len(proposals), data)
	if err != nil {
		t.Fatalf("NewRawDetectionTensor failed: %v", err)
	}
	return tensor
}

func det(l, t, r, b float64, conf float32) types.Detection {
	return types.Detection{
		Box:        types.NormalizedRect{Left: l, Top: t, Right: r, Bottom: b},
		Confidence: conf,
	}
}

type fakeModel struct {
	out   types.RawDetectionTensor
	err   error
	shape []int64
}

func (f *fakeModel) RunDetector(ctx context.Context, input types.InputTensor) (types.RawDetectionTensor, error) {
	f.shape = input.Shape
	return f.out, f.err
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b types.NormalizedRect
		want float64
	}{
		{
			name: "half overlap",
			a:    types.NormalizedRect{Left: 0, Top: 0, Right: 0.6, Bottom: 0.2},
			b:    types.NormalizedRect{Left: 0.2, Top: 0, Right: 0.8, Bottom: 0.2},
			want: 0.5,
		},
		{
			name: "four tenths overlap",
			a:    types.NormalizedRect{Left: 0, Top: 0, Right: 0.7, Bottom: 0.5},
			b:    types.NormalizedRect{Left: 0.3, Top: 0, Right: 1.0, Bottom: 0.5},
			want: 0.4,
		},
		{
			name: "identical",
			a:    types.NormalizedRect{Left: 0.1, Top: 0.1, Right: 0.5, Bottom: 0.5},
			b:    types.NormalizedRect{Left: 0.1, Top: 0.1, Right: 0.5, Bottom: 0.5},
			want: 1,
		},
		{
			name: "disjoint",
			a:    types.NormalizedRect{Left: 0, Top: 0, Right: 0.2, Bottom: 0.2},
			b:    types.NormalizedRect{Left: 0.5, Top: 0.5, Right: 0.9, Bottom: 0.9},
			want: 0,
		},
		{
			name: "zero area",
			a:    types.NormalizedRect{Left: 0.3, Top: 0.3, Right: 0.3, Bottom: 0.6},
			b:    types.NormalizedRect{Left: 0, Top: 0, Right: 1, Bottom: 1},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNonMaxSuppress(t *testing.T) {
	t.Run("suppresses overlap above threshold", func(t *testing.T) {
		dets := []types.Detection{
			det(0.2, 0, 0.8, 0.2, 0.7),
			det(0, 0, 0.6, 0.2, 0.9),
		}
		kept := NonMaxSuppress(dets, 0.45)
		if len(kept) != 1 {
			t.Fatalf("Expected 1 detection, got %d", len(kept))
		}
		if kept[0].Confidence != 0.9 {
			t.Errorf("Expected higher-confidence detection to survive, got %f", kept[0].Confidence)
		}
	})

	t.Run("keeps overlap below threshold", func(t *testing.T) {
		dets := []types.Detection{
			det(0, 0, 0.7, 0.5, 0.8),
			det(0.3, 0, 1.0, 0.5, 0.9),
		}
		kept := NonMaxSuppress(dets, 0.45)
		if len(kept) != 2 {
			t.Fatalf("Expected 2 detections, got %d", len(kept))
		}
		if kept[0].Confidence != 0.9 || kept[1].Confidence != 0.8 {
			t.Errorf("Expected descending confidence order, got %f, %f", kept[0].Confidence, kept[1].Confidence)
		}
	})

	t.Run("ties keep first seen", func(t *testing.T) {
		first := det(0.1, 0.1, 0.5, 0.5, 0.8)
		second := det(0.12, 0.1, 0.52, 0.5, 0.8)
		kept := NonMaxSuppress([]types.Detection{first, second}, 0.45)
		if len(kept) != 1 {
			t.Fatalf("Expected 1 detection, got %d", len(kept))
		}
		if kept[0].Box != first.Box {
			t.Errorf("Expected first detection to win the tie, got %+v", kept[0].Box)
		}
	})

	t.Run("does not modify input", func(t *testing.T) {
		dets := []types.Detection{det(0, 0, 0.2, 0.2, 0.6), det(0.5, 0.5, 0.9, 0.9, 0.9)}
		NonMaxSuppress(dets, 0.45)
		if dets[0].Confidence != 0.6 {
			t.Error("Expected input slice order to be preserved")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if kept := NonMaxSuppress(nil, 0.45); len(kept) != 0 {
			t.Errorf("Expected no detections, got %d", len(kept))
		}
	})
}

func TestDecode(t *testing.T) {
	tensor := buildTensor(t,
		[]float32{0.1, 0.1, 0.5, 0.5, 0.8, 0.1},  // class 0
		[]float32{0.2, 0.2, 0.4, 0.4, 0.3, 0.5},  // below threshold
		[]float32{0.9, 0.8, 0.6, 0.3, 0.2, 0.75}, // class 1, swapped corners
		[]float32{-0.1, 0.0, 1.2, 0.4, 0.6, 0.6}, // tie between classes, out of range
	)

	dets, err := Decode(tensor, DecodeConfig{ConfidenceThreshold: 0.6, KeepClassScores: true})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dets) != 3 {
		t.Fatalf("Expected 3 detections, got %d", len(dets))
	}

	if dets[0].ClassIndex != 0 || dets[0].Confidence != 0.8 {
		t.Errorf("Unexpected first detection: class=%d conf=%f", dets[0].ClassIndex, dets[0].Confidence)
	}
	if len(dets[0].ClassScores) != 2 {
		t.Errorf("Expected 2 class scores, got %d", len(dets[0].ClassScores))
	}

	second := dets[1]
	if second.ClassIndex != 1 || second.Confidence != 0.75 {
		t.Errorf("Unexpected second detection: class=%d conf=%f", second.ClassIndex, second.Confidence)
	}
	if second.Box.Left > second.Box.Right || second.Box.Top > second.Box.Bottom {
		t.Errorf("Expected ordered corners, got %+v", second.Box)
	}

	third := dets[2]
	if third.ClassIndex != 0 {
		t.Errorf("Expected lowest class index to win tie, got %d", third.ClassIndex)
	}
	if third.Box.Left != 0 || third.Box.Right != 1 {
		t.Errorf("Expected box clamped to [0,1], got %+v", third.Box)
	}
}

func TestDecodeShapeMismatch(t *testing.T) {
	bad := types.RawDetectionTensor{Channels: 6, Proposals: 2, Data: make([]float32, 11)}
	if _, err := Decode(bad, DecodeConfig{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	tooFew := types.RawDetectionTensor{Channels: 4, Proposals: 1, Data: make([]float32, 4)}
	if _, err := Decode(tooFew, DecodeConfig{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 4 channels, got %v", err)
	}
}

func TestDetectorDetect(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.Set(0, 0, color.RGBA{0, 200, 0, 255})

	model := &fakeModel{out: buildTensor(t,
		[]float32{0.1, 0.1, 0.5, 0.5, 0.8},
		[]float32{0.12, 0.1, 0.52, 0.5, 0.7},
		[]float32{0.6, 0.6, 0.9, 0.9, 0.65},
	)}

	d := NewDetector(model)
	res, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if len(model.shape) != 4 || model.shape[2] != DefaultInputSize || model.shape[3] != DefaultInputSize {
		t.Errorf("Expected [1,3,%d,%d] input, got %v", DefaultInputSize, DefaultInputSize, model.shape)
	}
	if len(res.All) != 2 {
		t.Fatalf("Expected 2 detections after NMS, got %d", len(res.All))
	}
	if res.Best == nil || res.Best.Confidence != 0.8 {
		t.Errorf("Expected best detection with confidence 0.8, got %+v", res.Best)
	}
}

func TestDetectorNoDetections(t *testing.T) {
	model := &fakeModel{out: buildTensor(t, []float32{0.1, 0.1, 0.5, 0.5, 0.2})}
	res, err := NewDetector(model).Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Best != nil || len(res.All) != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestDetectorModelError(t *testing.T) {
	model := &fakeModel{err: errors.New("boom")}
	if _, err := NewDetector(model).Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32))); err == nil {
		t.Error("Expected error from failing model")
	}
}

func BenchmarkNonMaxSuppress(b *testing.B) {
	dets := make([]types.Detection, 0, 200)
	for i := 0; i < 200; i++ {
		off := float64(i%20) * 0.04
		dets = append(dets, det(off, off, off+0.2, off+0.2, float32(i%100)/100))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NonMaxSuppress(dets, 0.45)
	}
}
