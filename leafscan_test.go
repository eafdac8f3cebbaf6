package leafscan

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/internal/logging"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/types"
)

// createTestImage creates a textured green test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := uint8(90 + (x*120)/width)
			if (x/8+y/8)%2 == 0 {
				g = 200
			}
			img.Set(x, y, color.RGBA{uint8((y * 160) / height), g, 60, 255})
		}
	}
	return img
}

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, createTestImage(256, 192)); err != nil {
		t.Fatal(err)
	}
	return path
}

// newInferenceServer answers with one leaf and a confident first class
func newInferenceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/detect", func(w http.ResponseWriter, r *http.Request) {
		// two proposals laid out [1][5][2]: x1, y1, x2, y2, score
		json.NewEncoder(w).Encode(map[string]interface{}{
			"shape": []int64{1, 5, 2},
			"data": []float32{
				0.1, 0.12,
				0.1, 0.1,
				0.5, 0.52,
				0.5, 0.5,
				0.8, 0.7,
			},
		})
	})
	mux.HandleFunc("/v1/classify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"probabilities": []float32{0.9, 0.06, 0.04},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Inference.URL = newInferenceServer(t).URL
	cfg.Validator.Backend = "disabled"
	cfg.Classification.Labels = []string{"Leaf Rust", "Powdery Mildew", "Healthy"}
	cfg.Detection.InputSize = 64
	cfg.Classification.InputSize = 32
	return cfg
}

func TestNewFromConfig(t *testing.T) {
	a, err := NewFromConfig(testConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer a.Close()

	if a.Pipeline() == nil {
		t.Fatal("pipeline is nil")
	}
	check, ok := a.HealthChecks()["inference"]
	if !ok {
		t.Fatal("Expected an inference health check")
	}
	if err := check(context.Background()); err != nil {
		t.Errorf("inference health check failed: %v", err)
	}
}

func TestNewFromConfigInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = "memcached"
	if _, err := NewFromConfig(cfg, logging.Discard()); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestAnalyzeSourceFallback(t *testing.T) {
	a, err := NewFromConfig(testConfig(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	path := writeTestImage(t, t.TempDir(), "leaf.png")
	res := a.AnalyzeSource(context.Background(), path)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	if res.Report.Source != types.SourceFallback {
		t.Errorf("Expected fallback report with disabled validator, got %s", res.Report.Source)
	}
	if res.Classification.Label != "Leaf Rust" {
		t.Errorf("Expected Leaf Rust, got %s", res.Classification.Label)
	}

	again := a.AnalyzeSource(context.Background(), path)
	if !again.FromCache {
		t.Error("Expected second analysis to be served from cache")
	}
}

func TestAnalyzeSourceMissingFile(t *testing.T) {
	a, err := NewFromConfig(testConfig(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	res := a.AnalyzeSource(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	if _, ok := res.Error.(pipeline.InvalidImage); !ok {
		t.Errorf("Expected InvalidImage, got %v", res.Error)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Address = mr.Addr()

	a, err := NewFromConfig(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer a.Close()

	res := a.AnalyzeSource(context.Background(), writeTestImage(t, t.TempDir(), "leaf.png"))
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	n, err := a.Pipeline().Cache().Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cached entry in redis, got %d", n)
	}
	if err := a.HealthChecks()["cache"](context.Background()); err != nil {
		t.Errorf("cache health check failed: %v", err)
	}
}

func TestRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Address = addr
	if _, err := NewFromConfig(cfg, logging.Discard()); err == nil {
		t.Error("Expected error for unreachable redis")
	}
}

func TestProcessFile(t *testing.T) {
	a, err := NewFromConfig(testConfig(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	dir := t.TempDir()
	input := writeTestImage(t, dir, "tomato.png")
	outDir := filepath.Join(dir, "out")

	res, err := a.ProcessFile(context.Background(), input, types.ProcessingOptions{
		OutputDir:    outDir,
		SaveCrop:     true,
		DebugOverlay: true,
		Format:       "png",
		Quality:      90,
	})
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}

	for _, name := range []string{"tomato_diagnosis.json", "tomato_leaf.png", "tomato_debug.png"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Expected %s to be written: %v", name, err)
		}
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %s, want %s", GetVersion(), Version)
	}
}
