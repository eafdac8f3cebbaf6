// Package leafscan diagnoses plant-leaf diseases from photos.
//
// A photo passes a quality gate, a leaf detector picks the most confident
// leaf, a classifier labels the padded crop and a vision model confirms the
// label. Results are cached by perceptual hash so near-identical photos get
// the same report without another validator call.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.ApplyEnv()
//
//	scanner, err := leafscan.NewFromConfig(cfg, logrus.New())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer scanner.Close()
//
//	res := scanner.AnalyzeSource(ctx, "leaf.jpg")
//	if res.Error != nil {
//		fmt.Println(pipeline.Describe(res.Error))
//		return
//	}
//	fmt.Println(res.Report.FullReport)
//
// The package wires these components:
//
//  1. Analyzer (pkg/analyzer): photo quality gate
//  2. Detection (pkg/detection): detector decode, filtering and NMS
//  3. Cropper (pkg/cropper): padded leaf crop with recovery
//  4. Inference (pkg/inference): classifier plus remote and onnx backends
//  5. Validation (pkg/validation): vision model confirmation and report templates
//  6. Cache (pkg/cache): pHash keyed result cache in memory or Redis
//  7. Pipeline (pkg/pipeline): the analysis state machine
package leafscan

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/internal/server"
	"github.com/menta2k/leafscan/internal/utils"
	"github.com/menta2k/leafscan/pkg/analyzer"
	"github.com/menta2k/leafscan/pkg/cache"
	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/detection"
	"github.com/menta2k/leafscan/pkg/inference"
	"github.com/menta2k/leafscan/pkg/inference/onnx"
	"github.com/menta2k/leafscan/pkg/inference/remote"
	"github.com/menta2k/leafscan/pkg/llamacpp"
	"github.com/menta2k/leafscan/pkg/ollama"
	"github.com/menta2k/leafscan/pkg/phash"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
	"github.com/menta2k/leafscan/pkg/validation"
)

// Version of the leafscan library
const Version = "0.4.0"

// model is what an inference backend provides
type model interface {
	inference.DetectorModel
	inference.ClassifierModel
}

// Analyzer is a fully wired diagnosis pipeline
type Analyzer struct {
	cfg       *config.Config
	pipeline  *pipeline.Pipeline
	validator *validation.Service
	proc      *processing.Processor
	checks    map[string]server.HealthCheck
	closers   []func()
	log       logrus.FieldLogger
}

// NewFromConfig builds every backend named in cfg. Close releases them.
func NewFromConfig(cfg *config.Config, log logrus.FieldLogger) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}

	a := &Analyzer{
		cfg:    cfg,
		proc:   processing.NewProcessor(),
		checks: make(map[string]server.HealthCheck),
		log:    log,
	}

	labels := cfg.Classification.Labels
	if len(labels) == 0 && cfg.Classification.LabelsFile != "" {
		loaded, err := inference.LoadLabels(cfg.Classification.LabelsFile)
		if err != nil {
			return nil, err
		}
		labels = loaded
	}

	m, err := a.newModel(len(labels))
	if err != nil {
		a.Close()
		return nil, err
	}

	det := detection.NewDetectorWithConfig(m, detection.Config{
		ConfidenceThreshold: float32(cfg.Detection.ConfidenceThreshold),
		IoUThreshold:        cfg.Detection.IoUThreshold,
		InputSize:           cfg.Detection.InputSize,
	})
	cls := inference.NewClassifier(m, labels, cfg.Classification.InputSize, float32(cfg.Classification.Threshold))

	vc, err := newVisionClient(cfg.Validator)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.validator = validation.NewService(vc, validation.Config{
		Model:       cfg.Validator.Model,
		Timeout:     cfg.Validator.Timeout.Std(),
		MaxAttempts: cfg.Validator.MaxAttempts,
		Backoff:     cfg.Validator.Backoff.Std(),
		MaxBackoff:  cfg.Validator.MaxBackoff.Std(),
		Generation: types.GenerationConfig{
			Temperature: cfg.Validator.Temperature,
			TopP:        cfg.Validator.TopP,
			TopK:        cfg.Validator.TopK,
			Seed:        cfg.Validator.Seed,
			MaxTokens:   cfg.Validator.MaxTokens,
		},
		ImageMaxDim:  cfg.Validator.ImageMaxDim,
		ImageQuality: cfg.Validator.ImageQuality,
	}, log.WithField("component", "validator"))

	rc, err := a.newCache()
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := pipeline.DefaultOptions()
	opts.Padding = cfg.Detection.PaddingRatio
	opts.StrictQuality = cfg.Quality.Strict
	opts.SkipQualityGate = !cfg.Quality.Enabled
	opts.RejectLowConfidence = cfg.Classification.RejectLowConfidence
	opts.StoreFallback = cfg.Cache.StoreFallback
	opts.ClassifierVersion = cfg.Classification.ModelVersion
	if cfg.Server.Workers > 0 {
		opts.Workers = cfg.Server.Workers
	}
	opts.Quality = analyzer.NewWithConfig(analyzer.Config{
		MinImageSize:  cfg.Quality.MinImageSize,
		MinBrightness: cfg.Quality.MinBrightness,
		MaxBrightness: cfg.Quality.MaxBrightness,
		MinSharpness:  cfg.Quality.MinSharpness,
	})
	opts.Metrics = pipeline.NewMetrics()
	opts.Logger = log.WithField("component", "pipeline")

	a.pipeline = pipeline.New(det, cls, a.validator, rc, opts)
	return a, nil
}

func (a *Analyzer) newModel(numClasses int) (model, error) {
	ic := a.cfg.Inference
	switch ic.Backend {
	case "onnx":
		oc := onnx.DefaultConfig()
		if ic.LibraryPath != "" {
			oc.LibraryPath = ic.LibraryPath
		}
		oc.DetectorPath = ic.DetectorModel
		oc.DetectorInput = a.cfg.Detection.InputSize
		oc.DetectorChannels = ic.DetectorChannels
		oc.DetectorProposals = ic.DetectorProposals
		oc.ClassifierPath = ic.ClassifierModel
		oc.ClassifierInput = a.cfg.Classification.InputSize
		oc.NumClasses = numClasses
		if ic.Threads > 0 {
			oc.Threads = ic.Threads
		}
		rt, err := onnx.NewRuntime(oc)
		if err != nil {
			return nil, fmt.Errorf("failed to start onnx runtime: %w", err)
		}
		a.closers = append(a.closers, rt.Close)
		if err := rt.Warmup(); err != nil {
			a.log.WithError(err).Warn("onnx warmup failed")
		}
		return rt, nil
	default:
		rm, err := remote.NewModel(ic.URL, ic.Timeout.Std())
		if err != nil {
			return nil, err
		}
		a.checks["inference"] = rm.CheckHealth
		return rm, nil
	}
}

func newVisionClient(vc config.ValidatorConfig) (client.VisionClient, error) {
	switch vc.Backend {
	case "ollama":
		c, err := ollama.NewClient(vc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(vc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		return client.Disabled{}, nil
	}
}

func (a *Analyzer) newCache() (*cache.ResultCache, error) {
	cc := a.cfg.Cache
	var store cache.Store = cache.NewMemoryStore()
	if cc.Backend == "redis" {
		pool := cache.NewRedisPool(cc.Redis.Address, cc.Redis.Password, cc.Redis.DB, cc.Redis.MaxIdle)
		a.closers = append(a.closers, func() { pool.Close() })
		rs := cache.NewRedisStore(pool, cc.Redis.Prefix)
		if err := rs.Ping(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cc.Redis.Address, err)
		}
		a.checks["cache"] = rs.Ping
		store = rs
	}

	return cache.New(store, phash.NewWithSize(a.cfg.Hash.Size), cache.Options{
		TTL:                 cc.TTL.Std(),
		MaxEntries:          cc.MaxEntries,
		SimilarityThreshold: a.cfg.Hash.SimilarityThreshold,
		Logger:              a.log.WithField("component", "cache"),
	}), nil
}

// Pipeline returns the underlying pipeline
func (a *Analyzer) Pipeline() *pipeline.Pipeline { return a.pipeline }

// HealthChecks returns probes for the remote dependencies in use
func (a *Analyzer) HealthChecks() map[string]server.HealthCheck { return a.checks }

// Analyze diagnoses img
func (a *Analyzer) Analyze(ctx context.Context, img image.Image) *pipeline.AnalysisResult {
	return a.pipeline.Analyze(ctx, img)
}

// AnalyzeSource loads a file path or http(s) URL and diagnoses it
func (a *Analyzer) AnalyzeSource(ctx context.Context, source string) *pipeline.AnalysisResult {
	img, err := a.proc.LoadImageSmart(source)
	if err != nil {
		return a.pipeline.Reject(pipeline.InvalidImage{Err: err})
	}
	return a.pipeline.Analyze(ctx, img)
}

// ProbeValidator sends a trivial query to the vision model
func (a *Analyzer) ProbeValidator(ctx context.Context, img image.Image) (string, error) {
	return a.validator.Probe(ctx, img)
}

// StartSweeper evicts expired cache entries every configured interval
func (a *Analyzer) StartSweeper(ctx context.Context) <-chan struct{} {
	return a.pipeline.Cache().StartSweeper(ctx, a.cfg.Cache.SweepInterval.Std())
}

// ProcessFile analyzes source and writes the result JSON under outputDir,
// plus the leaf crop and debug overlay when requested
func (a *Analyzer) ProcessFile(ctx context.Context, source string, opts types.ProcessingOptions) (*pipeline.AnalysisResult, error) {
	img, err := a.proc.LoadImageSmart(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	res := a.pipeline.Analyze(ctx, img)
	if opts.Quality <= 0 {
		opts.Quality = 90
	}

	if err := utils.EnsureDir(opts.OutputDir); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}
	paths := utils.OutputPathsFor(source, opts.OutputDir, opts.Format)

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return res, fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(paths.Result, data, 0644); err != nil {
		return res, fmt.Errorf("failed to write result: %w", err)
	}

	if opts.SaveCrop && res.Crop != nil && res.Crop.Image != nil {
		if err := a.proc.SaveImage(res.Crop.Image, paths.Crop, opts.Format, opts.Quality, false); err != nil {
			return res, fmt.Errorf("failed to save crop: %w", err)
		}
	}
	if opts.DebugOverlay {
		overlay := a.proc.CreateDebugOverlay(img, res.Detections, res.Crop)
		if err := a.proc.SaveImage(overlay, paths.Overlay, opts.Format, opts.Quality, false); err != nil {
			return res, fmt.Errorf("failed to save debug overlay: %w", err)
		}
	}

	return res, nil
}

// Close releases model sessions and connections
func (a *Analyzer) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
