// Package onnx runs the detector and classifier on-device with ONNX Runtime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/leafscan/pkg/inference"
	"github.com/menta2k/leafscan/pkg/types"
)

// Config describes the model files and their fixed tensor shapes
type Config struct {
	LibraryPath string

	DetectorPath      string
	DetectorInput     int
	DetectorChannels  int
	DetectorProposals int

	ClassifierPath  string
	ClassifierInput int
	NumClasses      int

	InputName  string
	OutputName string
	Threads    int
}

// DefaultConfig returns YOLO-style names and shapes: a 640 input, one leaf
// class and 8400 proposals; a 224 classifier input
func DefaultConfig() Config {
	return Config{
		LibraryPath:       SharedLibPath(),
		DetectorInput:     640,
		DetectorChannels:  5,
		DetectorProposals: 8400,
		ClassifierInput:   224,
		InputName:         "images",
		OutputName:        "output0",
		Threads:           1,
	}
}

// SharedLibPath returns the default onnxruntime library location for this OS
func SharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// Validate checks that the shapes are usable
func (c Config) Validate() error {
	if c.DetectorPath == "" && c.ClassifierPath == "" {
		return errors.New("no model path configured")
	}
	if c.DetectorPath != "" {
		if c.DetectorInput <= 0 || c.DetectorProposals <= 0 {
			return fmt.Errorf("invalid detector shape: input %d, proposals %d", c.DetectorInput, c.DetectorProposals)
		}
		if c.DetectorChannels < 5 {
			return fmt.Errorf("detector needs at least 5 output channels, got %d", c.DetectorChannels)
		}
	}
	if c.ClassifierPath != "" && (c.ClassifierInput <= 0 || c.NumClasses <= 0) {
		return fmt.Errorf("invalid classifier shape: input %d, classes %d", c.ClassifierInput, c.NumClasses)
	}
	return nil
}

type session struct {
	mu     sync.Mutex
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func newSession(path, inName, outName string, inShape, outShape ort.Shape, threads int) (*session, error) {
	input, err := ort.NewTensor(inShape, make([]float32, inShape.FlattenedSize()))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()
	if threads > 0 {
		options.SetIntraOpNumThreads(threads)
		options.SetInterOpNumThreads(threads)
	}

	sess, err := ort.NewAdvancedSession(path,
		[]string{inName}, []string{outName},
		[]ort.Value{input}, []ort.Value{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &session{sess: sess, input: input, output: output}, nil
}

// run copies data into the bound input, runs the graph and returns a copy
// of the output. Sessions own fixed buffers so calls are serialized.
func (s *session) run(data []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.input.GetData()
	if len(data) != len(in) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(data), len(in))
	}
	copy(in, data)
	if err := s.sess.Run(); err != nil {
		return nil, err
	}
	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

func (s *session) destroy() {
	s.sess.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}

// Runtime holds one detector and one classifier session
type Runtime struct {
	config     Config
	detector   *session
	classifier *session
}

var (
	_ inference.DetectorModel   = (*Runtime)(nil)
	_ inference.ClassifierModel = (*Runtime)(nil)
)

// NewRuntime initializes ONNX Runtime and loads the configured models
func NewRuntime(config Config) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		if config.LibraryPath != "" {
			ort.SetSharedLibraryPath(config.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	}

	r := &Runtime{config: config}
	var err error
	if config.DetectorPath != "" {
		size := int64(config.DetectorInput)
		r.detector, err = newSession(config.DetectorPath, config.InputName, config.OutputName,
			ort.NewShape(1, 3, size, size),
			ort.NewShape(1, int64(config.DetectorChannels), int64(config.DetectorProposals)),
			config.Threads)
		if err != nil {
			return nil, err
		}
	}
	if config.ClassifierPath != "" {
		size := int64(config.ClassifierInput)
		r.classifier, err = newSession(config.ClassifierPath, config.InputName, config.OutputName,
			ort.NewShape(1, 3, size, size),
			ort.NewShape(1, int64(config.NumClasses)),
			config.Threads)
		if err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// RunDetector implements inference.DetectorModel
func (r *Runtime) RunDetector(ctx context.Context, input types.InputTensor) (types.RawDetectionTensor, error) {
	if r.detector == nil {
		return types.RawDetectionTensor{}, errors.New("no detector model loaded")
	}
	if err := ctx.Err(); err != nil {
		return types.RawDetectionTensor{}, err
	}
	out, err := r.detector.run(input.Data)
	if err != nil {
		return types.RawDetectionTensor{}, fmt.Errorf("detector run: %w", err)
	}
	return types.NewRawDetectionTensor(r.config.DetectorChannels, r.config.DetectorProposals, out)
}

// RunClassifier implements inference.ClassifierModel
func (r *Runtime) RunClassifier(ctx context.Context, input types.InputTensor) ([]float32, error) {
	if r.classifier == nil {
		return nil, errors.New("no classifier model loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := r.classifier.run(input.Data)
	if err != nil {
		return nil, fmt.Errorf("classifier run: %w", err)
	}
	return out, nil
}

// Warmup runs every loaded model once on a zero input
func (r *Runtime) Warmup() error {
	for _, s := range []*session{r.detector, r.classifier} {
		if s == nil {
			continue
		}
		if _, err := s.run(make([]float32, len(s.input.GetData()))); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the sessions. The shared environment stays initialized.
func (r *Runtime) Close() {
	if r.detector != nil {
		r.detector.destroy()
		r.detector = nil
	}
	if r.classifier != nil {
		r.classifier.destroy()
		r.classifier = nil
	}
}
