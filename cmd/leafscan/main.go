package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/leafscan"
	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/internal/logging"
	"github.com/menta2k/leafscan/internal/utils"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
)

func main() {
	var in, outDir, configPath, backend, url, model, inferenceURL, ext, logLevel string
	var quality, concurrency int
	var saveCrop, debug, probe, lenient, showVersion bool

	flag.StringVar(&in, "in", "", "input image path, URL or directory (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&configPath, "config", "", "config file (.json or .yaml), default "+config.GetConfigPath())
	flag.StringVar(&backend, "backend", "", "validator backend: ollama, llamacpp or disabled")
	flag.StringVar(&url, "url", "", "validator server URL")
	flag.StringVar(&model, "model", "", "validator model name")
	flag.StringVar(&inferenceURL, "inference-url", "", "detector/classifier inference server URL")

	flag.StringVar(&ext, "ext", "", "output format for crops and overlays: jpg|png|webp")
	flag.IntVar(&quality, "quality", 90, "JPEG/WebP output quality (1-100)")
	flag.BoolVar(&saveCrop, "crop", false, "save the padded leaf crop")
	flag.BoolVar(&debug, "debug", false, "save a debug overlay with detections and crop")
	flag.BoolVar(&lenient, "lenient", false, "report quality issues as warnings instead of failing")

	flag.IntVar(&concurrency, "j", 4, "photos analyzed in parallel in directory mode")
	flag.BoolVar(&probe, "probe", false, "send a trivial query to the validator and exit")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("leafscan", leafscan.GetVersion())
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	applyFlags(cfg, backend, url, model, inferenceURL, outDir, ext, logLevel, lenient)

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if in == "" && !probe {
		log.Fatalf("usage: %s -in leaf.jpg|URL|dir [-config file] [-backend ollama|llamacpp|disabled] [-url server_url] [-out outdir] [-crop] [-debug] [-probe]", filepath.Base(os.Args[0]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner, err := leafscan.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer scanner.Close()

	if probe {
		runProbe(ctx, scanner, in, log)
		return
	}

	opts := types.ProcessingOptions{
		OutputDir:    cfg.Output.Dir,
		SaveCrop:     saveCrop || cfg.Output.SaveCrop,
		DebugOverlay: debug || cfg.Output.DebugOverlay,
		Format:       cfg.Output.Format,
		Quality:      quality,
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in)
		if err != nil {
			log.Fatalf("Failed to list images: %v", err)
		}
		if len(inputs) == 0 {
			log.Fatalf("No images found in %s", in)
		}
	}

	results := make([]*pipeline.AnalysisResult, len(inputs))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit(concurrency))
	for i, input := range inputs {
		g.Go(func() error {
			res, err := scanner.ProcessFile(gctx, input, opts)
			if err != nil {
				log.WithField("input", input).Errorf("Failed to process: %v", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = res
			printSummary(input, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	if len(inputs) > 1 {
		printBatchSummary(results, failed)
	} else if res := results[0]; res != nil {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	}

	log.WithField("metrics", scanner.Pipeline().Metrics().Snapshot()).Debug("run complete")
	if failed > 0 {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath()
		if !utils.FileExists(path) {
			return config.Default(), nil
		}
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, backend, url, model, inferenceURL, outDir, ext, logLevel string, lenient bool) {
	if backend != "" {
		cfg.Validator.Backend = backend
	}
	if url != "" {
		cfg.Validator.URL = url
	}
	if model != "" {
		cfg.Validator.Model = model
	}
	if inferenceURL != "" {
		cfg.Inference.URL = inferenceURL
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if ext != "" {
		cfg.Output.Format = ext
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if lenient {
		cfg.Quality.Strict = false
	}
}

func runProbe(ctx context.Context, scanner *leafscan.Analyzer, in string, log *logrus.Logger) {
	proc := processing.NewProcessor()
	var img image.Image = imaging.New(64, 64, color.NRGBA{60, 160, 60, 255})
	if in != "" && !utils.DirExists(in) {
		loaded, err := proc.LoadImageSmart(in)
		if err != nil {
			log.Fatalf("Failed to load probe image: %v", err)
		}
		img = loaded
	}

	answer, err := scanner.ProbeValidator(ctx, img)
	if err != nil {
		log.Fatalf("Validator probe failed: %v", err)
	}
	fmt.Println(answer)
}

func printSummary(input string, res *pipeline.AnalysisResult) {
	if res.Error != nil {
		fmt.Printf("%s: %s (%s)\n", input, res.Error.Kind(), pipeline.Describe(res.Error))
		return
	}
	source := "validated"
	if res.Report.Source != types.SourceValidated {
		source = string(res.Report.Source)
	}
	cached := ""
	if res.FromCache {
		cached = ", cached"
	}
	fmt.Printf("%s: %s [%s%s] %dms\n", input, res.Report.DiseaseName, source, cached, res.ElapsedMs)
}

func printBatchSummary(results []*pipeline.AnalysisResult, failed int) {
	ok, rejected, cached := 0, 0, 0
	for _, res := range results {
		switch {
		case res == nil:
		case res.Success:
			ok++
			if res.FromCache {
				cached++
			}
		default:
			rejected++
		}
	}
	fmt.Printf("\n%d diagnosed (%d from cache), %d rejected, %d failed\n", ok, cached, rejected, failed)
}

// batchLimit clamps -j so errgroup always admits at least one goroutine
func batchLimit(concurrency int) int {
	if concurrency < 1 {
		return 1
	}
	return concurrency
}
