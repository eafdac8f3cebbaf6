// Package pipeline drives one photo through quality gate, detection,
// classification, cache lookup, validation and cache store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/menta2k/leafscan/pkg/analyzer"
	"github.com/menta2k/leafscan/pkg/cache"
	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/cropper"
	"github.com/menta2k/leafscan/pkg/detection"
	"github.com/menta2k/leafscan/pkg/phash"
	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
	"github.com/menta2k/leafscan/pkg/validation"
)

var errEmptyImage = errors.New("image has no pixels")

// LeafDetector finds leaves in a full image
type LeafDetector interface {
	Detect(ctx context.Context, img image.Image) (*detection.Result, error)
}

// LeafClassifier labels a cropped leaf
type LeafClassifier interface {
	Classify(ctx context.Context, crop image.Image) (*types.ClassificationResult, error)
}

// Validator confirms a preliminary classification
type Validator interface {
	Validate(ctx context.Context, crop image.Image, cls types.ClassificationResult) (*types.ValidatorReport, error)
	ModelVersion() string
}

// QualityChecker inspects a photo before any model runs
type QualityChecker interface {
	Assess(img image.Image) analyzer.Assessment
}

// Options configures a Pipeline
type Options struct {
	// Padding is the crop padding fraction per axis
	Padding float64
	// StrictQuality fails photos with any quality issue; otherwise issues
	// are attached as warnings
	StrictQuality bool
	// SkipQualityGate disables the quality check entirely
	SkipQualityGate bool
	// RejectLowConfidence fails uncertain classifications with LowConfidence
	// instead of answering with the Uncertain template
	RejectLowConfidence bool
	// StoreFallback caches reports built without the validator
	StoreFallback bool
	// ClassifierVersion is recorded on fallback and uncertain reports
	ClassifierVersion string
	// Workers bounds concurrent CPU stages; defaults to runtime.NumCPU()
	Workers int

	Quality QualityChecker
	Metrics *Metrics
	Logger  logrus.FieldLogger
	Clock   func() time.Time
}

// DefaultOptions returns a strict quality gate, 10% padding and cached fallbacks
func DefaultOptions() Options {
	return Options{
		Padding:           cropper.DefaultPaddingRatio,
		StrictQuality:     true,
		StoreFallback:     true,
		ClassifierVersion: "leafscan-classifier",
		Workers:           runtime.NumCPU(),
	}
}

// Pipeline analyzes photos. It is safe for concurrent use.
type Pipeline struct {
	detector   LeafDetector
	classifier LeafClassifier
	validator  Validator
	cache      *cache.ResultCache
	cropper    *cropper.Cropper
	proc       *processing.Processor
	flights    *flightGroup
	// fingerprint defaults to the cache's hasher
	fingerprint func(image.Image) (phash.Fingerprint, error)
	cpu        *semaphore.Weighted
	opts       Options
	log        logrus.FieldLogger
}

// New creates a pipeline. A nil validator disables validation, a nil cache
// uses an in-memory store.
func New(det LeafDetector, cls LeafClassifier, val Validator, rc *cache.ResultCache, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Padding < 0 {
		opts.Padding = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Quality == nil {
		opts.Quality = analyzer.New()
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if val == nil {
		val = validation.NewService(client.Disabled{}, validation.DefaultConfig(), log)
	}
	if rc == nil {
		rc = cache.New(cache.NewMemoryStore(), nil, cache.Options{Clock: opts.Clock, Logger: log})
	}

	return &Pipeline{
		detector:    det,
		classifier:  cls,
		validator:   val,
		cache:       rc,
		cropper:     cropper.NewWithConfig(cropper.CropConfig{PaddingRatio: opts.Padding}),
		proc:        processing.NewProcessor(),
		flights:     newFlightGroup(rc.Options().SimilarityThreshold),
		fingerprint: rc.Fingerprint,
		cpu:         semaphore.NewWeighted(int64(opts.Workers)),
		opts:        opts,
		log:         log,
	}
}

// Cache returns the result cache
func (p *Pipeline) Cache() *cache.ResultCache { return p.cache }

// Metrics returns the collector passed in Options, possibly nil
func (p *Pipeline) Metrics() *Metrics { return p.opts.Metrics }

// InFlight returns the number of validations currently being resolved
func (p *Pipeline) InFlight() int { return p.flights.inFlight() }

// AnalysisResult is returned by Analyze. Exactly one of Report and Error
// is set.
type AnalysisResult struct {
	RequestID      string                      `json:"request_id"`
	Success        bool                        `json:"success"`
	Detection      *types.Detection            `json:"detection,omitempty"`
	Detections     []types.Detection           `json:"detections,omitempty"`
	Crop           *types.Crop                 `json:"crop,omitempty"`
	Classification *types.ClassificationResult `json:"classification,omitempty"`
	Report         *types.DiagnosticReport     `json:"report,omitempty"`
	Error          AnalysisError               `json:"-"`
	Warnings       []AnalysisError             `json:"-"`
	Quality        *analyzer.Assessment        `json:"quality,omitempty"`
	Fingerprint    string                      `json:"fingerprint,omitempty"`
	FromCache      bool                        `json:"from_cache"`
	Coalesced      bool                        `json:"coalesced"`
	Trace          []State                     `json:"trace"`
	ElapsedMs      int64                       `json:"elapsed_ms"`
}

// MarshalJSON renders Error and Warnings as ErrorInfo objects
func (r *AnalysisResult) MarshalJSON() ([]byte, error) {
	type plain AnalysisResult
	warnings := make([]*ErrorInfo, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		warnings = append(warnings, Info(w))
	}
	return json.Marshal(struct {
		*plain
		Error    *ErrorInfo   `json:"error,omitempty"`
		Warnings []*ErrorInfo `json:"warnings,omitempty"`
	}{
		plain:    (*plain)(r),
		Error:    Info(r.Error),
		Warnings: warnings,
	})
}

// AnalyzeBytes decodes data and analyzes it
func (p *Pipeline) AnalyzeBytes(ctx context.Context, data []byte) *AnalysisResult {
	img, err := p.proc.DecodeBytes(data)
	if err != nil {
		return p.Reject(InvalidImage{Err: err})
	}
	return p.Analyze(ctx, img)
}

// Reject returns a failed result for a photo that never reached the
// pipeline, such as one that could not be downloaded
func (p *Pipeline) Reject(err AnalysisError) *AnalysisResult {
	return p.begin().fail(err)
}

// Analyze runs the full state machine for img. It never returns nil.
func (p *Pipeline) Analyze(ctx context.Context, img image.Image) *AnalysisResult {
	r := p.begin()

	if img == nil || img.Bounds().Empty() {
		return r.fail(InvalidImage{Err: errEmptyImage})
	}

	if err := p.cpu.Acquire(ctx, 1); err != nil {
		return r.fail(Unknown{Err: err})
	}
	local, aerr := r.local(ctx, img)
	p.cpu.Release(1)
	if aerr != nil {
		return r.fail(aerr)
	}

	return r.resolve(ctx, local)
}

// run tracks one Analyze call through the state machine
type run struct {
	p       *Pipeline
	res     *AnalysisResult
	log     logrus.FieldLogger
	state   State
	start   time.Time
	entered time.Time
}

// localResult is the output of the CPU-bound stages
type localResult struct {
	crop *types.Crop
	cls  types.ClassificationResult
	fp   phash.Fingerprint
}

func (p *Pipeline) begin() *run {
	id := uuid.New().String()
	now := time.Now()
	p.opts.Metrics.incr(cRequests)
	return &run{
		p:       p,
		res:     &AnalysisResult{RequestID: id, Trace: []State{StateStart}},
		log:     p.log.WithField("request_id", id),
		state:   StateStart,
		start:   now,
		entered: now,
	}
}

func (r *run) enter(s State) {
	now := time.Now()
	r.p.opts.Metrics.observe(r.state, now.Sub(r.entered))
	r.state = s
	r.entered = now
	r.res.Trace = append(r.res.Trace, s)
	r.log.WithField("stage", s.String()).Debug("stage entered")
}

func (r *run) fail(err AnalysisError) *AnalysisResult {
	r.enter(StateFailed)
	r.res.Success = false
	r.res.Error = err
	r.res.ElapsedMs = time.Since(r.start).Milliseconds()
	r.p.opts.Metrics.failure(err.Kind())

	entry := r.log.WithFields(logrus.Fields{
		"kind":       err.Kind(),
		"elapsed_ms": r.res.ElapsedMs,
	})
	if Critical(err) {
		entry.WithError(err).Error("analysis failed")
	} else {
		entry.Info("analysis rejected: " + err.Error())
	}
	return r.res
}

func (r *run) succeed(out outcome) *AnalysisResult {
	r.enter(StateDone)
	r.res.Success = true
	r.res.Report = out.report
	r.res.FromCache = r.res.FromCache || out.fromCache
	if out.warning != nil {
		r.res.Warnings = append(r.res.Warnings, out.warning)
	}
	r.res.ElapsedMs = time.Since(r.start).Milliseconds()
	r.p.opts.Metrics.incr(cSuccesses)

	r.log.WithFields(logrus.Fields{
		"disease":    out.report.DiseaseName,
		"source":     out.report.Source,
		"from_cache": r.res.FromCache,
		"coalesced":  r.res.Coalesced,
		"elapsed_ms": r.res.ElapsedMs,
	}).Info("analysis finished")
	return r.res
}

// local runs quality gate, detection, crop, classification and hashing
func (r *run) local(ctx context.Context, img image.Image) (*localResult, AnalysisError) {
	p := r.p

	if !p.opts.SkipQualityGate {
		r.enter(StateQualityGate)
		assessment := p.opts.Quality.Assess(img)
		r.res.Quality = &assessment
		if !assessment.OK() {
			issue := PoorImageQuality{Issues: assessment.Issues}
			if p.opts.StrictQuality {
				return nil, issue
			}
			r.res.Warnings = append(r.res.Warnings, issue)
			r.log.WithField("issues", assessment.Issues).Warn("continuing despite poor image quality")
		}
	}

	r.enter(StateDetect)
	found, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, Unknown{Err: err}
	}
	if found.Best == nil {
		return nil, NoLeafDetected{}
	}
	best := *found.Best
	r.res.Detection = &best
	r.res.Detections = found.All

	crop, err := p.cropper.Crop(img, best)
	if err != nil {
		return nil, InvalidImage{Err: err}
	}
	r.res.Crop = crop
	if crop.Recovery != "" {
		r.log.WithField("recovery", crop.Recovery).Debug("crop padding recovered")
	}

	r.enter(StateClassify)
	cls, err := p.classifier.Classify(ctx, crop.Image)
	if err != nil {
		return nil, Unknown{Err: err}
	}
	r.res.Classification = cls
	if cls.Uncertain {
		p.opts.Metrics.incr(cUncertain)
		if p.opts.RejectLowConfidence {
			return nil, LowConfidence{Score: cls.Confidence}
		}
	}

	r.enter(StateCacheLookup)
	fp, err := p.fingerprint(img)
	if err != nil {
		return nil, InvalidImage{Err: err}
	}
	r.res.Fingerprint = fp.Hex()
	r.log = r.log.WithField("fingerprint", r.res.Fingerprint)

	return &localResult{crop: crop, cls: *cls, fp: fp}, nil
}

// lookup treats cache failures as misses
func (r *run) lookup(ctx context.Context, fp phash.Fingerprint) *types.DiagnosticReport {
	hit, err := r.p.cache.LookupFingerprint(ctx, fp)
	if err != nil {
		r.log.WithError(err).Warn("cache lookup failed")
		return nil
	}
	if hit == nil {
		return nil
	}
	report := hit.Entry.Report
	return &report
}

// resolve finds or produces the report, making sure concurrent callers
// with similar fingerprints share a single validator call
func (r *run) resolve(ctx context.Context, lr *localResult) *AnalysisResult {
	p := r.p
	for {
		if report := r.lookup(ctx, lr.fp); report != nil {
			p.opts.Metrics.incr(cCacheHits)
			return r.succeed(outcome{report: report, fromCache: true})
		}

		f, leader := p.flights.join(lr.fp)
		if !leader {
			p.opts.Metrics.incr(cCoalesced)
			r.log.Debug("waiting on in-flight analysis")
			select {
			case <-f.done:
			case <-ctx.Done():
				return r.fail(Unknown{Err: ctx.Err()})
			}
			if f.abandoned {
				continue
			}
			if f.err != nil {
				return r.fail(f.err)
			}
			r.res.Coalesced = true
			return r.succeed(f.out)
		}

		p.opts.Metrics.incr(cCacheMisses)
		out, aerr := r.lead(ctx, f, lr)
		if aerr != nil {
			return r.fail(aerr)
		}
		return r.succeed(out)
	}
}

// lead resolves a flight and always lands it
func (r *run) lead(ctx context.Context, f *flight, lr *localResult) (outcome, AnalysisError) {
	p := r.p
	landed := false
	defer func() {
		if !landed {
			p.flights.land(f, outcome{}, Unknown{Err: errors.New("analysis aborted")}, true)
		}
	}()

	out, aerr, abandoned := r.produce(ctx, lr)
	p.flights.land(f, out, aerr, abandoned)
	landed = true
	return out, aerr
}

// produce re-checks the cache, then validates or falls back and stores.
// A cancelled call stores nothing and reports abandoned.
func (r *run) produce(ctx context.Context, lr *localResult) (outcome, AnalysisError, bool) {
	p := r.p

	if report := r.lookup(ctx, lr.fp); report != nil {
		return outcome{report: report, fromCache: true}, nil, false
	}

	var report types.DiagnosticReport
	var warning AnalysisError
	if lr.cls.Uncertain {
		report = validation.UncertainReport(lr.cls, p.opts.ClassifierVersion, p.opts.Clock())
	} else {
		r.enter(StateValidate)
		p.opts.Metrics.incr(cValidatorCalls)
		vr, err := p.validator.Validate(ctx, lr.crop.Image, lr.cls)
		switch {
		case err == nil:
			report = validation.ValidatedReport(*vr, p.validator.ModelVersion(), p.opts.Clock())
		case ctx.Err() != nil:
			return outcome{}, Unknown{Err: ctx.Err()}, true
		default:
			p.opts.Metrics.incr(cValidatorFails)
			reason := validation.Classify(err)
			var ue *validation.UnavailableError
			if errors.As(err, &ue) {
				reason = ue.Reason
			}
			warning = ValidatorUnavailable{Reason: reason, Err: err}
			r.log.WithField("reason", reason).WithError(err).Warn("validator unavailable, using fallback report")

			r.enter(StateFallback)
			p.opts.Metrics.incr(cFallbacks)
			report = validation.FallbackReport(lr.cls, p.opts.ClassifierVersion, p.opts.Clock())
		}
	}

	if warning == nil || p.opts.StoreFallback {
		if err := ctx.Err(); err != nil {
			return outcome{}, Unknown{Err: err}, true
		}
		r.enter(StateCacheStore)
		if err := p.cache.StoreFingerprint(ctx, lr.fp, report); err != nil {
			r.log.WithError(err).Warn("cache store failed")
		}
	}

	return outcome{report: &report, warning: warning}, nil, false
}
