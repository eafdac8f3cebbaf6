package validation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/types"
)

const validJSON = `{"disease_name":"Early Blight","observed_symptoms":"Concentric brown rings on lower leaves",
"confidence_level":"High","management_recommendation":"Remove infected leaves.","full_report":"Early blight confirmed."}`

type scriptedClient struct {
	mu      sync.Mutex
	replies []func(ctx context.Context) (string, error)
	calls   int
	last    client.GenerateRequest
}

func (c *scriptedClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a leaf", nil
}

func (c *scriptedClient) Generate(ctx context.Context, req client.GenerateRequest) (string, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.last = req
	c.mu.Unlock()
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i](ctx)
}

func reply(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func createTestImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{30, uint8(100 + x), 40, 255})
		}
	}
	return img
}

func newTestService(c client.VisionClient, cfg Config) *Service {
	s := NewService(c, cfg, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

var cls = types.ClassificationResult{Label: "Early Blight", ClassIndex: 1, Confidence: 0.82}

func TestValidateSuccess(t *testing.T) {
	c := &scriptedClient{replies: []func(context.Context) (string, error){reply("```json\n" + validJSON + "\n```")}}
	s := newTestService(c, Config{Model: "llava", Generation: types.DeterministicGeneration()})

	report, err := s.Validate(context.Background(), createTestImage(), cls)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.DiseaseName != "Early Blight" {
		t.Errorf("Expected Early Blight, got %s", report.DiseaseName)
	}
	if c.calls != 1 {
		t.Errorf("Expected 1 call, got %d", c.calls)
	}
	if c.last.Config.Temperature != 0 || c.last.Config.TopP != 0.1 || c.last.Config.TopK != 1 {
		t.Errorf("Expected deterministic generation, got %+v", c.last.Config)
	}
	if !strings.Contains(c.last.Prompt, "Early Blight") || !strings.Contains(c.last.Prompt, "82.0%") {
		t.Errorf("Expected prompt to carry the preliminary result, got %q", c.last.Prompt)
	}
	if c.last.ImageB64 == "" || !c.last.JSON {
		t.Error("Expected image and JSON mode in request")
	}
}

func TestValidateRetriesTransientFailures(t *testing.T) {
	c := &scriptedClient{replies: []func(context.Context) (string, error){
		fail(&client.StatusError{Backend: "test", StatusCode: 503}),
		fail(errors.New("connection refused")),
		reply(validJSON),
	}}
	s := newTestService(c, DefaultConfig())

	if _, err := s.Validate(context.Background(), createTestImage(), cls); err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if c.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", c.calls)
	}
}

func TestValidateGivesUpAfterMaxAttempts(t *testing.T) {
	c := &scriptedClient{replies: []func(context.Context) (string, error){
		fail(&client.StatusError{Backend: "test", StatusCode: 500}),
	}}
	s := newTestService(c, DefaultConfig())

	_, err := s.Validate(context.Background(), createTestImage(), cls)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
	if unavailable.Reason != ReasonServer || unavailable.Attempts != 3 {
		t.Errorf("Expected server reason after 3 attempts, got %s after %d", unavailable.Reason, unavailable.Attempts)
	}
	if c.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", c.calls)
	}
}

func TestValidateDoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reply  string
		reason Reason
	}{
		{name: "auth", err: &client.StatusError{StatusCode: 401}, reason: ReasonAuth},
		{name: "malformed", reply: "I think it is blight", reason: ReasonInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := reply(tt.reply)
			if tt.err != nil {
				r = fail(tt.err)
			}
			c := &scriptedClient{replies: []func(context.Context) (string, error){r}}
			_, err := newTestService(c, DefaultConfig()).Validate(context.Background(), createTestImage(), cls)

			var unavailable *UnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("Expected UnavailableError, got %v", err)
			}
			if unavailable.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, unavailable.Reason)
			}
			if c.calls != 1 {
				t.Errorf("Expected a single call, got %d", c.calls)
			}
		})
	}
}

func TestValidatePerAttemptTimeout(t *testing.T) {
	c := &scriptedClient{replies: []func(context.Context) (string, error){
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	_, err := newTestService(c, cfg).Validate(context.Background(), createTestImage(), cls)

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonTimeout {
		t.Fatalf("Expected timeout UnavailableError, got %v", err)
	}
	if c.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", c.calls)
	}
}

func TestValidateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scriptedClient{replies: []func(context.Context) (string, error){
		func(context.Context) (string, error) {
			cancel()
			return "", errors.New("connection reset")
		},
	}}
	_, err := newTestService(c, DefaultConfig()).Validate(ctx, createTestImage(), cls)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		t.Error("Cancellation must not be reported as validator unavailability")
	}
}

func TestValidateDisabled(t *testing.T) {
	_, err := NewService(client.Disabled{}, DefaultConfig(), nil).Validate(context.Background(), createTestImage(), cls)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonDisabled {
		t.Fatalf("Expected disabled UnavailableError, got %v", err)
	}
}

func TestValidateEncodingFailure(t *testing.T) {
	c := &scriptedClient{replies: []func(context.Context) (string, error){reply(validJSON)}}
	cfg := DefaultConfig()
	cfg.ImageMaxDim = 0

	tests := []struct {
		name string
		crop image.Image
	}{
		{"nil crop", nil},
		{"empty crop", image.NewRGBA(image.Rect(0, 0, 0, 0))},
		{"too large for jpeg", image.NewGray(image.Rect(0, 0, 1<<16, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(c, cfg).Validate(context.Background(), tt.crop, cls)
			var unavailable *UnavailableError
			if !errors.As(err, &unavailable) || unavailable.Reason != ReasonEncoding {
				t.Fatalf("Expected encoding UnavailableError, got %v", err)
			}
			if got := Classify(err); got != ReasonEncoding {
				t.Errorf("Classify() = %s, want %s", got, ReasonEncoding)
			}
		})
	}
	if c.calls != 0 {
		t.Errorf("Expected no model calls, got %d", c.calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{client.ErrDisabled, ReasonDisabled},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), ReasonTimeout},
		{&client.StatusError{StatusCode: 403}, ReasonAuth},
		{&client.StatusError{StatusCode: 429}, ReasonQuota},
		{&client.StatusError{StatusCode: 502}, ReasonServer},
		{&client.StatusError{StatusCode: 504}, ReasonTimeout},
		{&client.StatusError{StatusCode: 400}, ReasonInvalidResponse},
		{fmt.Errorf("parse: %w", ErrMalformedResponse), ReasonInvalidResponse},
		{errors.New("monthly quota exceeded"), ReasonQuota},
		{errors.New("dial tcp: connection refused"), ReasonNetwork},
		{&UnavailableError{Reason: ReasonEncoding, Err: errors.New("jpeg")}, ReasonEncoding},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	s := NewService(client.Disabled{}, Config{Backoff: 500 * time.Millisecond, MaxBackoff: 3 * time.Second}, nil)
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain", validJSON, false},
		{"fenced", "```json\n" + validJSON + "\n```", false},
		{"prose around", "Here is the result: " + validJSON + " Hope this helps.", false},
		{"trailing comma and comment", "{\n// diagnosis\n\"disease_name\": \"Healthy\",\n}", false},
		{"url in value", `{"disease_name":"Healthy","full_report":"see https://example.org/leaf"}`, false},
		{"no json", "The leaf looks healthy.", true},
		{"missing name", `{"observed_symptoms":"spots"}`, true},
		{"broken", `{"disease_name": }`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := ParseReport(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Errorf("Expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReport failed: %v", err)
			}
			if report.DiseaseName == "" {
				t.Error("Expected disease name")
			}
		})
	}

	report, _ := ParseReport(`{"disease_name":"Healthy","full_report":"see https://example.org/leaf"}`)
	if report.FullReport != "see https://example.org/leaf" {
		t.Errorf("Expected URL to survive sanitizing, got %q", report.FullReport)
	}
}

func TestFallbackReportIsTagged(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r := FallbackReport(cls, "classifier-v1", now)

	if !IsPreliminary(r) {
		t.Errorf("Expected preliminary tag, got %q", r.FullReport)
	}
	if r.Source != types.SourceFallback {
		t.Errorf("Expected fallback source, got %s", r.Source)
	}
	if r.DiseaseName != cls.Label || r.ObservedSymptoms == "" || r.ConfidenceLevel == "" || r.ManagementRecommendation == "" {
		t.Errorf("Expected every structural field to be filled, got %+v", r)
	}
	if !strings.HasPrefix(r.ConfidenceLevel, "Moderate") {
		t.Errorf("Expected moderate confidence for 0.82, got %s", r.ConfidenceLevel)
	}

	again := FallbackReport(cls, "classifier-v1", now.Add(time.Hour))
	if again.FullReport != r.FullReport {
		t.Error("Expected fallback text to be deterministic")
	}
}

func TestUncertainReport(t *testing.T) {
	low := types.ClassificationResult{Label: "Leaf Rust", Confidence: 0.3, Uncertain: true}
	r := UncertainReport(low, "classifier-v1", time.Now())

	if r.DiseaseName != UncertainDiseaseName {
		t.Errorf("Expected %s regardless of predicted class, got %s", UncertainDiseaseName, r.DiseaseName)
	}
	if !r.IsUncertain || r.Source != types.SourceUncertain {
		t.Errorf("Expected uncertain report, got %+v", r)
	}
	if strings.Contains(r.FullReport, "Leaf Rust") {
		t.Error("Expected uncertain template to ignore the predicted class")
	}
}

func TestValidatedReportFillsGaps(t *testing.T) {
	r := ValidatedReport(types.ValidatorReport{DiseaseName: "Healthy"}, "llava", time.Now())
	if r.Source != types.SourceValidated || IsPreliminary(r) {
		t.Errorf("Expected validated report, got %+v", r)
	}
	if r.ManagementRecommendation != Recommendation("Healthy") {
		t.Errorf("Expected recommendation from table, got %q", r.ManagementRecommendation)
	}
	if !strings.Contains(r.FullReport, "Diagnosis: Healthy") {
		t.Errorf("Expected composed full report, got %q", r.FullReport)
	}
}

func TestProbe(t *testing.T) {
	s := NewService(&scriptedClient{}, DefaultConfig(), nil)
	out, err := s.Probe(context.Background(), createTestImage())
	if err != nil || out != "a leaf" {
		t.Errorf("Probe = %q, %v", out, err)
	}
}
