// Package validation asks a vision model to confirm a preliminary
// classification and turns its answer, or its absence, into a report.
package validation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/processing"
	"github.com/menta2k/leafscan/pkg/types"
)

var errEmptyCrop = errors.New("crop has no pixels")

// Reason explains why the validator was unavailable
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonAuth            Reason = "auth"
	ReasonQuota           Reason = "quota"
	ReasonNetwork         Reason = "network"
	ReasonServer          Reason = "server"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonDisabled        Reason = "disabled"
	ReasonEncoding        Reason = "encoding" // crop could not be encoded
)

// Retryable reports whether another attempt may succeed
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonQuota, ReasonNetwork, ReasonServer:
		return true
	}
	return false
}

// UnavailableError is returned when every attempt failed
type UnavailableError struct {
	Reason   Reason
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("validator unavailable (%s) after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Config controls validator calls
type Config struct {
	Model        string
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	Generation   types.GenerationConfig
	ImageMaxDim  int
	ImageQuality int
}

// DefaultConfig returns 3 attempts of 30s each with exponential backoff
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxAttempts:  3,
		Backoff:      500 * time.Millisecond,
		MaxBackoff:   8 * time.Second,
		Generation:   types.DeterministicGeneration(),
		ImageMaxDim:  768,
		ImageQuality: 90,
	}
}

// Service validates classifications against a vision model
type Service struct {
	client client.VisionClient
	proc   *processing.Processor
	config Config
	log    logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService creates a validation service. A nil logger discards output.
func NewService(vc client.VisionClient, config Config, log logrus.FieldLogger) *Service {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Backoff < 0 {
		config.Backoff = 0
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.ImageMaxDim <= 0 {
		config.ImageMaxDim = def.ImageMaxDim
	}
	if config.ImageQuality <= 0 {
		config.ImageQuality = def.ImageQuality
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if vc == nil {
		vc = client.Disabled{}
	}

	return &Service{
		client: vc,
		proc:   processing.NewProcessor(),
		config: config,
		log:    log,
		sleep:  sleepContext,
	}
}

// ModelVersion identifies the validator model in reports
func (s *Service) ModelVersion() string {
	if s.config.Model == "" {
		return "validator"
	}
	return s.config.Model
}

// Validate asks the model to confirm cls for crop. Transient failures are
// retried with exponential backoff; when all attempts fail the error is an
// *UnavailableError. Cancellation of ctx is returned as ctx.Err().
func (s *Service) Validate(ctx context.Context, crop image.Image, cls types.ClassificationResult) (*types.ValidatorReport, error) {
	if _, ok := s.client.(client.Disabled); ok {
		return nil, &UnavailableError{Reason: ReasonDisabled, Err: client.ErrDisabled}
	}

	if crop == nil || crop.Bounds().Empty() {
		return nil, &UnavailableError{Reason: ReasonEncoding, Err: errEmptyCrop}
	}
	imgB64, err := s.proc.PrepareImageForModel(crop, "jpg", s.config.ImageMaxDim, s.config.ImageQuality)
	if err != nil {
		return nil, &UnavailableError{Reason: ReasonEncoding, Err: fmt.Errorf("failed to encode crop: %w", err)}
	}

	req := client.GenerateRequest{
		Model:    s.config.Model,
		System:   SystemPrompt,
		Prompt:   BuildPrompt(cls),
		ImageB64: imgB64,
		Config:   s.config.Generation,
		JSON:     true,
	}

	var lastErr error
	var reason Reason
	attempt := 0
	for attempt < s.config.MaxAttempts {
		attempt++
		if attempt > 1 {
			delay := s.backoff(attempt - 1)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		report, err := s.attempt(ctx, req)
		if err == nil {
			return report, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		reason = Classify(err)
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"reason":  reason,
		}).WithError(err).Debug("validator attempt failed")

		if !reason.Retryable() {
			break
		}
	}

	return nil, &UnavailableError{Reason: reason, Attempts: attempt, Err: lastErr}
}

func (s *Service) attempt(ctx context.Context, req client.GenerateRequest) (*types.ValidatorReport, error) {
	actx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	raw, err := s.client.Generate(actx, req)
	if err != nil {
		return nil, err
	}
	return ParseReport(raw)
}

// backoff returns Backoff * 2^(n-1), capped at MaxBackoff
func (s *Service) backoff(n int) time.Duration {
	d := s.config.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	return d
}

// Probe checks that the model answers a trivial image query
func (s *Service) Probe(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := s.proc.PrepareImageForModel(img, "jpg", 256, 80)
	if err != nil {
		return "", err
	}
	return s.client.SimpleQuery(ctx, s.config.Model, SimpleTestPrompt, imgB64)
}

// Classify maps a validator error onto a Reason
func Classify(err error) Reason {
	var unavailable *UnavailableError
	var statusErr *client.StatusError
	var netErr net.Error
	switch {
	case errors.As(err, &unavailable):
		return unavailable.Reason
	case errors.Is(err, client.ErrDisabled):
		return ReasonDisabled
	case errors.Is(err, ErrMalformedResponse):
		return ReasonInvalidResponse
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return ReasonAuth
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ReasonQuota
		case statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout:
			return ReasonTimeout
		case statusErr.StatusCode >= 500:
			return ReasonServer
		}
		return ReasonInvalidResponse
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return ReasonAuth
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		return ReasonQuota
	case strings.Contains(msg, "empty response") || strings.Contains(msg, "no choices"):
		return ReasonInvalidResponse
	}
	return ReasonNetwork
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
