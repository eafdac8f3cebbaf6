package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/menta2k/leafscan/pkg/types"
)

// ErrDisabled is returned by clients that were configured off
var ErrDisabled = errors.New("vision validator disabled")

// GenerateRequest is one prompt plus image sent to a vision model
type GenerateRequest struct {
	Model    string
	System   string
	Prompt   string
	ImageB64 string
	Config   types.GenerationConfig
	// JSON asks the backend to constrain output to a JSON object
	JSON bool
}

type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// StatusError is a non-2xx reply from a validator backend
type StatusError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned status %d: %s", e.Backend, e.StatusCode, e.Message)
}

// Disabled is a VisionClient that never reaches a model
type Disabled struct{}

func (Disabled) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "", ErrDisabled
}

func (Disabled) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return "", ErrDisabled
}
