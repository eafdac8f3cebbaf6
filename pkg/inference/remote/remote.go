// Package remote runs the detector and classifier on an inference server
// over HTTP. Tensors are exchanged as JSON {shape, data}.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/menta2k/leafscan/pkg/inference"
	"github.com/menta2k/leafscan/pkg/types"
)

// Tensor is the wire form of a dense float tensor
type Tensor struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

type classifyResponse struct {
	Probabilities []float32 `json:"probabilities"`
}

// Model calls /v1/detect and /v1/classify on the inference server
type Model struct {
	http *resty.Client
}

var (
	_ inference.DetectorModel   = (*Model)(nil)
	_ inference.ClassifierModel = (*Model)(nil)
)

// NewModel creates a client for the server at baseURL
func NewModel(baseURL string, timeout time.Duration) (*Model, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid inference URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Model{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}, nil
}

// RunDetector posts the input tensor and expects a [1,C,N] tensor back
func (m *Model) RunDetector(ctx context.Context, input types.InputTensor) (types.RawDetectionTensor, error) {
	var out Tensor
	if err := m.post(ctx, "/v1/detect", Tensor{Shape: input.Shape, Data: input.Data}, &out); err != nil {
		return types.RawDetectionTensor{}, err
	}
	if len(out.Shape) != 3 || out.Shape[0] != 1 {
		if len(out.Data) == 0 {
			return types.RawDetectionTensor{}, inference.ErrEmptyOutput
		}
		return types.RawDetectionTensor{}, fmt.Errorf("unexpected detector output shape %v", out.Shape)
	}
	// [1,C,0] is a valid reply with no proposals
	if len(out.Data) == 0 && out.Shape[2] != 0 {
		return types.RawDetectionTensor{}, inference.ErrEmptyOutput
	}
	return types.NewRawDetectionTensor(int(out.Shape[1]), int(out.Shape[2]), out.Data)
}

// RunClassifier posts the crop tensor and returns class probabilities
func (m *Model) RunClassifier(ctx context.Context, input types.InputTensor) ([]float32, error) {
	var out classifyResponse
	if err := m.post(ctx, "/v1/classify", Tensor{Shape: input.Shape, Data: input.Data}, &out); err != nil {
		return nil, err
	}
	if len(out.Probabilities) == 0 {
		return nil, inference.ErrEmptyOutput
	}
	return out.Probabilities, nil
}

// CheckHealth reports whether the inference server answers /health
func (m *Model) CheckHealth(ctx context.Context) error {
	resp, err := m.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode())
	}
	return nil
}

func (m *Model) post(ctx context.Context, path string, body, result interface{}) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("inference failed with status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
