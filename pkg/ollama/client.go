package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/types"
)

const backendName = "ollama"

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	// Parse the provided URL
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	// Create client with the specified URL, ignoring environment
	c := api.NewClient(baseURL, http.DefaultClient)

	return &Client{client: c}, nil
}

// SimpleQuery performs a simple query with an image without expecting JSON
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	// Add timeout if context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	msg := api.Message{Role: "user", Content: prompt}
	if imgB64 != "" {
		imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 image: %w", err)
		}
		msg.Images = []api.ImageData{api.ImageData(imgBytes)}
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{msg},
		Stream:   &streamFalse,
	}
	return c.chat(ctx, req)
}

// Generate sends a prompt and image with explicit sampling parameters
func (c *Client) Generate(ctx context.Context, r client.GenerateRequest) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(r.ImageB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	messages := make([]api.Message, 0, 2)
	if r.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: r.System})
	}
	messages = append(messages, api.Message{
		Role:    "user",
		Content: r.Prompt,
		Images:  []api.ImageData{api.ImageData(imgBytes)},
	})

	streamFalse := false
	req := &api.ChatRequest{
		Model:    r.Model,
		Messages: messages,
		Stream:   &streamFalse,
		Options:  options(r.Config),
	}
	if r.JSON {
		req.Format = json.RawMessage(`"json"`)
	}
	return c.chat(ctx, req)
}

// options maps generation parameters onto Ollama model options
func options(cfg types.GenerationConfig) map[string]any {
	opts := map[string]any{
		"temperature": cfg.Temperature,
		"top_p":       cfg.TopP,
		"top_k":       cfg.TopK,
		"seed":        cfg.Seed,
	}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	return opts
}

func (c *Client) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	var responseContent string
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent += resp.Message.Content
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", &client.StatusError{
				Backend:    backendName,
				StatusCode: statusErr.StatusCode,
				Message:    statusErr.ErrorMessage,
			}
		}
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	if responseContent == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return responseContent, nil
}
