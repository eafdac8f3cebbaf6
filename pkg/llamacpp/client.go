package llamacpp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/menta2k/leafscan/pkg/client"
)

const backendName = "llama.cpp"

type Client struct {
	http *resty.Client
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// OpenAI-compatible chat completion request. Sampling fields are always
// sent so a zero temperature is not mistaken for "use the server default".
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	TopK           int             `json:"top_k"`
	Seed           int             `json:"seed"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func NewClient(serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(serverURL, "/")).
			SetTimeout(5*time.Minute).
			SetHeader("Content-Type", "application/json"),
	}, nil
}

func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	req := ChatCompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: "user", Content: userContent(prompt, imgB64)},
		},
		Temperature: 0.7,
		MaxTokens:   2048,
		TopP:        0.9,
		TopK:        40,
		Seed:        -1,
	}

	return c.complete(ctx, req)
}

// Generate sends a prompt and image with explicit sampling parameters
func (c *Client) Generate(ctx context.Context, r client.GenerateRequest) (string, error) {
	messages := make([]Message, 0, 2)
	if r.System != "" {
		messages = append(messages, Message{Role: "system", Content: r.System})
	}
	messages = append(messages, Message{Role: "user", Content: userContent(r.Prompt, r.ImageB64)})

	req := ChatCompletionRequest{
		Model:       r.Model,
		Messages:    messages,
		Temperature: r.Config.Temperature,
		TopP:        r.Config.TopP,
		TopK:        r.Config.TopK,
		Seed:        r.Config.Seed,
		MaxTokens:   r.Config.MaxTokens,
	}
	if r.JSON {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	return c.complete(ctx, req)
}

func userContent(prompt, imgB64 string) []ContentPart {
	content := []ContentPart{
		{
			Type: "text",
			Text: prompt,
		},
	}

	if imgB64 != "" {
		content = append(content, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:image/jpeg;base64," + imgB64,
			},
		})
	}
	return content
}

func (c *Client) complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	var out ChatCompletionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return "", &client.StatusError{
			Backend:    backendName,
			StatusCode: resp.StatusCode(),
			Message:    strings.TrimSpace(resp.String()),
		}
	}

	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	// Extract text from the response (handle both string and array formats)
	switch content := out.Choices[0].Message.Content.(type) {
	case string:
		if content != "" {
			return content, nil
		}
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("empty response from llama.cpp server")
}
