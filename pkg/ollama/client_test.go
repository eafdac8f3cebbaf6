package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/menta2k/leafscan/pkg/client"
	"github.com/menta2k/leafscan/pkg/types"
)

func TestNewClientInvalidURL(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}

func TestGenerate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llava","message":{"role":"assistant","content":"{\"disease_name\":\"Leaf Rust\"}"},"done":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	out, err := c.Generate(context.Background(), client.GenerateRequest{
		Model:    "llava",
		Prompt:   "Diagnose",
		ImageB64: "aGVsbG8=",
		Config:   types.DeterministicGeneration(),
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `{"disease_name":"Leaf Rust"}` {
		t.Errorf("Unexpected output %q", out)
	}

	opts, ok := got["options"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected options in request, got %v", got)
	}
	if opts["temperature"].(float64) != 0 || opts["top_k"].(float64) != 1 || opts["seed"].(float64) != 42 {
		t.Errorf("Unexpected sampling options %v", opts)
	}
	if got["format"] != "json" {
		t.Errorf("Expected json format, got %v", got["format"])
	}
}

func TestGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), client.GenerateRequest{Model: "m", Prompt: "p"})

	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", statusErr.StatusCode)
	}
}

func TestGenerateInvalidImage(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1")
	if _, err := c.Generate(context.Background(), client.GenerateRequest{ImageB64: "%%%"}); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
