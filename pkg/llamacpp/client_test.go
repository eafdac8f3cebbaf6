package llamacpp

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

func TestGenerateSendsDeterministicParameters(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"disease_name\":\"Healthy\"}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	out, err := c.Generate(context.Background(), client.GenerateRequest{
		Model:    "vision",
		System:   "You are a plant pathologist.",
		Prompt:   "Diagnose",
		ImageB64: "aGVsbG8=",
		Config:   types.DeterministicGeneration(),
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `{"disease_name":"Healthy"}` {
		t.Errorf("Unexpected output %q", out)
	}

	if v, ok := got["temperature"]; !ok || v.(float64) != 0 {
		t.Errorf("Expected temperature 0 to be sent, got %v", v)
	}
	if got["top_p"].(float64) != 0.1 {
		t.Errorf("Expected top_p 0.1, got %v", got["top_p"])
	}
	if got["top_k"].(float64) != 1 {
		t.Errorf("Expected top_k 1, got %v", got["top_k"])
	}
	if got["seed"].(float64) != 42 {
		t.Errorf("Expected seed 42, got %v", got["seed"])
	}
	if rf, ok := got["response_format"].(map[string]interface{}); !ok || rf["type"] != "json_object" {
		t.Errorf("Expected json_object response format, got %v", got["response_format"])
	}
	msgs := got["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("Expected system and user messages, got %d", len(msgs))
	}
}

func TestGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`invalid api key`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), client.GenerateRequest{Model: "m", Prompt: "p"})

	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", statusErr.StatusCode)
	}
	if statusErr.Message != "invalid api key" {
		t.Errorf("Unexpected message %q", statusErr.Message)
	}
}

func TestSimpleQueryArrayContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"a green leaf"}]}}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	out, err := c.SimpleQuery(context.Background(), "m", "what is this?", "")
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if out != "a green leaf" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.SimpleQuery(context.Background(), "m", "p", ""); err == nil {
		t.Error("Expected error for empty choices")
	}
}
