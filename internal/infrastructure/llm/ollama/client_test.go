package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

func writePage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bloodwork_page_1.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestAnalyzeSendsImagesAndCleansResponse(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": "{\"note\":\"\x1b[1mGlobuli rossi\x1b[0m 5 Âµl â€“ ok\",\"valore\":4.5}",
			"done":     true,
		})
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL + "/", SystemPrompt: "sistema"}, nil)
	out, err := client.Analyze(context.Background(), []string{writePage(t)})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("cleaned response is not json: %v (%s)", err, out)
	}
	if got["note"] != "Globuli rossi 5 μl – ok" {
		t.Fatalf("unexpected cleaned note %q", got["note"])
	}
	if got["valore"] != 4.5 {
		t.Fatalf("numbers must survive cleaning, got %v", got["valore"])
	}

	if payload["model"] != DefaultModel || payload["format"] != "json" || payload["stream"] != false {
		t.Fatalf("unexpected request %v", payload)
	}
	if payload["system"] != "sistema" {
		t.Fatalf("expected system prompt, got %v", payload["system"])
	}
	images, _ := payload["images"].([]any)
	if len(images) != 1 {
		t.Fatalf("expected one image, got %v", payload["images"])
	}
}

func TestAnalyzeIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL}, nil)
	_, err := client.Analyze(context.Background(), []string{writePage(t)})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("502 should surface as temporary, got %v", err)
	}
}

func TestAnalyzeRejectsEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"  ","done":true}`))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL}, nil)
	if _, err := client.Analyze(context.Background(), []string{writePage(t)}); err == nil {
		t.Fatalf("expected error for blank response")
	}
}

func TestClassifyOllamaError(t *testing.T) {
	if got := classifyOllamaError(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable}); !got.Retryable || !got.RecordFailure {
		t.Fatalf("503 must be retryable: %+v", got)
	}
	if got := classifyOllamaError(&HTTPStatusError{StatusCode: http.StatusNotFound}); got.Retryable || got.RecordFailure {
		t.Fatalf("404 must be permanent: %+v", got)
	}
	if got := classifyOllamaError(context.Canceled); got.Retryable || got.RecordFailure {
		t.Fatalf("cancellation must be ignored: %+v", got)
	}
}
