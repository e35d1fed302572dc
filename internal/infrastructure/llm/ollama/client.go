package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/prompt"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/resilience"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/vision"
)

const (
	DefaultModel       = "gemma3:27b"
	DefaultTemperature = 0.2

	generateOperation = "ollama.generate"
)

type Options struct {
	BaseURL      string
	Model        string
	Temperature  float64
	SystemPrompt string
	Timeout      time.Duration
}

// Client runs the diagnostic prompt against a vision model served by Ollama.
type Client struct {
	baseURL      string
	model        string
	temperature  float64
	systemPrompt string
	httpClient   *http.Client
	exec         *resilience.Executor
}

func New(opts Options, exec *resilience.Executor) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		model:        opts.Model,
		temperature:  opts.Temperature,
		systemPrompt: opts.SystemPrompt,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		exec:         exec,
	}
}

func (c *Client) ModelVersion() string { return c.model }

type generateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) Analyze(ctx context.Context, imagePaths []string) (string, error) {
	pages, err := vision.EncodePages(imagePaths)
	if err != nil {
		return "", domain.WrapError(domain.ErrAnalysis, "encode pages", err)
	}

	reqBody := generateRequest{
		Model:   c.model,
		System:  c.systemPrompt,
		Prompt:  prompt.UserInstruction,
		Images:  pages,
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": c.temperature},
	}

	text, err := resilience.Run(ctx, c.exec, resilience.Call{
		Operation:     generateOperation,
		Classifier:    classifyOllamaError,
		SingleAttempt: true,
	}, func(ctx context.Context) (string, error) {
		var response generateResponse
		if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
			return "", err
		}
		return response.Response, nil
	})
	if err != nil {
		return "", wrapTemporaryIfNeeded(generateOperation, err)
	}

	cleaned := CleanResponse(text)
	if cleaned == "" {
		return "", fmt.Errorf("ollama %s: empty response", c.model)
	}
	return cleaned, nil
}
