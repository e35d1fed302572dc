package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/prompt"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/resilience"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/vision"
)

const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.2

	analyzeOperation = "openai.chat_completion"
)

type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float32
	SystemPrompt string
	// Timeout bounds one HTTP exchange with the API.
	Timeout time.Duration
}

// Analyzer sends page images to an OpenAI-compatible chat completion API and
// asks for a JSON object back.
type Analyzer struct {
	client       *goopenai.Client
	model        string
	temperature  float32
	systemPrompt string
	exec         *resilience.Executor
}

func New(opts Options, exec *resilience.Executor) (*Analyzer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}

	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}

	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Analyzer{
		client:       goopenai.NewClientWithConfig(cfg),
		model:        opts.Model,
		temperature:  opts.Temperature,
		systemPrompt: opts.SystemPrompt,
		exec:         exec,
	}, nil
}

func (a *Analyzer) ModelVersion() string { return a.model }

// Analyze makes exactly one completion request; retrying is left to whoever
// resubmits the analysis.
func (a *Analyzer) Analyze(ctx context.Context, imagePaths []string) (string, error) {
	pages, err := vision.EncodePages(imagePaths)
	if err != nil {
		return "", domain.WrapError(domain.ErrAnalysis, "encode pages", err)
	}
	req := a.buildRequest(pages)

	content, err := resilience.Run(ctx, a.exec, resilience.Call{
		Operation:     analyzeOperation,
		Classifier:    resilience.ClassifyContext(classifyOpenAIError),
		SingleAttempt: true,
	}, func(ctx context.Context) (string, error) {
		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("completion has no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", fmt.Errorf("openai analyze: %w", err)
	}
	return content, nil
}

func (a *Analyzer) buildRequest(pages []string) goopenai.ChatCompletionRequest {
	parts := make([]goopenai.ChatMessagePart, 0, len(pages)+1)
	parts = append(parts, goopenai.ChatMessagePart{
		Type: goopenai.ChatMessagePartTypeText,
		Text: prompt.UserInstruction,
	})
	for _, page := range pages {
		parts = append(parts, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{
				URL:    vision.DataURL(page),
				Detail: goopenai.ImageURLDetailHigh,
			},
		})
	}

	return goopenai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: a.temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: a.systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, MultiContent: parts},
		},
	}
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case status >= http.StatusBadRequest:
		return resilience.ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}
