package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/prompts"
)

const (
	defaultSummaryTimeout = 30 * time.Second
	maxRetries            = 2
	retryDelay            = 500 * time.Millisecond
)

// PromptSummarizer condenses narrative prompts through an OpenAI-compatible chat endpoint.
// Summarization is advisory: every failure returns the original prompt.
type PromptSummarizer struct {
	client    *openai.Client
	model     string
	maxLength int
	timeout   time.Duration
	enabled   bool
	templates *prompts.TemplateEngine
	logger    *slog.Logger
}

// NewPromptSummarizer builds a summarizer. An empty apiKey leaves it disabled.
func NewPromptSummarizer(cfg config.SummarizerConfig, apiKey string) *PromptSummarizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSummaryTimeout
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	logger := slog.Default().With("component", "summarizer")
	templates := prompts.NewTemplateEngine()
	if cfg.TemplateFile != "" {
		if err := templates.LoadFile(cfg.TemplateFile); err != nil {
			logger.Warn("using default prompt templates", "error", err)
		}
	}

	return &PromptSummarizer{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxLength: cfg.MaxLength,
		timeout:   timeout,
		enabled:   apiKey != "",
		templates: templates,
		logger:    logger,
	}
}

// SystemPrompt renders the instruction sent ahead of the user's text.
func (s *PromptSummarizer) SystemPrompt(requiredNames []string) (string, error) {
	nameRule := ""
	if len(requiredNames) > 0 {
		nameRule = fmt.Sprintf("\n\nMANDATORY WORDS TO INCLUDE: %s - these MUST appear in your output, they are lora triggers",
			strings.Join(requiredNames, ", "))
	}
	return s.templates.Render(prompts.SummarySystem, map[string]string{
		"max_length": strconv.Itoa(s.maxLength),
		"name_rule":  nameRule,
	})
}

func (s *PromptSummarizer) Summarize(ctx context.Context, prompt string, requiredNames []string) string {
	if !s.enabled {
		s.logger.Warn("no api key, using original prompt")
		return prompt
	}

	system, err := s.SystemPrompt(requiredNames)
	if err != nil {
		s.logger.Error("failed to render system prompt", "error", err)
		return prompt
	}
	user, err := s.templates.Render(prompts.SummaryUser, map[string]string{
		"max_length": strconv.Itoa(s.maxLength),
		"prompt":     prompt,
	})
	if err != nil {
		s.logger.Error("failed to render user prompt", "error", err)
		return prompt
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   s.maxLength + 50,
		Temperature: 0.2,
		TopP:        0.85,
	}

	summary, err := s.complete(ctx, req)
	if err != nil {
		s.logger.Error("summarization failed, using original prompt", "error", err, "elapsed", time.Since(start))
		return prompt
	}
	if summary == "" {
		s.logger.Warn("empty summary, using original prompt")
		return prompt
	}

	s.logger.Info("prompt summarized",
		"prompt_hash", generators.PromptHash(prompt),
		"words_in", len(strings.Fields(prompt)),
		"words_out", len(strings.Fields(summary)),
		"required", len(requiredNames),
		"elapsed", time.Since(start))
	s.logger.Debug("summary", "text", summary)
	return summary
}

func (s *PromptSummarizer) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("no choices returned from model")
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	return "", fmt.Errorf("chat completion failed: %w", lastErr)
}

// isRetryableError checks if an error is worth another attempt
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "rate limit")
}
