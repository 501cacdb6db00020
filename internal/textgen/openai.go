package textgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/petrijr/delaywatch/internal/chain"
)

const (
	defaultOpenAIModel = openai.GPT4oMini
	openAIHTTPTimeout  = 30 * time.Second
)

// OpenAI generates text with the chat completions API.
type OpenAI struct {
	client   *openai.Client
	model    string
	priority int
}

var _ Provider = (*OpenAI)(nil)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey   string
	Model    string
	BaseURL  string
	Priority int
}

// NewOpenAI creates the provider. An empty APIKey yields an unavailable provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	o := &OpenAI{model: cfg.Model, priority: cfg.Priority}
	if o.model == "" {
		o.model = defaultOpenAIModel
	}
	if cfg.APIKey == "" {
		return o
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.HTTPClient = &http.Client{Timeout: openAIHTTPTimeout}
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	o.client = openai.NewClientWithConfig(oc)
	return o
}

func (o *OpenAI) Name() string    { return "openai" }
func (o *OpenAI) Priority() int   { return o.priority }
func (o *OpenAI) Available() bool { return o.client != nil }

func (o *OpenAI) Attempt(ctx context.Context, req Request) (Result, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("openai: empty completion")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, errors.New("openai: blank completion")
	}
	return Result{Text: text, Model: resp.Model, Tokens: resp.Usage.TotalTokens}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return chain.Permanent(fmt.Errorf("openai: %w", err))
		}
	}
	return fmt.Errorf("openai: %w", err)
}
