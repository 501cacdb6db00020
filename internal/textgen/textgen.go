// Package textgen provides the text-generation chain: an OpenAI chat
// provider backed by a template provider that returns the request's
// pre-rendered fallback text.
package textgen

import (
	"context"

	"github.com/petrijr/delaywatch/internal/chain"
)

// TemplateModel is the model name reported by the template provider.
const TemplateModel = "template"

// Request asks for generated text. Fallback is the deterministic text used
// when no model is available.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Fallback     string
}

// Result is generated text.
type Result struct {
	Text   string
	Model  string
	Tokens int
}

// Provider is a text-generation implementation.
type Provider = chain.Provider[Request, Result]

// Chain is the text-generation chain.
type Chain = chain.Chain[Request, Result]

// NewChain builds the text chain and always appends the template provider.
func NewChain(providers []Provider, opts ...chain.Option) *Chain {
	all := append(append([]Provider{}, providers...), Template{})
	return chain.New("textgen", all, opts...)
}

// Template returns Request.Fallback verbatim.
type Template struct{}

var _ Provider = Template{}

func (Template) Name() string    { return "template" }
func (Template) Priority() int   { return chain.FallbackPriority }
func (Template) Available() bool { return true }

func (Template) Attempt(_ context.Context, req Request) (Result, error) {
	text := req.Fallback
	if text == "" {
		text = req.Prompt
	}
	return Result{Text: text, Model: TemplateModel}, nil
}
