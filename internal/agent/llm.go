package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// PromptFunc renders the prompt sent to a model for one request.
type PromptFunc func(req *Request) string

// LLMOptions are shared by the model-backed agents.
type LLMOptions struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
	Prompt    PromptFunc
	Pricing   map[string]ModelPricing
}

func (o *LLMOptions) defaults(model string, maxTokens int64) {
	if o.Model == "" {
		o.Model = model
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = maxTokens
	}
	if o.Prompt == nil {
		o.Prompt = DefaultPrompt
	}
	if o.Pricing == nil {
		o.Pricing = DefaultPricing
	}
}

// DefaultPrompt describes the step and inlines the results gathered so far.
func DefaultPrompt(req *Request) string {
	var sb strings.Builder

	switch req.Step {
	case "generate":
		sb.WriteString("Write a publishable article draft based on the research below.\n")
	case "fact_check":
		sb.WriteString("Fact-check the draft below. List every claim you cannot verify.\n")
	default:
		fmt.Fprintf(&sb, "Perform the %q step of a content pipeline using the context below.\n", req.Step)
	}

	steps := make([]string, 0, len(req.Context))
	for step := range req.Context {
		steps = append(steps, step)
	}
	sort.Strings(steps)

	for _, step := range steps {
		data, err := json.Marshal(req.Context[step])
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n%s\n", step, data)
	}
	return sb.String()
}

func llmResult(step, provider, model, text string, in, out int64, pricing map[string]ModelPricing) *Result {
	data := map[string]any{
		"text":          text,
		"model":         model,
		"input_tokens":  in,
		"output_tokens": out,
	}
	if step == "generate" && strings.TrimSpace(text) != "" {
		data["articles_generated"] = 1
	}
	return &Result{
		Data:     data,
		Cost:     TokenCost(pricing, model, in, out),
		Provider: provider,
	}
}

// AnthropicAgent calls the Anthropic Messages API.
type AnthropicAgent struct {
	name   string
	client anthropic.Client
	opts   LLMOptions
}

func NewAnthropicAgent(name string, opts LLMOptions) *AnthropicAgent {
	opts.defaults("claude-3-5-sonnet-20241022", 4096)

	// Retries belong to the workflow engine.
	clientOpts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(opts.APIKey),
		anthropicopt.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicopt.WithBaseURL(opts.BaseURL))
	}

	return &AnthropicAgent{
		name:   name,
		client: anthropic.NewClient(clientOpts...),
		opts:   opts,
	}
}

func (a *AnthropicAgent) Name() string { return a.name }

func (a *AnthropicAgent) Execute(ctx context.Context, req *Request) (*Result, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: a.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(a.opts.Prompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return llmResult(req.Step, "anthropic", a.opts.Model, text.String(),
		message.Usage.InputTokens, message.Usage.OutputTokens, a.opts.Pricing), nil
}

// OpenAIAgent calls the OpenAI Chat Completions API.
type OpenAIAgent struct {
	name   string
	client openai.Client
	opts   LLMOptions
}

func NewOpenAIAgent(name string, opts LLMOptions) *OpenAIAgent {
	opts.defaults("gpt-4o-mini", 2048)

	clientOpts := []openaiopt.RequestOption{
		openaiopt.WithAPIKey(opts.APIKey),
		openaiopt.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIAgent{
		name:   name,
		client: openai.NewClient(clientOpts...),
		opts:   opts,
	}
}

func (a *OpenAIAgent) Name() string { return a.name }

func (a *OpenAIAgent) Execute(ctx context.Context, req *Request) (*Result, error) {
	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(a.opts.Prompt(req)),
					},
				},
			},
		},
		MaxCompletionTokens: openai.Int(a.opts.MaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}

	return llmResult(req.Step, "openai", a.opts.Model, completion.Choices[0].Message.Content,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens, a.opts.Pricing), nil
}
