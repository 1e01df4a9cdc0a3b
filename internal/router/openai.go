package router

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/keel-agent/keel/pkg/models"
)

// OpenAIProvider adapts the OpenAI chat completions API. With a custom
// base URL and name it also serves OpenRouter and other compatible
// endpoints.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
}

// NewOpenAIProvider builds the adapter. name is the routing identity
// ("openai", "openrouter").
func NewOpenAIProvider(name, apiKey, baseURL, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		name:   name,
		model:  defaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete sends a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	wire := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(Reshape(req.Messages)),
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		wire.Tools = toOpenAITools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", p.name)
	}

	choice := resp.Choices[0].Message
	out := &Response{
		Content:      choice.Content,
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// Probe lists models as a cheap authenticated liveness check.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	return err
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		case models.RoleTool:
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			wire := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, wire)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}

func toOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if err := json.Unmarshal(t.InputSchema, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
