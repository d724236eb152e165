package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by
// AnthropicClient, so tests can substitute a fake (mirrors
// features/model/anthropic.MessagesClient in the teacher).
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	msg   MessagesClient
	model string
}

// NewAnthropicClient builds an AnthropicClient from an injected Messages
// client, so callers can pass &sdk.NewClient(...).Messages or a fake.
func NewAnthropicClient(msg MessagesClient, model string) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("llm: anthropic messages client is required")
	}
	if model == "" {
		return nil, errors.New("llm: default model identifier is required")
	}
	return &AnthropicClient{msg: msg, model: model}, nil
}

// NewAnthropicClientFromAPIKey constructs an AnthropicClient using the
// default Anthropic HTTP client configuration.
func NewAnthropicClientFromAPIKey(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&c.Messages, model)
}

// Chat translates a ChatRequest into a single Anthropic Messages.New call.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if len(req.Messages) == 0 {
		return ChatResponse{}, errors.New("llm: at least one message is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return ChatResponse{}, fmt.Errorf("llm: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return ChatResponse{}, errors.New("llm: at least one user/assistant message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Messages:    conversation,
		Temperature: sdk.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: anthropic messages.new: %w", err)
	}
	return translateMessage(msg), nil
}

func translateMessage(msg *sdk.Message) ChatResponse {
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return ChatResponse{Content: content, Model: string(msg.Model)}
}
