// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// capability.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orchestra-ai/orchestra-go/orchestra/model"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "claude-3-5-sonnet-20241022"

const defaultMaxTokens = 1024

// ChatModel wraps the official anthropic-sdk-go client. Safe for concurrent
// use; the underlying SDK client handles concurrent requests.
type ChatModel struct {
	client    *anthropic.Client
	modelName string
	maxTokens int64
}

// New returns a ChatModel talking to Claude with the given API key. An
// empty modelName selects DefaultModel.
func New(apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		client:    &client,
		modelName: modelName,
		maxTokens: defaultMaxTokens,
	}, nil
}

// Chat implements model.ChatModel. Anthropic has no system role in the
// messages array, so system content is folded into the first user message.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)

	params := make([]anthropic.MessageParam, 0, len(conversation))
	for i, msg := range conversation {
		content := msg.Content
		if i == 0 && system != "" && msg.Role == model.RoleUser {
			content = system + "\n\n" + content
			system = ""
		}
		switch msg.Role {
		case model.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if len(params) == 0 {
		if system == "" {
			return model.ChatOut{}, errors.New("anthropic: empty transcript")
		}
		params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(system)))
	}

	message, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  params,
	})
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return model.ChatOut{
		Text:      text,
		Model:     m.modelName,
		TokensIn:  int(message.Usage.InputTokens),
		TokensOut: int(message.Usage.OutputTokens),
	}, nil
}

// Name implements model.ChatModel.
func (m *ChatModel) Name() string {
	return "anthropic"
}
