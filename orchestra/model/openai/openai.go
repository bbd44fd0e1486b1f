// Package openai adapts OpenAI's chat completions API to the
// model.ChatModel capability.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/orchestra-ai/orchestra-go/orchestra/model"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "gpt-4o-mini"

// ChatModel wraps the official openai-go client. Safe for concurrent use.
type ChatModel struct {
	client    *openai.Client
	modelName string
}

// New returns a ChatModel talking to OpenAI with the given API key. An
// empty modelName selects DefaultModel.
func New(apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		client:    &client,
		modelName: modelName,
	}, nil
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params = append(params, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			params = append(params, openai.AssistantMessage(msg.Content))
		default:
			params = append(params, openai.UserMessage(msg.Content))
		}
	}
	if len(params) == 0 {
		return model.ChatOut{}, errors.New("openai: empty transcript")
	}

	completion, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: params,
	})
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: no choices in response")
	}

	return model.ChatOut{
		Text:      completion.Choices[0].Message.Content,
		Model:     m.modelName,
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
	}, nil
}

// Name implements model.ChatModel.
func (m *ChatModel) Name() string {
	return "openai"
}
