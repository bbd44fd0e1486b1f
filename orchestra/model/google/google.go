// Package google adapts Google's Gemini API to the model.ChatModel
// capability.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/orchestra-ai/orchestra-go/orchestra/model"
)

// DefaultModel is used when no model name is supplied.
const DefaultModel = "gemini-1.5-flash"

// ChatModel wraps the official generative-ai-go client. Close releases the
// underlying connection when the adapter is no longer needed.
type ChatModel struct {
	client    *genai.Client
	modelName string
}

// New returns a ChatModel talking to Gemini with the given API key. An
// empty modelName selects DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &ChatModel{
		client:    client,
		modelName: modelName,
	}, nil
}

// Chat implements model.ChatModel. Gemini takes the system prompt as a
// dedicated system instruction and the rest of the transcript as a single
// prompt, oldest first.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 {
		return model.ChatOut{}, errors.New("google: empty transcript")
	}

	gm := m.client.GenerativeModel(m.modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	var prompt string
	for _, msg := range conversation {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += string(msg.Role) + ": " + msg.Content
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}

	out := model.ChatOut{Model: m.modelName}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	return out, nil
}

// Name implements model.ChatModel.
func (m *ChatModel) Name() string {
	return "google"
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	return m.client.Close()
}
