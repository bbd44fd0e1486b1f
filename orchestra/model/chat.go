// Package model defines the chat-model capability consumed by agent nodes.
// The runtime never talks to an LLM itself; agents that declare the
// chat_model capability receive a ChatModel and the orchestrator stays
// provider-agnostic. Adapters for Anthropic, OpenAI, and Google live in
// subpackages.
package model

import (
	"context"
)

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatOut is a model response plus the token accounting the usage tracker
// records against the calling agent.
type ChatOut struct {
	Text      string `json:"text"`
	Model     string `json:"model"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// ChatModel is the capability contract. Implementations must be safe for
// concurrent use and must honor context cancellation.
type ChatModel interface {
	// Chat sends the transcript and returns the model's reply.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)

	// Name identifies the provider, for event metadata.
	Name() string
}

// SplitSystem separates system messages from the conversation. Providers
// that take the system prompt as a dedicated parameter use this; multiple
// system messages are concatenated with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}
