package model

import (
	"context"
	"sync"
)

// MockChat is a scripted ChatModel for tests. Replies are returned in
// order; when the script runs out the last reply repeats. Every call is
// recorded for assertion.
type MockChat struct {
	mu      sync.Mutex
	replies []ChatOut
	err     error
	calls   [][]Message
	idx     int
}

// NewMockChat returns a mock that replays the given replies.
func NewMockChat(replies ...ChatOut) *MockChat {
	return &MockChat{replies: replies}
}

// Fail makes every subsequent Chat call return err.
func (m *MockChat) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Chat implements ChatModel.
func (m *MockChat) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recorded := make([]Message, len(messages))
	copy(recorded, messages)
	m.calls = append(m.calls, recorded)

	if m.err != nil {
		return ChatOut{}, m.err
	}
	if len(m.replies) == 0 {
		return ChatOut{Text: "ok", Model: "mock"}, nil
	}
	reply := m.replies[m.idx]
	if m.idx < len(m.replies)-1 {
		m.idx++
	}
	return reply, nil
}

// Name implements ChatModel.
func (m *MockChat) Name() string {
	return "mock"
}

// Calls returns the transcripts passed to Chat so far.
func (m *MockChat) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
