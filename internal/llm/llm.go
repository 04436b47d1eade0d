// Package llm abstracts the chat model behind a small interface so
// workflows stay testable without a live provider.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Options struct {
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Content string
}

type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (Completion, error)
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
