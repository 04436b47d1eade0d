package llm

import (
	"context"
	"strings"
)

// EchoClient is a deterministic stand-in used when no model API key is
// configured and throughout the test suite. It answers with a canned
// acknowledgement of the last user message.
type EchoClient struct {
	Prefix string
}

func NewEchoClient() *EchoClient {
	return &EchoClient{Prefix: "Entendi: "}
}

func (c *EchoClient) Chat(_ context.Context, messages []Message, _ Options) (Completion, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			content := strings.TrimSpace(messages[i].Content)
			return Completion{Content: c.Prefix + content}, nil
		}
	}
	return Completion{Content: strings.TrimSpace(c.Prefix)}, nil
}
