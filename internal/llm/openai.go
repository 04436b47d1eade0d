package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"imovelbot/internal/faults"
)

// OpenAIClient binds the Client interface to an OpenAI-compatible chat
// model via langchaingo.
type OpenAIClient struct {
	model llms.Model
}

func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	m, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, faults.External(err, "initialize chat model")
	}
	return &OpenAIClient{model: m}, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(chatType(msg.Role), msg.Content))
	}

	callOpts := []llms.CallOption{}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return Completion{}, faults.External(err, "generate completion")
	}
	if len(resp.Choices) == 0 {
		return Completion{}, faults.External(nil, "chat model returned no choices")
	}
	return Completion{Content: resp.Choices[0].Content}, nil
}

func chatType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
