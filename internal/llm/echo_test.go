package llm

import (
	"context"
	"testing"
)

func TestEchoClientAnswersLastUserMessage(t *testing.T) {
	c := NewEchoClient()
	out, err := c.Chat(context.Background(), []Message{
		System("instruções"),
		User("primeira"),
		Assistant("ok"),
		User("segunda"),
	}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Content != "Entendi: segunda" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestEchoClientWithoutUserMessage(t *testing.T) {
	c := NewEchoClient()
	out, err := c.Chat(context.Background(), []Message{System("só sistema")}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Content != "Entendi:" {
		t.Errorf("content = %q", out.Content)
	}
}
