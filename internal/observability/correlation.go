package observability

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Correlation is threaded explicitly through the pipeline so every log line
// and retry attempt for one inbound message carries the same tags.
type Correlation struct {
	ID               string
	ConversationKey  string
	GatewayMessageID string
}

func NewCorrelation(conversationKey, gatewayMessageID string) Correlation {
	return Correlation{
		ID:               uuid.NewString(),
		ConversationKey:  conversationKey,
		GatewayMessageID: gatewayMessageID,
	}
}

func (c Correlation) Fields() []zap.Field {
	return []zap.Field{
		zap.String("correlation_id", c.ID),
		zap.String("conversation_key", c.ConversationKey),
		zap.String("gateway_message_id", c.GatewayMessageID),
	}
}

type correlationKey struct{}

// WithCorrelation stashes the correlation in the context for layers
// that only receive a context, such as workflow node handlers.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// CorrelationFrom returns the stashed correlation, or a zero value when
// none was attached.
func CorrelationFrom(ctx context.Context) Correlation {
	if c, ok := ctx.Value(correlationKey{}).(Correlation); ok {
		return c
	}
	return Correlation{}
}
