package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"imovelbot/internal/llm"
)

// State is the value record threaded through a workflow run. Handlers
// receive their own clone, so sibling nodes on the same rank never
// observe each other's writes; the engine merges per-node results after
// the rank completes.
type State struct {
	Messages        []llm.Message          `json:"messages"`
	CurrentStep     string                 `json:"current_step"`
	ConversationKey string                 `json:"conversation_key"`
	Context         map[string]interface{} `json:"context"`
	Results         map[string]interface{} `json:"results"`
	Err             string                 `json:"error,omitempty"`
}

func NewState(conversationKey string) State {
	return State{
		ConversationKey: conversationKey,
		Context:         map[string]interface{}{},
		Results:         map[string]interface{}{},
	}
}

// Clone copies the record one level deep. Nested values are shared;
// handlers treat them as read-only and write fresh values instead.
func (s State) Clone() State {
	out := s
	out.Messages = append([]llm.Message(nil), s.Messages...)
	out.Context = make(map[string]interface{}, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	out.Results = make(map[string]interface{}, len(s.Results))
	for k, v := range s.Results {
		out.Results[k] = v
	}
	return out
}

func (s *State) AddMessage(m llm.Message) {
	s.Messages = append(s.Messages, m)
}

// Reply returns the outgoing text a terminal node left behind.
func (s State) Reply() string {
	if v, ok := s.Results["reply"].(string); ok {
		return v
	}
	return ""
}

func (s *State) SetReply(text string) {
	s.Results["reply"] = text
}

// Hash fingerprints the state for checkpointing. Marshal failures yield
// an empty fingerprint rather than an error.
func (s State) Hash() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
