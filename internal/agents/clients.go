package agents

import (
	"context"
	"encoding/json"

	"imovelbot/internal/observability"
)

// Request payloads are concrete tagged structs so malformed calls are
// caught at the boundary instead of inside downstream agents.

type TranscribeRequest struct {
	AudioURL string `json:"audio_url" validate:"required,url"`
	MimeType string `json:"mime_type,omitempty"`
	Language string `json:"language,omitempty"`
}

type TranscribeResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscribeURL converts a hosted audio file to text.
func (d *Dispatcher) TranscribeURL(ctx context.Context, corr observability.Correlation, req TranscribeRequest) (TranscribeResponse, Result) {
	res := d.Execute(ctx, corr, AgentTranscription, "transcribe_url", "/transcription/transcribe_url", req)
	var out TranscribeResponse
	decodeInto(&res, &out)
	return out, res
}

type RAGQueryRequest struct {
	Query           string                 `json:"query" validate:"required"`
	ConversationKey string                 `json:"conversation_key" validate:"required"`
	TopK            int                    `json:"top_k,omitempty" validate:"omitempty,min=1,max=20"`
	Filters         map[string]interface{} `json:"filters,omitempty"`
}

type RAGQueryResponse struct {
	GeneratedResponse string `json:"generated_response,omitempty"`
	Documents         []struct {
		Content string  `json:"content"`
		Source  string  `json:"source,omitempty"`
		Score   float64 `json:"score,omitempty"`
	} `json:"documents,omitempty"`
	Properties []json.RawMessage `json:"properties,omitempty"`
	Results    []json.RawMessage `json:"results,omitempty"`
}

// Query runs a retrieval-augmented lookup over the knowledge base.
func (d *Dispatcher) Query(ctx context.Context, corr observability.Correlation, req RAGQueryRequest) (RAGQueryResponse, Result) {
	res := d.Execute(ctx, corr, AgentRAG, "query", "/rag/query", req)
	var out RAGQueryResponse
	decodeInto(&res, &out)
	return out, res
}

type MemoryContextRequest struct {
	ConversationKey string `json:"conversation_key" validate:"required"`
	Limit           int    `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

type MemoryContextResponse struct {
	UserName    string   `json:"user_name,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
	KnownUser   bool     `json:"known_user"`
}

func (d *Dispatcher) GetUserContext(ctx context.Context, corr observability.Correlation, req MemoryContextRequest) (MemoryContextResponse, Result) {
	res := d.Execute(ctx, corr, AgentMemory, "get_user_context", "/context", req)
	var out MemoryContextResponse
	decodeInto(&res, &out)
	return out, res
}

type MemoryStoreRequest struct {
	ConversationKey string  `json:"conversation_key" validate:"required"`
	Content         string  `json:"content" validate:"required"`
	Kind            string  `json:"kind,omitempty"`
	Importance      float64 `json:"importance,omitempty" validate:"omitempty,min=0,max=1"`
}

func (d *Dispatcher) Store(ctx context.Context, corr observability.Correlation, req MemoryStoreRequest) Result {
	return d.Execute(ctx, corr, AgentMemory, "store", "/store", req)
}

type MemorySearchRequest struct {
	ConversationKey string `json:"conversation_key" validate:"required"`
	Query           string `json:"query" validate:"required"`
	Limit           int    `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

type MemorySearchResponse struct {
	Memories []struct {
		Content    string  `json:"content"`
		Importance float64 `json:"importance,omitempty"`
	} `json:"memories,omitempty"`
}

func (d *Dispatcher) SearchMemories(ctx context.Context, corr observability.Correlation, req MemorySearchRequest) (MemorySearchResponse, Result) {
	res := d.Execute(ctx, corr, AgentMemory, "search", "/search", req)
	var out MemorySearchResponse
	decodeInto(&res, &out)
	return out, res
}

type WebSearchRequest struct {
	Query      string                 `json:"query" validate:"required"`
	Criteria   map[string]interface{} `json:"criteria,omitempty"`
	MaxResults int                    `json:"max_results,omitempty" validate:"omitempty,min=1,max=20"`
}

// WebSearchResponse carries listings in either the properties or the
// results shape; callers must accept both.
type WebSearchResponse struct {
	Properties []json.RawMessage `json:"properties,omitempty"`
	Results    []json.RawMessage `json:"results,omitempty"`
}

// Search runs the listing lookup with the extracted criteria.
func (d *Dispatcher) Search(ctx context.Context, corr observability.Correlation, req WebSearchRequest) (WebSearchResponse, Result) {
	res := d.Execute(ctx, corr, AgentWebSearch, "search", "/search", req)
	var out WebSearchResponse
	decodeInto(&res, &out)
	return out, res
}

type ExecuteRequest struct {
	TaskType string      `json:"task_type" validate:"required"`
	Data     interface{} `json:"data,omitempty"`
}

// ExecuteTask posts a free-form task to an agent's generic endpoint,
// for functions without a dedicated route (the database agent and
// one-off maintenance tasks).
func (d *Dispatcher) ExecuteTask(ctx context.Context, corr observability.Correlation, agent string, req ExecuteRequest) Result {
	return d.Execute(ctx, corr, agent, "execute", "/execute", req)
}

// decodeInto best-effort decodes a successful result body. A body the
// struct cannot absorb downgrades the result to a failure.
func decodeInto(res *Result, out interface{}) {
	if !res.Success || len(res.Data) == 0 {
		return
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		res.Success = false
		res.Error = "undecodable agent response: " + err.Error()
	}
}
