package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"imovelbot/internal/agents"
	"imovelbot/internal/faults"
	"imovelbot/internal/llm"
	"imovelbot/internal/observability"
)

// Context keys the worker seeds before running a workflow.
const (
	CtxMessageText = "message_text"
	CtxMessageKind = "message_kind"
	CtxMediaURL    = "media_url"
	CtxMediaMime   = "media_mime"
	CtxPushName    = "push_name"

	// ResultNextWorkflow tells the worker to chain into a second
	// workflow after this one completes (set by audio routing).
	ResultNextWorkflow = "next_workflow"
)

const fallbackReply = "Desculpe, tive um problema para processar sua mensagem. Pode tentar novamente em instantes?"

// Builder wires the built-in workflow graphs against the model client
// and the agent dispatcher.
type Builder struct {
	LLM    llm.Client
	Agents *agents.Dispatcher
	Logger *zap.Logger
}

// RegisterAll compiles and registers the five built-in workflows.
func (b *Builder) RegisterAll(r *Registry) error {
	builders := []func() (*Definition, error){
		b.AudioProcessing,
		b.PropertySearch,
		b.Greeting,
		b.QuestionAnswering,
		b.GeneralConversation,
	}
	for _, build := range builders {
		def, err := build()
		if err != nil {
			return err
		}
		r.Register(def)
	}
	return nil
}

func ctxString(state State, key string) string {
	if v, ok := state.Context[key].(string); ok {
		return v
	}
	return ""
}

// AudioProcessing transcribes a voice note and decides which textual
// workflow should handle the transcript. The worker chains into that
// workflow when ResultNextWorkflow is set.
func (b *Builder) AudioProcessing() (*Definition, error) {
	transcribe := func(ctx context.Context, state State) (State, error) {
		mediaURL := ctxString(state, CtxMediaURL)
		if mediaURL == "" {
			return state, faults.Validation("audio message carries no media url")
		}
		corr := observability.CorrelationFrom(ctx)
		resp, res := b.Agents.TranscribeURL(ctx, corr, agents.TranscribeRequest{
			AudioURL: mediaURL,
			MimeType: ctxString(state, CtxMediaMime),
		})
		if !res.Success {
			return state, faults.External(nil, "transcription failed: %s", res.Error)
		}
		if strings.TrimSpace(resp.Text) == "" {
			return state, faults.BusinessRule("transcription produced empty text")
		}
		state.Context[CtxMessageText] = resp.Text
		state.Results["transcribe"] = resp.Text
		state.AddMessage(llm.User(resp.Text))
		return state, nil
	}

	route := func(_ context.Context, state State) (State, error) {
		text := ctxString(state, CtxMessageText)
		next := RouteText(text)
		if next == WorkflowAudioProcessing {
			next = WorkflowGeneralConversation
		}
		state.Results["route"] = next
		state.Results[ResultNextWorkflow] = next
		return state, nil
	}

	return Build(WorkflowAudioProcessing, "transcribe",
		[]Node{{Name: "transcribe", Handler: transcribe}, {Name: "route", Handler: route}},
		[]Edge{{From: "transcribe", To: "route"}})
}

// PropertySearch extracts search criteria from the message, queries the
// listing corpus and formats a numbered top-5 reply.
func (b *Builder) PropertySearch() (*Definition, error) {
	extract := func(ctx context.Context, state State) (State, error) {
		text := ctxString(state, CtxMessageText)
		criteria := b.extractCriteria(ctx, text)
		state.Results["extract_criteria"] = criteria
		state.Context["criteria"] = criteria
		return state, nil
	}

	search := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		resp, res := b.Agents.Search(ctx, corr, agents.WebSearchRequest{
			Query:      ctxString(state, CtxMessageText),
			Criteria:   asFilterMap(state.Context["criteria"]),
			MaxResults: 5,
		})
		if !res.Success {
			return state, faults.External(nil, "property lookup failed: %s", res.Error)
		}
		listings := resp.Properties
		if len(listings) == 0 {
			listings = resp.Results
		}
		props := decodeProperties(listings)
		state.Results["search_properties"] = props
		return state, nil
	}

	format := func(_ context.Context, state State) (State, error) {
		props, _ := state.Results["search_properties"].([]Property)
		reply := FormatListings(props)
		state.Results["format_reply"] = reply
		state.SetReply(reply)
		return state, nil
	}

	return Build(WorkflowPropertySearch, "extract_criteria",
		[]Node{
			{Name: "extract_criteria", Handler: extract},
			{Name: "search_properties", Handler: search},
			{Name: "format_reply", Handler: format},
		},
		[]Edge{
			{From: "extract_criteria", To: "search_properties"},
			{From: "search_properties", To: "format_reply"},
		})
}

// extractCriteria asks the model for structured criteria and falls back
// to an empty set when the answer is not valid JSON.
func (b *Builder) extractCriteria(ctx context.Context, text string) map[string]interface{} {
	completion, err := b.LLM.Chat(ctx, []llm.Message{
		llm.System("Extraia critérios de busca de imóveis da mensagem. Responda somente um objeto JSON com as chaves opcionais: tipo, bairro, cidade, quartos, banheiros, preco_max, finalidade (comprar|alugar)."),
		llm.User(text),
	}, llm.Options{Temperature: 0, MaxTokens: 200})
	if err != nil {
		b.Logger.Debug("criteria extraction failed, using empty criteria", zap.Error(err))
		return map[string]interface{}{}
	}
	raw := strings.TrimSpace(completion.Content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	var criteria map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &criteria); err != nil || criteria == nil {
		return map[string]interface{}{}
	}
	return criteria
}

func asFilterMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) > 0 {
		return m
	}
	return nil
}

// Greeting fetches what is remembered about the user, composes a warm
// or cold greeting and stores the exchange.
func (b *Builder) Greeting() (*Definition, error) {
	fetch := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		resp, res := b.Agents.GetUserContext(ctx, corr, agents.MemoryContextRequest{
			ConversationKey: state.ConversationKey,
		})
		if res.Success {
			state.Results["fetch_context"] = resp
			state.Context["user_context"] = resp
		}
		// an unreachable memory agent downgrades to a cold greeting
		return state, nil
	}

	compose := func(_ context.Context, state State) (State, error) {
		var reply string
		if uc, ok := state.Context["user_context"].(agents.MemoryContextResponse); ok && uc.KnownUser {
			name := uc.UserName
			if name == "" {
				name = ctxString(state, CtxPushName)
			}
			if name != "" {
				reply = fmt.Sprintf("Olá, %s! Que bom te ver de novo. Como posso ajudar na sua busca por imóveis hoje?", name)
			} else {
				reply = "Olá! Que bom te ver de novo. Como posso ajudar na sua busca por imóveis hoje?"
			}
		} else {
			reply = "Olá! Sou o assistente imobiliário. Posso ajudar você a encontrar casas e apartamentos para comprar ou alugar. O que você procura?"
		}
		state.Results["compose_greeting"] = reply
		state.SetReply(reply)
		return state, nil
	}

	store := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		res := b.Agents.Store(ctx, corr, agents.MemoryStoreRequest{
			ConversationKey: state.ConversationKey,
			Content:         "assistant greeted: " + state.Reply(),
			Kind:            "greeting",
			Importance:      0.3,
		})
		if !res.Success {
			b.Logger.Debug("greeting memory store failed", zap.String("error", res.Error))
		}
		state.Results["store_greeting"] = res.Success
		return state, nil
	}

	return Build(WorkflowGreeting, "fetch_context",
		[]Node{
			{Name: "fetch_context", Handler: fetch},
			{Name: "compose_greeting", Handler: compose},
			{Name: "store_greeting", Handler: store},
		},
		[]Edge{
			{From: "fetch_context", To: "compose_greeting"},
			{From: "compose_greeting", To: "store_greeting"},
		})
}

// QuestionAnswering consults memory and the listing corpus in parallel,
// then answers from the retrieved context.
func (b *Builder) QuestionAnswering() (*Definition, error) {
	searchMemory := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		resp, res := b.Agents.SearchMemories(ctx, corr, agents.MemorySearchRequest{
			ConversationKey: state.ConversationKey,
			Query:           ctxString(state, CtxMessageText),
			Limit:           5,
		})
		if res.Success {
			state.Results["search_memory"] = resp
		}
		return state, nil
	}

	queryKnowledge := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		resp, res := b.Agents.Query(ctx, corr, agents.RAGQueryRequest{
			Query:           ctxString(state, CtxMessageText),
			ConversationKey: state.ConversationKey,
			TopK:            5,
		})
		if res.Success {
			state.Results["query_knowledge"] = resp
		}
		return state, nil
	}

	compose := func(ctx context.Context, state State) (State, error) {
		question := ctxString(state, CtxMessageText)
		rag, _ := state.Results["query_knowledge"].(agents.RAGQueryResponse)
		if strings.TrimSpace(rag.GeneratedResponse) != "" {
			reply := appendSources(rag.GeneratedResponse, rag)
			state.Results["compose_answer"] = reply
			state.SetReply(reply)
			return state, nil
		}

		var contextParts []string
		if mem, ok := state.Results["search_memory"].(agents.MemorySearchResponse); ok {
			for _, m := range mem.Memories {
				contextParts = append(contextParts, m.Content)
			}
		}
		for _, d := range rag.Documents {
			contextParts = append(contextParts, d.Content)
		}

		completion, err := b.LLM.Chat(ctx, []llm.Message{
			llm.System("Você é um assistente imobiliário. Responda a pergunta do usuário usando o contexto fornecido. Se o contexto não ajudar, diga o que sabe de forma honesta e breve.\n\nContexto:\n" + strings.Join(contextParts, "\n---\n")),
			llm.User(question),
		}, llm.Options{Temperature: 0.3, MaxTokens: 400})
		if err != nil {
			return state, err
		}
		reply := appendSources(completion.Content, rag)
		state.Results["compose_answer"] = reply
		state.SetReply(reply)
		return state, nil
	}

	store := func(ctx context.Context, state State) (State, error) {
		corr := observability.CorrelationFrom(ctx)
		res := b.Agents.Store(ctx, corr, agents.MemoryStoreRequest{
			ConversationKey: state.ConversationKey,
			Content:         fmt.Sprintf("Q: %s\nA: %s", ctxString(state, CtxMessageText), state.Reply()),
			Kind:            "qa",
			Importance:      0.6,
		})
		if !res.Success {
			b.Logger.Debug("qa memory store failed", zap.String("error", res.Error))
		}
		state.Results["store_answer"] = res.Success
		return state, nil
	}

	return Build(WorkflowQuestionAnswering, "search_memory",
		[]Node{
			{Name: "search_memory", Handler: searchMemory},
			{Name: "query_knowledge", Handler: queryKnowledge},
			{Name: "compose_answer", Handler: compose},
			{Name: "store_answer", Handler: store},
		},
		[]Edge{
			{From: "search_memory", To: "compose_answer"},
			{From: "query_knowledge", To: "compose_answer"},
			{From: "compose_answer", To: "store_answer"},
		})
}

func appendSources(answer string, rag agents.RAGQueryResponse) string {
	var sources []string
	seen := map[string]bool{}
	for _, d := range rag.Documents {
		if d.Source != "" && !seen[d.Source] {
			seen[d.Source] = true
			sources = append(sources, d.Source)
		}
	}
	if len(sources) == 0 {
		return answer
	}
	return answer + "\n\nFontes: " + strings.Join(sources, ", ")
}

// GeneralConversation is the bounded catch-all chat, framed to the
// real-estate domain with a safe canned fallback.
func (b *Builder) GeneralConversation() (*Definition, error) {
	respond := func(ctx context.Context, state State) (State, error) {
		completion, err := b.LLM.Chat(ctx, []llm.Message{
			llm.System("Você é um assistente imobiliário brasileiro, simpático e objetivo. Mantenha a conversa no tema de imóveis sempre que possível e responda em no máximo três frases."),
			llm.User(ctxString(state, CtxMessageText)),
		}, llm.Options{Temperature: 0.7, MaxTokens: 300})
		if err != nil {
			b.Logger.Warn("general conversation model call failed, using fallback", zap.Error(err))
			state.Results["respond"] = fallbackReply
			state.SetReply(fallbackReply)
			return state, nil
		}
		reply := strings.TrimSpace(completion.Content)
		if reply == "" {
			reply = fallbackReply
		}
		state.Results["respond"] = reply
		state.SetReply(reply)
		return state, nil
	}

	return Build(WorkflowGeneralConversation, "respond",
		[]Node{{Name: "respond", Handler: respond}}, nil)
}
