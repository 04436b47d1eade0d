package workflow

import (
	"strings"

	"imovelbot/internal/event"
)

const (
	WorkflowAudioProcessing     = "audio_processing"
	WorkflowPropertySearch      = "property_search"
	WorkflowGreeting            = "greeting"
	WorkflowQuestionAnswering   = "question_answering"
	WorkflowGeneralConversation = "general_conversation"
)

var greetingWords = []string{
	"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite", "hey", "hello", "e aí", "eai",
}

var propertyWords = []string{
	"casa", "apartamento", "apê", "ape", "imóvel", "imovel", "imóveis", "imoveis",
	"alugar", "aluguel", "comprar", "quarto", "quartos", "terreno", "kitnet", "cobertura",
}

var questionStarters = []string{
	"como", "qual", "quais", "quanto", "quanta", "onde", "quando", "por que", "porque", "o que",
}

// Route picks the workflow for an inbound message. Voice and audio
// always go through transcription first; text is classified by keyword.
func Route(kind event.Kind, text string) string {
	if kind == event.KindAudio || kind == event.KindVoice {
		return WorkflowAudioProcessing
	}
	return RouteText(text)
}

// RouteText classifies already-textual content, including transcripts.
func RouteText(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return WorkflowGeneralConversation
	}
	for _, w := range greetingWords {
		if normalized == w || strings.HasPrefix(normalized, w+" ") || strings.HasPrefix(normalized, w+"!") {
			return WorkflowGreeting
		}
	}
	for _, w := range propertyWords {
		if strings.Contains(normalized, w) {
			return WorkflowPropertySearch
		}
	}
	if strings.Contains(normalized, "?") {
		return WorkflowQuestionAnswering
	}
	for _, w := range questionStarters {
		if strings.HasPrefix(normalized, w+" ") {
			return WorkflowQuestionAnswering
		}
	}
	return WorkflowGeneralConversation
}
