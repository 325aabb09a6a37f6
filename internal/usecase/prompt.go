package usecase

import (
	"strings"

	"streamchat/internal/domain"
)

const (
	defaultSystemPrompt   = "You are a helpful assistant."
	defaultContinuePrompt = "Continue the unfinished answer."
)

type promptInput struct {
	systemPrompt   string
	continuePrompt string
	history        []domain.Message
	maxContext     int
	userInput      string
	// partial is the assistant content generated so far for this turn.
	partial      string
	continuation bool
}

// buildPromptMessages assembles the provider prompt. A continuation prompt
// puts the continue instruction first and replays the partial answer last so
// the model extends it instead of starting over.
func buildPromptMessages(p promptInput) []domain.ChatMessage {
	var messages []domain.ChatMessage
	if p.continuation {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p.continuePrompt})
	}
	if strings.TrimSpace(p.systemPrompt) != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p.systemPrompt})
	}

	for _, m := range recentHistory(p.history, p.maxContext) {
		messages = append(messages, domain.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	messages = append(messages, domain.ChatMessage{Role: string(domain.RoleUser), Content: p.userInput})
	if p.continuation && p.partial != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleAssistant), Content: p.partial})
	}
	return messages
}

// recentHistory keeps completed, non-blank user and assistant messages and
// returns at most the last limit of them.
func recentHistory(history []domain.Message, limit int) []domain.Message {
	kept := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if !replayable(m) {
			continue
		}
		kept = append(kept, m)
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}

func replayable(m domain.Message) bool {
	if m.IsStreaming || strings.TrimSpace(m.Content) == "" {
		return false
	}
	return m.Role == domain.RoleUser || m.Role == domain.RoleAssistant
}

// priorHistory returns the messages that precede the turn whose assistant
// placeholder sits at index idx, dropping the turn's own user message.
func priorHistory(history []domain.Message, idx int) []domain.Message {
	end := idx
	if end > 0 && history[end-1].Role == domain.RoleUser {
		end--
	}
	return history[:end]
}
