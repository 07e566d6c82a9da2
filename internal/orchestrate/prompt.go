package orchestrate

import (
	"github.com/vnmchuo/ai-orchestrator/internal/compress"
	"github.com/vnmchuo/ai-orchestrator/internal/provider"
)

// PromptBuilder turns a compressed conversation into provider messages. The
// surrounding product injects its own richer implementation; the default is
// a minimal, deterministic assembly.
type PromptBuilder interface {
	Build(comp compress.Result, currentMessage string) []provider.Message
}

type defaultPromptBuilder struct{}

func (defaultPromptBuilder) Build(comp compress.Result, currentMessage string) []provider.Message {
	var messages []provider.Message
	if comp.SummarizedHistory != "" {
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: "Context from earlier in this conversation: " + comp.SummarizedHistory,
		})
	}
	for _, m := range comp.RecentMessages {
		role := "user"
		if m.IsGeneratedReply {
			role = "assistant"
		}
		messages = append(messages, provider.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: currentMessage})
	return messages
}
