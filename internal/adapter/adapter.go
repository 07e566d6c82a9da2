package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
)

// Family identifies which upstream client serves a model.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
	FamilyDeepSeek  Family = "deepseek"
)

// ReasoningMode describes how a provider family surfaces "the model is
// thinking" content on the wire.
type ReasoningMode int

const (
	// ReasoningNone: the model emits no reasoning at all.
	ReasoningNone ReasoningMode = iota
	// ReasoningInline: reasoning arrives as a <think>...</think> block
	// embedded in the normal text stream; markers can split across chunks.
	ReasoningInline
	// ReasoningSideChannel: the provider emits a distinct delta kind
	// carrying only reasoning content.
	ReasoningSideChannel
	// ReasoningTokenCount: the provider reports a reasoning token count in
	// terminal metadata but never the content itself.
	ReasoningTokenCount
)

// Inline reasoning delimiters used by the deepseek/qwen family.
const (
	InlineStartMarker = "<think>"
	InlineEndMarker   = "</think>"
)

// InvokeConfig is everything the orchestrator needs to drive one model:
// which client to use, how to interpret its reasoning, and hard limits.
type InvokeConfig struct {
	ModelID        string
	Family         Family
	ReasoningMode  ReasoningMode
	Timeout        time.Duration
	MaxTokens      int
	Thinking       bool
	ThinkingBudget int
}

// Per-family wall-clock timeouts. Reasoning-heavy families get more room.
var familyTimeouts = map[Family]time.Duration{
	FamilyOpenAI:    120 * time.Second,
	FamilyAnthropic: 180 * time.Second,
	FamilyGoogle:    90 * time.Second,
	FamilyDeepSeek:  180 * time.Second,
}

type Adapter struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Adapter {
	return &Adapter{catalog: cat}
}

// Configure resolves a model id into its provider-specific invocation
// configuration. The family is inferred from the id string; the reasoning
// extraction mode follows from family plus the descriptor's capability flag.
func (a *Adapter) Configure(modelID string) (InvokeConfig, error) {
	desc, err := a.catalog.Describe(modelID)
	if err != nil {
		return InvokeConfig{}, err
	}

	family, err := FamilyOf(modelID)
	if err != nil {
		return InvokeConfig{}, err
	}

	cfg := InvokeConfig{
		ModelID:       modelID,
		Family:        family,
		ReasoningMode: ReasoningNone,
		Timeout:       familyTimeouts[family],
		MaxTokens:     4096,
	}

	if !desc.ReasoningCapable {
		return cfg, nil
	}

	switch family {
	case FamilyAnthropic:
		cfg.ReasoningMode = ReasoningSideChannel
		cfg.Thinking = true
		cfg.ThinkingBudget = 8192
		cfg.MaxTokens = 16384
	case FamilyOpenAI:
		cfg.ReasoningMode = ReasoningTokenCount
		cfg.MaxTokens = 16384
	case FamilyDeepSeek:
		cfg.ReasoningMode = ReasoningInline
		cfg.MaxTokens = 8192
	}
	return cfg, nil
}

// FamilyOf infers the provider family from the model id string.
func FamilyOf(modelID string) (Family, error) {
	switch {
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1"), strings.HasPrefix(modelID, "o3"):
		return FamilyOpenAI, nil
	case strings.HasPrefix(modelID, "claude-"):
		return FamilyAnthropic, nil
	case strings.HasPrefix(modelID, "gemini-"):
		return FamilyGoogle, nil
	case strings.HasPrefix(modelID, "deepseek-"), strings.HasPrefix(modelID, "qwen-"):
		return FamilyDeepSeek, nil
	default:
		return "", fmt.Errorf("cannot infer provider family for model %q", modelID)
	}
}

// SynthesizeReasoningPlaceholder produces the stand-in reasoning text for
// token-count-only providers. The actual reasoning is not recoverable.
func SynthesizeReasoningPlaceholder(reasoningTokens int) string {
	return fmt.Sprintf("[The model performed internal reasoning (~%d tokens). The provider does not expose its content.]", reasoningTokens)
}
