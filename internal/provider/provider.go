package provider

import (
	"context"
)

// DeltaKind is the closed set of things an upstream stream can hand us.
// Providers decode their wire format into this union once, at the boundary;
// everything downstream switches on Kind instead of probing fields.
type DeltaKind int

const (
	// DeltaText carries a fragment of answer content.
	DeltaText DeltaKind = iota
	// DeltaReasoning carries a fragment of side-channel reasoning content.
	DeltaReasoning
	// DeltaUsage carries token accounting, typically mid-stream.
	DeltaUsage
	// DeltaError terminates the stream with an upstream failure.
	DeltaError
	// DeltaDone terminates the stream normally; may carry final usage.
	DeltaDone
	// DeltaOther is a decoded-but-ignored event kind.
	DeltaOther
)

// Usage mirrors the provider's token accounting. ReasoningTokens is only
// populated by providers that report reasoning as a count with no content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

type Delta struct {
	Kind      DeltaKind
	Text      string
	Reasoning string
	Usage     *Usage
	Err       error
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Thinking asks providers with an extended-thinking option to enable it.
	Thinking       bool
	ThinkingBudget int
	// Metadata for tracing
	TenantID  string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Provider streams one generation as a channel of canonical deltas. The
// channel is closed after a DeltaDone or DeltaError is sent. Cancelling ctx
// aborts the upstream request and closes the channel promptly.
type Provider interface {
	Generate(ctx context.Context, req *Request) (<-chan *Delta, error)
	Name() string
}
