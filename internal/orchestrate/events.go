package orchestrate

// EventKind names the ordered external events one generation emits. Every
// session produces stream-start first and exactly one stream-end last.
type EventKind string

const (
	EventStreamStart    EventKind = "stream-start"
	EventReasoningStart EventKind = "reasoning-start"
	EventReasoningChunk EventKind = "reasoning-chunk"
	EventReasoningEnd   EventKind = "reasoning-end"
	EventContentStart   EventKind = "content-start"
	EventStreamChunk    EventKind = "stream-chunk"
	EventStreamEnd      EventKind = "stream-end"
	EventError          EventKind = "error"
	// EventFallback tells the caller the premium retry path engaged and
	// which model now serves the request.
	EventFallback EventKind = "fallback"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Event struct {
	Kind     EventKind `json:"kind"`
	ThreadID string    `json:"thread_id"`

	// stream-chunk
	Delta string `json:"delta,omitempty"`

	// reasoning-chunk carries the reasoning accumulated so far;
	// reasoning-end and stream-end carry the final reasoning.
	CumulativeReasoning string `json:"cumulative_reasoning,omitempty"`
	Reasoning           string `json:"reasoning,omitempty"`

	// stream-end
	Text      string `json:"text,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     bool   `json:"error,omitempty"`

	// error / fallback detail
	Message string `json:"message,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

// TruncationMarker is appended exactly once when a size cap cuts output
// short.
const TruncationMarker = "\n[output truncated]"

// ResourceBudget bounds how much upstream output a single session may
// accumulate. Passed in at construction; there is no global state.
type ResourceBudget struct {
	MaxResponseBytes  int
	MaxReasoningBytes int
}

func DefaultBudget() ResourceBudget {
	return ResourceBudget{
		MaxResponseBytes:  500000,
		MaxReasoningBytes: 100000,
	}
}
