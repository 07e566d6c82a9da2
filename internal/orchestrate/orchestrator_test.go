package orchestrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vnmchuo/ai-orchestrator/internal/adapter"
	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
	"github.com/vnmchuo/ai-orchestrator/internal/chat"
	"github.com/vnmchuo/ai-orchestrator/internal/compress"
	"github.com/vnmchuo/ai-orchestrator/internal/persist"
	"github.com/vnmchuo/ai-orchestrator/internal/provider"
	"github.com/vnmchuo/ai-orchestrator/internal/routing"
)

// scriptedProvider replays a fixed delta sequence and records the request it
// was given.
type scriptedProvider struct {
	name   string
	deltas []*provider.Delta
	genErr error
	// hang keeps the stream open after the scripted deltas until the
	// context is cancelled, without ever sending a terminal delta.
	hang bool

	mu      sync.Mutex
	lastReq *provider.Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, req *provider.Request) (<-chan *provider.Delta, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()

	if p.genErr != nil {
		return nil, p.genErr
	}

	ch := make(chan *provider.Delta)
	go func() {
		defer close(ch)
		for _, d := range p.deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) request() *provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type captureSink struct {
	mu   sync.Mutex
	msgs []*persist.Message
}

func (s *captureSink) Enqueue(msg *persist.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSink) all() []*persist.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*persist.Message(nil), s.msgs...)
}

func newTestEngine(providers map[adapter.Family]provider.Provider, sink persist.Sink, budget ResourceBudget) *Engine {
	cat := catalog.New()
	return New(Config{
		Catalog:    cat,
		Compressor: compress.New(),
		Router:     routing.New(cat, 1),
		Adapter:    adapter.New(cat),
		Providers:  providers,
		Sink:       sink,
		Budget:     budget,
	})
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertKinds(t *testing.T, events []Event, want []EventKind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

func chunkText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventStreamChunk {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestPlainContentStream(t *testing.T) {
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "Hello, "},
			{Kind: provider.DeltaText, Text: "world."},
			{Kind: provider.DeltaDone, Usage: &provider.Usage{PromptTokens: 12, CompletionTokens: 5}},
		},
	}
	sink := &captureSink{}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyOpenAI: openai}, sink, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:         "t1",
		CurrentMessage:   "say hello",
		Tier:             catalog.TierPremium,
		RequestedModelID: "gpt-4o",
	}))

	assertKinds(t, events, []EventKind{
		EventStreamStart, EventContentStart, EventStreamChunk, EventStreamChunk, EventStreamEnd,
	})

	end := lastEvent(t, events)
	if end.Text != "Hello, world." {
		t.Errorf("final text = %q, want %q", end.Text, "Hello, world.")
	}
	if end.Truncated || end.Error {
		t.Errorf("unexpected truncated/error flags on %+v", end)
	}
	if end.Usage == nil || end.Usage.PromptTokens != 12 || end.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v, want 12/5", end.Usage)
	}
	if got := chunkText(events); got != end.Text {
		t.Errorf("reassembled chunks = %q, final text = %q", got, end.Text)
	}

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(msgs))
	}
	if msgs[0].ThreadID != "t1" || !msgs[0].IsGeneratedReply || msgs[0].Content != "Hello, world." {
		t.Errorf("persisted message = %+v", msgs[0])
	}

	req := openai.request()
	if req.Model != "gpt-4o" {
		t.Errorf("provider model = %q, want gpt-4o", req.Model)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "say hello" {
		t.Errorf("final prompt message = %+v", last)
	}
}

func TestSideChannelReasoningOrdering(t *testing.T) {
	anthropic := &scriptedProvider{
		name: "anthropic",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaReasoning, Reasoning: "Let me "},
			{Kind: provider.DeltaReasoning, Reasoning: "work this out."},
			{Kind: provider.DeltaText, Text: "The answer is 4."},
			{Kind: provider.DeltaUsage, Usage: &provider.Usage{PromptTokens: 40}},
			{Kind: provider.DeltaDone, Usage: &provider.Usage{CompletionTokens: 20}},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyAnthropic: anthropic}, nil, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:       "t2",
		CurrentMessage: "what is 2+2, carefully",
		Tier:           catalog.TierPremium,
		ReasoningMode:  true,
	}))

	assertKinds(t, events, []EventKind{
		EventStreamStart,
		EventReasoningStart, EventReasoningChunk, EventReasoningChunk, EventReasoningEnd,
		EventContentStart, EventStreamChunk,
		EventStreamEnd,
	})

	if events[2].CumulativeReasoning != "Let me " {
		t.Errorf("first reasoning chunk = %q", events[2].CumulativeReasoning)
	}
	if events[3].CumulativeReasoning != "Let me work this out." {
		t.Errorf("second reasoning chunk = %q", events[3].CumulativeReasoning)
	}
	if events[4].Reasoning != "Let me work this out." {
		t.Errorf("reasoning-end = %q", events[4].Reasoning)
	}

	end := lastEvent(t, events)
	if end.Reasoning != "Let me work this out." || end.Text != "The answer is 4." {
		t.Errorf("stream-end = %+v", end)
	}
	if end.Usage == nil || end.Usage.PromptTokens != 40 || end.Usage.CompletionTokens != 20 {
		t.Errorf("usage = %+v, want 40/20", end.Usage)
	}

	// The premium reasoning route should enable extended thinking upstream.
	req := anthropic.request()
	if req.Model != catalog.TopReasoningModel {
		t.Errorf("provider model = %q, want %q", req.Model, catalog.TopReasoningModel)
	}
	if !req.Thinking || req.ThinkingBudget == 0 {
		t.Errorf("thinking not enabled: %+v", req)
	}
}

func TestInlineReasoningSplitMarkers(t *testing.T) {
	deepseek := &scriptedProvider{
		name: "deepseek",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "<thi"},
			{Kind: provider.DeltaText, Text: "nk>step one"},
			{Kind: provider.DeltaText, Text: "</think>The answer"},
			{Kind: provider.DeltaText, Text: " is 42."},
			{Kind: provider.DeltaDone},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyDeepSeek: deepseek}, nil, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:       "t3",
		CurrentMessage: "solve it step by step",
		Tier:           catalog.TierBasic,
		ReasoningMode:  true,
	}))

	end := lastEvent(t, events)
	if end.Kind != EventStreamEnd {
		t.Fatalf("last event = %s, want stream-end", end.Kind)
	}
	if end.Text != "The answer is 42." {
		t.Errorf("final text = %q", end.Text)
	}
	if end.Reasoning != "step one" {
		t.Errorf("final reasoning = %q", end.Reasoning)
	}
	for _, ev := range events {
		if strings.Contains(ev.Delta, "<think>") || strings.Contains(ev.Delta, "</think>") {
			t.Errorf("delimiter leaked into chunk %q", ev.Delta)
		}
	}
	if got := chunkText(events); got != end.Text {
		t.Errorf("reassembled chunks = %q, final text = %q", got, end.Text)
	}

	var order []EventKind
	for _, ev := range events {
		if ev.Kind == EventReasoningEnd || ev.Kind == EventContentStart {
			order = append(order, ev.Kind)
		}
	}
	if len(order) != 2 || order[0] != EventReasoningEnd || order[1] != EventContentStart {
		t.Errorf("reasoning-end must precede content-start, got %v", order)
	}
}

func TestInlineReasoningUnterminatedBlock(t *testing.T) {
	deepseek := &scriptedProvider{
		name: "deepseek",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "<think>still going and the stream just stops"},
			{Kind: provider.DeltaDone},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyDeepSeek: deepseek}, nil, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:       "t4",
		CurrentMessage: "reason about this",
		Tier:           catalog.TierFree,
		ReasoningMode:  true,
	}))

	end := lastEvent(t, events)
	if end.Text != "" {
		t.Errorf("final text = %q, want empty", end.Text)
	}
	if end.Reasoning != "still going and the stream just stops" {
		t.Errorf("final reasoning = %q", end.Reasoning)
	}
	// Even with no content, the terminal must still be preceded by a
	// content-start so downstream consumers see a complete sequence.
	assertKinds(t, events, []EventKind{
		EventStreamStart, EventReasoningStart, EventReasoningChunk, EventReasoningEnd,
		EventContentStart, EventStreamEnd,
	})
}

func TestTokenCountReasoningPlaceholder(t *testing.T) {
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "Proof complete."},
			{Kind: provider.DeltaDone, Usage: &provider.Usage{PromptTokens: 100, CompletionTokens: 50, ReasoningTokens: 320}},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyOpenAI: openai}, nil, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:         "t5",
		CurrentMessage:   "prove it",
		Tier:             catalog.TierPremium,
		RequestedModelID: "o1",
	}))

	assertKinds(t, events, []EventKind{
		EventStreamStart, EventContentStart, EventStreamChunk,
		EventReasoningStart, EventReasoningChunk, EventReasoningEnd,
		EventStreamEnd,
	})

	end := lastEvent(t, events)
	if !strings.Contains(end.Reasoning, "320") {
		t.Errorf("placeholder should carry the token count, got %q", end.Reasoning)
	}
	if end.Text != "Proof complete." {
		t.Errorf("final text = %q", end.Text)
	}
}

func TestResponseCapTruncatesOnce(t *testing.T) {
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "0123456789ABCDEF"},
			{Kind: provider.DeltaText, Text: "this arrives after the cap and must be dropped"},
			{Kind: provider.DeltaDone},
		},
	}
	engine := newTestEngine(
		map[adapter.Family]provider.Provider{adapter.FamilyOpenAI: openai},
		nil,
		ResourceBudget{MaxResponseBytes: 10, MaxReasoningBytes: 1000},
	)

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:         "t6",
		CurrentMessage:   "go long",
		Tier:             catalog.TierPremium,
		RequestedModelID: "gpt-4o",
	}))

	end := lastEvent(t, events)
	if !end.Truncated {
		t.Fatal("truncated flag not set")
	}
	want := "0123456789" + TruncationMarker
	if end.Text != want {
		t.Errorf("final text = %q, want %q", end.Text, want)
	}
	streamed := chunkText(events)
	if streamed != want {
		t.Errorf("streamed chunks = %q, want %q", streamed, want)
	}
	if n := strings.Count(streamed, TruncationMarker); n != 1 {
		t.Errorf("truncation marker appeared %d times, want exactly 1", n)
	}
}

func TestPremiumFallbackRetry(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", genErr: errors.New("upstream 529")}
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "fallback answer"},
			{Kind: provider.DeltaDone},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{
		adapter.FamilyAnthropic: anthropic,
		adapter.FamilyOpenAI:    openai,
	}, nil, DefaultBudget())

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:         "t7",
		CurrentMessage:   "hello",
		Tier:             catalog.TierPremium,
		RequestedModelID: "claude-3-5-sonnet",
	}))

	assertKinds(t, events, []EventKind{
		EventStreamStart, EventFallback, EventContentStart, EventStreamChunk, EventStreamEnd,
	})
	if events[1].ModelID != catalog.PremiumFallbackModel {
		t.Errorf("fallback model = %q, want %q", events[1].ModelID, catalog.PremiumFallbackModel)
	}
	end := lastEvent(t, events)
	if end.Error || end.Text != "fallback answer" {
		t.Errorf("stream-end = %+v", end)
	}
	if req := openai.request(); req.Model != catalog.PremiumFallbackModel {
		t.Errorf("retry hit model %q, want %q", req.Model, catalog.PremiumFallbackModel)
	}
}

func TestNonPremiumFailsWithoutRetry(t *testing.T) {
	deepseek := &scriptedProvider{
		name: "deepseek",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "par"},
			{Kind: provider.DeltaError, Err: errors.New("upstream reset")},
		},
	}
	sink := &captureSink{}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyDeepSeek: deepseek}, sink, DefaultBudget())

	// A code-fenced prompt routes to the coding model, which lives in the
	// deepseek family.
	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:       "t8",
		CurrentMessage: "fix this:\n```go\nfunc main() {}\n```",
		Tier:           catalog.TierFree,
	}))

	end := lastEvent(t, events)
	if end.Kind != EventStreamEnd || !end.Error {
		t.Fatalf("last event = %+v, want errored stream-end", end)
	}
	if end.Message != userFacingErrorMessage {
		t.Errorf("user message = %q", end.Message)
	}
	for _, ev := range events {
		if ev.Kind == EventFallback {
			t.Error("free tier must not retry on a fallback model")
		}
	}
	var sawError bool
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
			if ev.Message != userFacingErrorMessage {
				t.Errorf("error event message = %q", ev.Message)
			}
		}
	}
	if !sawError {
		t.Error("no error event before the terminal")
	}
	if len(sink.all()) != 0 {
		t.Error("failed generation must not be persisted")
	}
}

func TestCallerCancellationAbortsStream(t *testing.T) {
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "partial"},
		},
		hang: true,
	}
	sink := &captureSink{}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyOpenAI: openai}, sink, DefaultBudget())

	ctx, cancel := context.WithCancel(context.Background())
	ch := engine.Respond(ctx, &Request{
		ThreadID:         "t9",
		CurrentMessage:   "hello",
		Tier:             catalog.TierPremium,
		RequestedModelID: "gpt-4o",
	})

	// Drain up to the first content chunk, then walk away.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before first chunk")
			}
			if ev.Kind == EventStreamChunk {
				cancel()
				goto drained
			}
		case <-deadline:
			t.Fatal("timed out waiting for first chunk")
		}
	}
drained:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if len(sink.all()) != 0 {
					t.Error("cancelled generation must not be persisted")
				}
				return
			}
			if ev.Kind == EventStreamEnd {
				t.Error("cancelled stream must not emit a terminal event")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestHistoryCompressedIntoPrompt(t *testing.T) {
	openai := &scriptedProvider{
		name: "openai",
		deltas: []*provider.Delta{
			{Kind: provider.DeltaText, Text: "ok"},
			{Kind: provider.DeltaDone},
		},
	}
	engine := newTestEngine(map[adapter.Family]provider.Provider{adapter.FamilyOpenAI: openai}, nil, DefaultBudget())

	// 50 messages of ~6k tokens each blow well past the premium 128k-token
	// window, so the prompt must arrive summarized rather than verbatim.
	long := strings.Repeat("database migration planning discussion ", 600)
	history := make([]chat.Message, 50)
	for i := range history {
		history[i] = chat.Message{AuthorLabel: "user", Content: long}
	}

	events := collect(t, engine.Respond(context.Background(), &Request{
		ThreadID:         "t10",
		ChatHistory:      history,
		CurrentMessage:   "summarise where we landed",
		Tier:             catalog.TierPremium,
		RequestedModelID: "gpt-4o",
	}))
	if lastEvent(t, events).Kind != EventStreamEnd {
		t.Fatal("stream did not finish")
	}

	req := openai.request()
	if len(req.Messages) >= len(history)+1 {
		t.Fatalf("prompt carries %d messages for a %d-message history, compression never ran", len(req.Messages), len(history))
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "Summary of") {
		t.Errorf("first prompt message should carry the history summary, got %+v", req.Messages[0])
	}
}
