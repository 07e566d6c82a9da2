package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/ai-orchestrator/internal/adapter"
	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
	"github.com/vnmchuo/ai-orchestrator/internal/chat"
	"github.com/vnmchuo/ai-orchestrator/internal/compress"
	"github.com/vnmchuo/ai-orchestrator/internal/persist"
	"github.com/vnmchuo/ai-orchestrator/internal/provider"
	"github.com/vnmchuo/ai-orchestrator/internal/routing"
)

// userFacingErrorMessage is the only error text callers ever see; internal
// detail goes to the log.
const userFacingErrorMessage = "failed to generate a response, please retry"

var errCancelled = errors.New("request cancelled by caller")

type phase int

const (
	phaseInit phase = iota
	phaseReasoning
	phaseContent
	phaseFinished
	phaseErrored
)

// Request is one inbound generation request. ChatHistory comes from the
// membership service; Tier and CostControl from the billing side.
type Request struct {
	ThreadID         string
	TenantID         string
	RequestID        string
	CurrentMessage   string
	ChatHistory      []chat.Message
	RequestedModelID string
	ReasoningMode    bool
	Tier             catalog.Tier
	CostControl      *routing.CostControl
}

type Config struct {
	Catalog    *catalog.Catalog
	Compressor *compress.Compressor
	Router     *routing.Router
	Adapter    *adapter.Adapter
	Providers  map[adapter.Family]provider.Provider
	Sink       persist.Sink // optional; nil disables persistence
	Budget     ResourceBudget
	Prompts    PromptBuilder // optional; defaults to the minimal builder
}

// Engine owns the full pipeline for one generation request: compress the
// history, route to a model, drive the provider stream through the session
// state machine, and hand the finished message to the persistence sink.
// One Engine serves many concurrent sessions; it holds no per-request state.
type Engine struct {
	catalog    *catalog.Catalog
	compressor *compress.Compressor
	router     *routing.Router
	adapter    *adapter.Adapter
	providers  map[adapter.Family]provider.Provider
	sink       persist.Sink
	budget     ResourceBudget
	prompts    PromptBuilder
	breakers   map[adapter.Family]*gobreaker.CircuitBreaker
}

func New(cfg Config) *Engine {
	if cfg.Prompts == nil {
		cfg.Prompts = defaultPromptBuilder{}
	}
	if cfg.Budget.MaxResponseBytes == 0 {
		cfg.Budget = DefaultBudget()
	}

	breakers := make(map[adapter.Family]*gobreaker.CircuitBreaker)
	for family := range cfg.Providers {
		settings := gobreaker.Settings{
			Name:        string(family),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[family] = gobreaker.NewCircuitBreaker(settings)
	}

	return &Engine{
		catalog:    cfg.Catalog,
		compressor: cfg.Compressor,
		router:     cfg.Router,
		adapter:    cfg.Adapter,
		providers:  cfg.Providers,
		sink:       cfg.Sink,
		budget:     cfg.Budget,
		prompts:    cfg.Prompts,
		breakers:   breakers,
	}
}

// Respond runs one generation and returns its ordered event stream. The
// channel closes after the terminal event. Cancelling ctx aborts the
// upstream subscription promptly and stops emission.
func (e *Engine) Respond(ctx context.Context, req *Request) <-chan Event {
	out := make(chan Event)
	go e.run(ctx, req, out)
	return out
}

func (e *Engine) run(ctx context.Context, req *Request, out chan<- Event) {
	defer close(out)

	policy := e.catalog.PolicyFor(req.Tier)
	comp := e.compressor.Compress(req.ChatHistory, policy.ContextWindowTokens)
	signals := routing.Classify(req.CurrentMessage, req.ChatHistory)

	decision := e.router.Route(routing.Request{
		Tier:            req.Tier,
		Signals:         signals,
		ExplicitModelID: req.RequestedModelID,
		CostControl:     req.CostControl,
		ReasoningMode:   req.ReasoningMode,
	})

	if !emit(ctx, out, Event{Kind: EventStreamStart, ThreadID: req.ThreadID, ModelID: decision.ModelID}) {
		return
	}

	messages := e.prompts.Build(comp, req.CurrentMessage)

	err := e.streamOnce(ctx, req, decision.ModelID, messages, out)
	if err == nil || errors.Is(err, errCancelled) {
		return
	}
	log.Printf("[Orchestrate] provider failure (thread=%s model=%s): %v", req.ThreadID, decision.ModelID, err)

	// Premium gets exactly one retry against the fixed fallback model;
	// cheaper tiers fail fast to bound cost.
	if req.Tier == catalog.TierPremium && decision.ModelID != catalog.PremiumFallbackModel {
		if !emit(ctx, out, Event{
			Kind:     EventFallback,
			ThreadID: req.ThreadID,
			ModelID:  catalog.PremiumFallbackModel,
			Message:  "primary model unavailable, using fallback",
		}) {
			return
		}
		err = e.streamOnce(ctx, req, catalog.PremiumFallbackModel, messages, out)
		if err == nil || errors.Is(err, errCancelled) {
			return
		}
		log.Printf("[Orchestrate] fallback failure (thread=%s model=%s): %v", req.ThreadID, catalog.PremiumFallbackModel, err)
	}

	if !emit(ctx, out, Event{Kind: EventError, ThreadID: req.ThreadID, Message: userFacingErrorMessage}) {
		return
	}
	emit(ctx, out, Event{
		Kind:     EventStreamEnd,
		ThreadID: req.ThreadID,
		Error:    true,
		Message:  userFacingErrorMessage,
	})
}

// session is the per-generation state machine. Owned by exactly one run;
// never shared.
type session struct {
	threadID string
	phase    phase

	content   strings.Builder
	reasoning strings.Builder

	contentStarted   bool
	contentClosed    bool
	contentTruncated bool

	reasoningStarted   bool
	reasoningEnded     bool
	reasoningClosed    bool
	reasoningTruncated bool

	promptTokens     int
	completionTokens int
	reasoningTokens  int
}

func (s *session) mergeUsage(u *provider.Usage) {
	if u == nil {
		return
	}
	if u.PromptTokens > 0 {
		s.promptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		s.completionTokens = u.CompletionTokens
	}
	if u.ReasoningTokens > 0 {
		s.reasoningTokens = u.ReasoningTokens
	}
}

func (e *Engine) streamOnce(ctx context.Context, req *Request, modelID string, messages []provider.Message, out chan<- Event) error {
	cfg, err := e.adapter.Configure(modelID)
	if err != nil {
		return fmt.Errorf("configure model %s: %w", modelID, err)
	}

	prov, ok := e.providers[cfg.Family]
	if !ok {
		return fmt.Errorf("no provider registered for family %s", cfg.Family)
	}

	cb := e.breakers[cfg.Family]
	if cb != nil && cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("circuit breaker open for provider family %s", cfg.Family)
	}

	streamCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ch, err := prov.Generate(streamCtx, &provider.Request{
		Model:          modelID,
		Messages:       messages,
		MaxTokens:      cfg.MaxTokens,
		Thinking:       cfg.Thinking,
		ThinkingBudget: cfg.ThinkingBudget,
		TenantID:       req.TenantID,
		RequestID:      req.RequestID,
	})
	if err != nil {
		e.recordFailure(cb, err)
		return err
	}

	sess := &session{threadID: req.ThreadID}
	var scanner adapter.InlineScanner

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return errCancelled
				}
				err := fmt.Errorf("provider stream closed without terminal delta")
				e.recordFailure(cb, err)
				return err
			}

			switch d.Kind {
			case provider.DeltaText:
				if cfg.ReasoningMode == adapter.ReasoningInline {
					content, reasoning := scanner.Scan(d.Text)
					if reasoning != "" {
						if !e.onReasoning(ctx, sess, reasoning, out) {
							return errCancelled
						}
					}
					if content != "" {
						if !e.onContent(ctx, sess, content, out) {
							return errCancelled
						}
					}
				} else if d.Text != "" {
					if !e.onContent(ctx, sess, d.Text, out) {
						return errCancelled
					}
				}

			case provider.DeltaReasoning:
				if !e.onReasoning(ctx, sess, d.Reasoning, out) {
					return errCancelled
				}

			case provider.DeltaUsage:
				sess.mergeUsage(d.Usage)

			case provider.DeltaError:
				sess.phase = phaseErrored
				e.recordFailure(cb, d.Err)
				return d.Err

			case provider.DeltaDone:
				sess.mergeUsage(d.Usage)
				e.recordSuccess(cb)
				return e.finish(ctx, req, cfg, sess, &scanner, out)
			}

		case <-streamCtx.Done():
			if ctx.Err() != nil {
				return errCancelled
			}
			err := fmt.Errorf("generation timed out after %s", cfg.Timeout)
			e.recordFailure(cb, err)
			return err
		}
	}
}

// onContent appends a content fragment, enforcing the response cap. Once the
// cap is breached the truncation marker is appended and emitted exactly once
// and every later content delta is dropped: a circuit breaker for process
// memory, not a display nicety.
func (e *Engine) onContent(ctx context.Context, sess *session, text string, out chan<- Event) bool {
	if sess.contentClosed {
		return true
	}

	if !sess.contentStarted {
		if sess.reasoningStarted && !sess.reasoningEnded {
			sess.reasoningEnded = true
			if !emit(ctx, out, Event{Kind: EventReasoningEnd, ThreadID: sess.threadID, Reasoning: sess.reasoning.String()}) {
				return false
			}
		}
		sess.contentStarted = true
		sess.phase = phaseContent
		if !emit(ctx, out, Event{Kind: EventContentStart, ThreadID: sess.threadID}) {
			return false
		}
	}

	room := e.budget.MaxResponseBytes - sess.content.Len()
	if len(text) > room {
		kept := text[:room]
		sess.content.WriteString(kept)
		sess.content.WriteString(TruncationMarker)
		sess.contentTruncated = true
		sess.contentClosed = true
		if kept != "" {
			if !emit(ctx, out, Event{Kind: EventStreamChunk, ThreadID: sess.threadID, Delta: kept}) {
				return false
			}
		}
		return emit(ctx, out, Event{Kind: EventStreamChunk, ThreadID: sess.threadID, Delta: TruncationMarker})
	}

	sess.content.WriteString(text)
	return emit(ctx, out, Event{Kind: EventStreamChunk, ThreadID: sess.threadID, Delta: text})
}

// onReasoning appends a reasoning fragment under the reasoning cap. Unlike
// the content cap, hitting it only stops further accumulation; other delta
// kinds keep flowing.
func (e *Engine) onReasoning(ctx context.Context, sess *session, text string, out chan<- Event) bool {
	if sess.reasoningClosed {
		return true
	}

	if !sess.reasoningStarted {
		sess.reasoningStarted = true
		if !sess.contentStarted {
			sess.phase = phaseReasoning
		}
		if !emit(ctx, out, Event{Kind: EventReasoningStart, ThreadID: sess.threadID}) {
			return false
		}
	}

	room := e.budget.MaxReasoningBytes - sess.reasoning.Len()
	if len(text) > room {
		sess.reasoning.WriteString(text[:room])
		sess.reasoning.WriteString(TruncationMarker)
		sess.reasoningTruncated = true
		sess.reasoningClosed = true
	} else {
		sess.reasoning.WriteString(text)
	}

	return emit(ctx, out, Event{Kind: EventReasoningChunk, ThreadID: sess.threadID, CumulativeReasoning: sess.reasoning.String()})
}

// finish closes out a successful stream: flush the inline scanner, run the
// terminal recovery passes, emit the closing event sequence, and schedule
// persistence without blocking the caller.
func (e *Engine) finish(ctx context.Context, req *Request, cfg adapter.InvokeConfig, sess *session, scanner *adapter.InlineScanner, out chan<- Event) error {
	if cfg.ReasoningMode == adapter.ReasoningInline {
		heldContent, heldReasoning := scanner.Flush()
		if heldReasoning != "" {
			if !e.onReasoning(ctx, sess, heldReasoning, out) {
				return errCancelled
			}
		}
		if heldContent != "" {
			if !e.onContent(ctx, sess, heldContent, out) {
				return errCancelled
			}
		}

		// Delimiters can arrive inside one large final chunk the incremental
		// scanner already passed through; recover those blocks now and strip
		// them from the displayed content.
		if !sess.contentTruncated {
			clean, extra := adapter.ExtractInline(sess.content.String())
			if extra != "" {
				sess.content.Reset()
				sess.content.WriteString(clean)
				sess.reasoningEnded = false
				if !e.onReasoning(ctx, sess, extra, out) {
					return errCancelled
				}
			}
		}
	}

	if cfg.ReasoningMode == adapter.ReasoningTokenCount && sess.reasoningTokens > 0 && sess.reasoning.Len() == 0 {
		if !e.onReasoning(ctx, sess, adapter.SynthesizeReasoningPlaceholder(sess.reasoningTokens), out) {
			return errCancelled
		}
	}

	if sess.reasoningStarted && !sess.reasoningEnded {
		sess.reasoningEnded = true
		if !emit(ctx, out, Event{Kind: EventReasoningEnd, ThreadID: sess.threadID, Reasoning: sess.reasoning.String()}) {
			return errCancelled
		}
	}

	if !sess.contentStarted {
		sess.contentStarted = true
		if !emit(ctx, out, Event{Kind: EventContentStart, ThreadID: sess.threadID}) {
			return errCancelled
		}
	}

	sess.phase = phaseFinished
	if !emit(ctx, out, Event{
		Kind:      EventStreamEnd,
		ThreadID:  sess.threadID,
		ModelID:   cfg.ModelID,
		Text:      sess.content.String(),
		Reasoning: sess.reasoning.String(),
		Usage:     &Usage{PromptTokens: sess.promptTokens, CompletionTokens: sess.completionTokens},
		Truncated: sess.contentTruncated || sess.reasoningTruncated,
	}) {
		return errCancelled
	}

	// Persistence is scheduled only after the terminal event has been
	// handed to the caller; Enqueue never blocks.
	if e.sink != nil {
		e.sink.Enqueue(&persist.Message{
			ThreadID:         req.ThreadID,
			AuthorLabel:      "assistant",
			Content:          sess.content.String(),
			Reasoning:        sess.reasoning.String(),
			IsGeneratedReply: true,
		})
	}

	return nil
}

func (e *Engine) recordFailure(cb *gobreaker.CircuitBreaker, err error) {
	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (e *Engine) recordSuccess(cb *gobreaker.CircuitBreaker) {
	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, nil
	})
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
