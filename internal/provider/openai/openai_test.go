package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/ai-orchestrator/internal/provider"
)

func streamServer(t *testing.T, write func(w io.Writer)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		write(w)
	}))
}

func TestGenerate_TextStream(t *testing.T) {
	server := streamServer(t, func(w io.Writer) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	})
	defer server.Close()

	p := &OpenAIProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.Generate(context.Background(), &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var text string
	var done bool
	for d := range ch {
		switch d.Kind {
		case provider.DeltaText:
			text += d.Text
		case provider.DeltaDone:
			done = true
		case provider.DeltaError:
			t.Fatalf("Unexpected error: %v", d.Err)
		}
	}
	if !done {
		t.Error("Expected done delta")
	}
	if text != "Hello world" {
		t.Errorf("Expected 'Hello world', got %q", text)
	}
}

func TestGenerate_ReasoningTokensInUsage(t *testing.T) {
	server := streamServer(t, func(w io.Writer) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"42\"}}]}\n\n")
		fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":15,\"completion_tokens\":900,\"completion_tokens_details\":{\"reasoning_tokens\":850}}}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	})
	defer server.Close()

	p := &OpenAIProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.Generate(context.Background(), &provider.Request{Model: "o1"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var usage *provider.Usage
	for d := range ch {
		if d.Kind == provider.DeltaDone {
			usage = d.Usage
		}
	}
	if usage == nil {
		t.Fatal("Expected usage on the terminal delta")
	}
	if usage.ReasoningTokens != 850 {
		t.Errorf("Expected 850 reasoning tokens, got %d", usage.ReasoningTokens)
	}
	if usage.PromptTokens != 15 || usage.CompletionTokens != 900 {
		t.Errorf("Expected usage 15/900, got %d/%d", usage.PromptTokens, usage.CompletionTokens)
	}
}

func TestGenerate_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := &OpenAIProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.Generate(context.Background(), &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var gotErr error
	for d := range ch {
		if d.Kind == provider.DeltaError {
			gotErr = d.Err
		}
	}
	if gotErr == nil {
		t.Fatal("Expected error delta for non-200 status")
	}
}

func TestGenerate_ContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	p := &OpenAIProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.Generate(ctx, &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	<-ch // first delta
	cancel()

	// Channel must close promptly after cancellation.
	for range ch {
	}
}
