package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/ai-orchestrator/internal/provider"
)

type AnthropicProvider struct {
	apiKey  string
	baseURL string
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
	Thinking  *thinkingConfig    `json:"thinking,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type    string          `json:"type"`
	Delta   anthropicDelta  `json:"delta,omitempty"`
	Message *anthropicStart `json:"message,omitempty"`
	Usage   *anthropicUsage `json:"usage,omitempty"`
	Error   *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicStart struct {
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    true,
	}
	if req.Thinking {
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}
	return out
}

// Generate streams a messages-API response. Extended thinking arrives as
// thinking_delta events on a dedicated side channel and is forwarded as
// reasoning deltas; input tokens come from message_start, output tokens from
// message_delta.
func (p *AnthropicProvider) Generate(ctx context.Context, req *provider.Request) (<-chan *provider.Delta, error) {
	anthropicReq := p.mapRequest(req)
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	ch := make(chan *provider.Delta)

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: fmt.Errorf("anthropic api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		usage := &provider.Usage{}
		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(ctx, ch, &provider.Delta{Kind: provider.DeltaDone, Usage: usage})
					return
				}
				send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "message_start":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message != nil {
					usage.PromptTokens = ev.Message.Usage.InputTokens
				}

			case "content_block_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						if !send(ctx, ch, &provider.Delta{Kind: provider.DeltaText, Text: ev.Delta.Text}) {
							return
						}
					}
				case "thinking_delta":
					if ev.Delta.Thinking != "" {
						if !send(ctx, ch, &provider.Delta{Kind: provider.DeltaReasoning, Reasoning: ev.Delta.Thinking}) {
							return
						}
					}
				}

			case "message_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
					if !send(ctx, ch, &provider.Delta{Kind: provider.DeltaUsage, Usage: usage}) {
						return
					}
				}

			case "message_stop":
				send(ctx, ch, &provider.Delta{Kind: provider.DeltaDone, Usage: usage})
				return

			case "error":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Error != nil {
					send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: fmt.Errorf("anthropic stream error: %s", ev.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- *provider.Delta, d *provider.Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
