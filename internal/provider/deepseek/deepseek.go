package deepseek

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

// DeepSeekProvider serves the deepseek and qwen model families through an
// OpenAI-compatible endpoint. Reasoning models in this family embed their
// reasoning inline in the text stream as <think> blocks; extraction is the
// orchestrator's job, so text passes through untouched here.
type DeepSeekProvider struct {
	apiKey  string
	baseURL string
}

type dsRequest struct {
	Model       string      `json:"model"`
	Messages    []dsMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type dsMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type dsStreamResponse struct {
	ID      string     `json:"id"`
	Choices []dsChoice `json:"choices"`
	Usage   *dsUsage   `json:"usage"`
}

type dsChoice struct {
	Delta dsDelta `json:"delta"`
}

type dsDelta struct {
	Content string `json:"content"`
}

type dsUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey string) provider.Provider {
	return &DeepSeekProvider{
		apiKey:  apiKey,
		baseURL: "https://api.deepseek.com/v1",
	}
}

func (p *DeepSeekProvider) Name() string {
	return "deepseek"
}

func (p *DeepSeekProvider) mapRequest(req *provider.Request) dsRequest {
	messages := make([]dsMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = dsMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return dsRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
}

func (p *DeepSeekProvider) Generate(ctx context.Context, req *provider.Request) (<-chan *provider.Delta, error) {
	dsReq := p.mapRequest(req)
	body, err := json.Marshal(dsReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

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
			send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: fmt.Errorf("deepseek api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		var finalUsage *provider.Usage
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(ctx, ch, &provider.Delta{Kind: provider.DeltaDone, Usage: finalUsage})
					return
				}
				send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(ctx, ch, &provider.Delta{Kind: provider.DeltaDone, Usage: finalUsage})
				return
			}

			var chunk dsStreamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(ctx, ch, &provider.Delta{Kind: provider.DeltaError, Err: err})
				return
			}

			if chunk.Usage != nil {
				finalUsage = &provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content != "" {
					if !send(ctx, ch, &provider.Delta{Kind: provider.DeltaText, Text: content}) {
						return
					}
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
