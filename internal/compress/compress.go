package compress

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vnmchuo/ai-orchestrator/internal/chat"
)

// DefaultTargetRatio is the minimum acceptable compression ratio before the
// degradation ladder shrinks the retained tail further.
const DefaultTargetRatio = 0.5

const (
	maxKeywords  = 5
	maxQuestions = 3
	// The ladder never shrinks the retained tail below this many messages.
	minLadderTail = 10
)

// Result of compressing a history against a token budget.
type Result struct {
	RecentMessages    []chat.Message
	SummarizedHistory string
	TotalTokens       int
	CompressionRatio  float64
}

// Compressor reduces a message history to fit a token budget. It is a pure
// function of its inputs: identical history and budget produce identical
// output.
type Compressor struct {
	targetRatio float64
}

func New() *Compressor {
	return &Compressor{targetRatio: DefaultTargetRatio}
}

func NewWithTarget(targetRatio float64) *Compressor {
	return &Compressor{targetRatio: targetRatio}
}

// EstimateTokens applies the uniform ~4 characters per token heuristic to the
// rendered form of each message. Deliberately not a real tokenizer; the
// downstream budget checks only need a stable, cheap estimate.
func EstimateTokens(messages []chat.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateString(render(m))
	}
	return total
}

func estimateString(s string) int {
	return (len(s) + 3) / 4
}

func render(m chat.Message) string {
	return m.AuthorLabel + ": " + m.Content
}

// Compress returns the history unchanged when it fits the budget. Otherwise
// it keeps the most recent max(5, ceil(0.2*N)) messages verbatim and distills
// the dropped prefix into a keyword-and-questions summary. While the achieved
// ratio stays below the target, the retained tail shrinks stepwise, never
// below the last 10 messages. Compression never fails; the best achieved
// result is returned.
func (c *Compressor) Compress(messages []chat.Message, budgetTokens int) Result {
	original := EstimateTokens(messages)
	if original <= budgetTokens {
		return Result{
			RecentMessages:    messages,
			SummarizedHistory: "",
			TotalTokens:       original,
			CompressionRatio:  0,
		}
	}

	n := len(messages)
	keep := minRetained(n)

	best := buildCandidate(messages, keep, original)
	for best.CompressionRatio < c.targetRatio && keep > minLadderTail {
		keep = keep / 2
		if keep < minLadderTail {
			keep = minLadderTail
		}
		candidate := buildCandidate(messages, keep, original)
		if candidate.CompressionRatio > best.CompressionRatio {
			best = candidate
		}
	}
	return best
}

func minRetained(n int) int {
	keep := (n + 4) / 5 // ceil(0.2 * n)
	if keep < 5 {
		keep = 5
	}
	if keep > n {
		keep = n
	}
	return keep
}

func buildCandidate(messages []chat.Message, keep, originalTokens int) Result {
	n := len(messages)
	if keep > n {
		keep = n
	}
	tail := messages[n-keep:]
	prefix := messages[:n-keep]

	summary := Summarize(prefix)
	compressed := estimateString(summary) + EstimateTokens(tail)

	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(originalTokens-compressed) / float64(originalTokens)
	}

	return Result{
		RecentMessages:    tail,
		SummarizedHistory: summary,
		TotalTokens:       compressed,
		CompressionRatio:  ratio,
	}
}

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_']+`)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "before": true, "being": true,
	"below": true, "between": true, "could": true, "doing": true, "during": true,
	"every": true, "further": true, "having": true, "other": true, "should": true,
	"their": true, "there": true, "these": true, "thing": true, "things": true,
	"think": true, "those": true, "through": true, "under": true, "until": true,
	"where": true, "which": true, "while": true, "would": true, "yours": true,
	"really": true, "going": true, "right": true, "still": true, "because": true,
}

// Summarize distills a discarded message prefix into a single line: the top
// frequency-ranked keywords plus any open questions found in the text.
// Deterministic: ties in keyword frequency break alphabetically.
func Summarize(messages []chat.Message) string {
	if len(messages) == 0 {
		return ""
	}

	counts := make(map[string]int)
	var questions []string
	for _, m := range messages {
		for _, w := range wordPattern.FindAllString(m.Content, -1) {
			w = strings.ToLower(w)
			if len(w) > 4 && !stopwords[w] {
				counts[w]++
			}
		}
		if len(questions) < maxQuestions {
			for _, s := range splitSentences(m.Content) {
				if strings.Contains(s, "?") {
					questions = append(questions, strings.TrimSpace(s))
					if len(questions) >= maxQuestions {
						break
					}
				}
			}
		}
	}

	type kw struct {
		word  string
		count int
	}
	ranked := make([]kw, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, kw{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > maxKeywords {
		ranked = ranked[:maxKeywords]
	}
	keywords := make([]string, len(ranked))
	for i, k := range ranked {
		keywords[i] = k.word
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Summary of %d earlier messages]", len(messages))
	if len(keywords) > 0 {
		b.WriteString(" Topics: ")
		b.WriteString(strings.Join(keywords, ", "))
		b.WriteString(".")
	}
	if len(questions) > 0 {
		b.WriteString(" Open questions: ")
		b.WriteString(strings.Join(questions, " "))
	}
	return b.String()
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
