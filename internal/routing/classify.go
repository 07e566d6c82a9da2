package routing

import (
	"regexp"
	"strings"

	"github.com/vnmchuo/ai-orchestrator/internal/chat"
)

// historyWindow is how many trailing history messages join the current
// message for classification, so short follow-ups inherit the topic.
const historyWindow = 3

// ContentSignals are the heuristic features the router consults when the
// caller asked for automatic model selection.
type ContentSignals struct {
	HasCode       bool
	IsMathRelated bool
	IsAcademic    bool
	Complexity    int
	MessageCount  int
}

var (
	codeFencePattern = regexp.MustCompile("```")
	codeKeywordPattern = regexp.MustCompile(`(?i)\b(func|function|def|class|import|package|return|struct|interface|const|var|nil|null|println|printf|console\.log)\b`)
	fileExtPattern   = regexp.MustCompile(`(?i)\b\w+\.(go|py|js|ts|rs|java|rb|c|cpp|h|sql|sh|yaml|json)\b`)

	mathKeywordPattern = regexp.MustCompile(`(?i)\b(equation|integral|derivative|theorem|matrix|algebra|calculus|probability|polynomial|logarithm|geometry|vector)\b`)
	mathSymbolPattern  = regexp.MustCompile(`[∑∫√π≈≠≤≥±]|\b\d+\s*[\+\-\*/\^=]\s*\d+`)

	academicPattern = regexp.MustCompile(`(?i)\b(thesis|citation|peer.review|hypothesis|literature review|methodology|abstract|dissertation)\b`)
)

// Classify evaluates the current message against a short window of recent
// history. Case-insensitive, keyword and regex based; deliberately cheap.
func Classify(current string, history []chat.Message) ContentSignals {
	var b strings.Builder
	start := len(history) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(current)
	text := b.String()

	signals := ContentSignals{
		HasCode:       codeFencePattern.MatchString(text) || codeKeywordPattern.MatchString(text) || fileExtPattern.MatchString(text),
		IsMathRelated: mathKeywordPattern.MatchString(text) || mathSymbolPattern.MatchString(text),
		IsAcademic:    academicPattern.MatchString(text),
		MessageCount:  len(history) + 1,
	}
	signals.Complexity = complexity(text)
	return signals
}

// complexity is a coarse 0-3 score on prompt length.
func complexity(text string) int {
	switch n := len(text); {
	case n > 4000:
		return 3
	case n > 1000:
		return 2
	case n > 200:
		return 1
	default:
		return 0
	}
}
