package adapter

import "strings"

// InlineScanner splits a text stream containing delimited reasoning blocks
// into content and reasoning parts. It is stateful so that a delimiter split
// across two chunks is still recognized: any trailing run that could be the
// start of a marker is held back until the next chunk resolves it.
//
// One scanner serves one stream; zero value is ready to use.
type InlineScanner struct {
	inReasoning bool
	held        string
}

// Scan consumes the next chunk and returns the content and reasoning text
// it completed. Either part may be empty.
func (s *InlineScanner) Scan(chunk string) (content, reasoning string) {
	text := s.held + chunk
	s.held = ""

	var contentOut, reasoningOut strings.Builder
	for text != "" {
		marker := InlineStartMarker
		if s.inReasoning {
			marker = InlineEndMarker
		}

		idx := strings.Index(text, marker)
		if idx >= 0 {
			s.emit(text[:idx], &contentOut, &reasoningOut)
			s.inReasoning = !s.inReasoning
			text = text[idx+len(marker):]
			continue
		}

		hold := partialMarkerSuffix(text, marker)
		s.emit(text[:len(text)-hold], &contentOut, &reasoningOut)
		s.held = text[len(text)-hold:]
		break
	}
	return contentOut.String(), reasoningOut.String()
}

// Flush returns whatever is still held back once the stream ends. A dangling
// partial marker is surfaced as literal text on the side it arrived in.
func (s *InlineScanner) Flush() (content, reasoning string) {
	held := s.held
	s.held = ""
	if held == "" {
		return "", ""
	}
	if s.inReasoning {
		return "", held
	}
	return held, ""
}

// InReasoning reports whether the scanner is inside an open reasoning block.
func (s *InlineScanner) InReasoning() bool {
	return s.inReasoning
}

func (s *InlineScanner) emit(text string, content, reasoning *strings.Builder) {
	if text == "" {
		return
	}
	if s.inReasoning {
		reasoning.WriteString(text)
	} else {
		content.WriteString(text)
	}
}

// partialMarkerSuffix returns the length of the longest proper prefix of
// marker that ends the text. That run might become a full marker once the
// next chunk arrives, so it must not be emitted yet.
func partialMarkerSuffix(text, marker string) int {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(text, marker[:k]) {
			return k
		}
	}
	return 0
}

// ExtractInline strips every complete reasoning block from an accumulated
// buffer in one pass. Used at stream end to recover blocks that arrived
// whole inside a single large chunk.
func ExtractInline(text string) (content, reasoning string) {
	var contentOut, reasoningOut strings.Builder
	for {
		start := strings.Index(text, InlineStartMarker)
		if start < 0 {
			break
		}
		rest := text[start+len(InlineStartMarker):]
		end := strings.Index(rest, InlineEndMarker)
		if end < 0 {
			break
		}
		contentOut.WriteString(text[:start])
		reasoningOut.WriteString(rest[:end])
		text = rest[end+len(InlineEndMarker):]
	}
	contentOut.WriteString(text)
	return contentOut.String(), reasoningOut.String()
}
