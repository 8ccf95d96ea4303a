// Package segment splits message text into plain-text and fenced-code spans.
package segment

import (
	"regexp"
	"strings"
)

// Kind distinguishes prose from code.
type Kind string

const (
	KindText Kind = "text"
	KindCode Kind = "code"
)

// Segment is one renderable span of a message.
type Segment struct {
	Kind     Kind   `json:"kind"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// fencePattern matches a closed fence: ```, an optional word tag, optional
// whitespace, then the shortest body up to the next ```.
var fencePattern = regexp.MustCompile("```(\\w+)?\\s*([\\s\\S]*?)```")

// Split returns the segments of text in order. Only closed fences become code
// segments, so partially streamed text with an open fence stays prose. Empty
// input yields no segments.
func Split(text string) []Segment {
	if text == "" {
		return nil
	}

	var out []Segment
	last := 0
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if start > last {
			out = append(out, Segment{Kind: KindText, Content: text[last:start]})
		}
		var lang string
		if m[2] >= 0 {
			lang = text[m[2]:m[3]]
		}
		out = append(out, Segment{
			Kind:     KindCode,
			Language: lang,
			Content:  strings.TrimSpace(text[m[4]:m[5]]),
		})
		last = end
	}
	if last < len(text) {
		out = append(out, Segment{Kind: KindText, Content: text[last:]})
	}
	return out
}

// CodeBlocks returns only the code segments, in order.
func CodeBlocks(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.Kind == KindCode {
			out = append(out, s)
		}
	}
	return out
}

// HasCode reports whether any segment is code.
func HasCode(segs []Segment) bool {
	for _, s := range segs {
		if s.Kind == KindCode {
			return true
		}
	}
	return false
}

// Label is the header shown above a code block.
func (s Segment) Label() string {
	if s.Language == "" {
		return "CODE"
	}
	return strings.ToUpper(s.Language)
}
