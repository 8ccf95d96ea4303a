package web

import (
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"fanchat/internal/segment"
	"fanchat/internal/transcript"
)

// textPolicy sanitizes prose segments. Model output may carry inline HTML;
// only the safe subset survives.
var textPolicy = bluemonday.UGCPolicy().
	AllowURLSchemes("http", "https", "mailto").
	RequireNoFollowOnLinks(true)

// MessageView is a transcript record as sent to the page.
type MessageView struct {
	Position int             `json:"position"`
	Role     transcript.Role `json:"role"`
	Text     string          `json:"text"`
	IsError  bool            `json:"isError,omitempty"`
	Stopped  bool            `json:"stopped,omitempty"` // sealed before any text arrived
	Time     int64           `json:"time"`              // unix millis
	HTML     string          `json:"html"`
}

const stoppedHTML = `<span class="stopped">(stopped)</span>`

// newMessageView builds the page view of msg. open reports whether the record
// can still grow.
func newMessageView(pos int, msg transcript.Message, open bool) MessageView {
	mv := MessageView{
		Position: pos,
		Role:     msg.Role,
		Text:     msg.Text,
		IsError:  msg.IsError,
		Time:     msg.Time.UnixMilli(),
		HTML:     RenderHTML(msg.Text),
	}
	if msg.Role == transcript.RoleModel && !msg.IsError && msg.Text == "" && !open {
		mv.Stopped = true
		mv.HTML = stoppedHTML
	}
	return mv
}

// RenderHTML renders message text as an HTML fragment: sanitized prose and
// escaped code blocks with a language header and a copy button.
func RenderHTML(text string) string {
	var sb strings.Builder
	index := 0
	for _, seg := range segment.Split(text) {
		switch seg.Kind {
		case segment.KindCode:
			writeCodeBlock(&sb, seg, index)
			index++
		default:
			sb.WriteString(`<span class="text">`)
			sb.WriteString(textPolicy.Sanitize(seg.Content))
			sb.WriteString(`</span>`)
		}
	}
	return sb.String()
}

func writeCodeBlock(sb *strings.Builder, seg segment.Segment, index int) {
	sb.WriteString(`<div class="code" data-index="`)
	sb.WriteString(strconv.Itoa(index))
	sb.WriteString(`"><div class="code-head"><span>`)
	sb.WriteString(html.EscapeString(seg.Label()))
	sb.WriteString(`</span><button class="copy" type="button">Copy</button></div><pre><code`)
	if seg.Language != "" {
		sb.WriteString(` class="language-`)
		sb.WriteString(html.EscapeString(seg.Language))
		sb.WriteString(`"`)
	}
	sb.WriteString(`>`)
	sb.WriteString(html.EscapeString(seg.Content))
	sb.WriteString(`</code></pre></div>`)
}
