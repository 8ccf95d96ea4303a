package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"fanchat/internal/gallery"
	"fanchat/internal/segment"
	"fanchat/internal/session"
	"fanchat/internal/transcript"
)

// View renders the whole screen.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	parts := []string{m.renderHeader(), m.viewport.View()}
	if m.notice != "" {
		parts = append(parts, m.styles.Info.Render(m.notice))
	}
	parts = append(parts, m.renderStatus())

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	parts = append(parts, inputStyle.Render(m.textarea.View()), m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render(" " + m.cfg.Title + " ")
	state := m.styles.Badge.Render(m.ctrl.State().String())
	header := title + " " + state
	if m.gallery != nil {
		header += " " + m.styles.Muted.Render(fmt.Sprintf("%d file(s)", m.gallery.Len()))
	}
	return header
}

func (m Model) renderStatus() string {
	switch {
	case m.status == "":
		return ""
	case m.statusErr:
		return m.styles.Error.Render(m.status)
	default:
		return m.styles.Success.Render(m.status)
	}
}

func (m Model) renderFooter() string {
	return m.styles.Footer.Render("enter send • esc stop • ctrl+y copy code • /help • ctrl+c quit")
}

// stoppedMarker stands in for a reply that was stopped before any text arrived.
const stoppedMarker = "(stopped)"

// renderHistory renders every transcript record. Code blocks are numbered
// across the whole transcript so /copy can address them.
func (m Model) renderHistory() string {
	store := m.ctrl.Store()
	msgs := store.Snapshot()
	busy := m.ctrl.State() != session.StateIdle

	var sb strings.Builder
	code := 0
	for pos, msg := range msgs {
		sb.WriteString(m.renderLabel(msg))
		sb.WriteString("\n")

		switch {
		case msg.IsError:
			sb.WriteString(m.styles.Error.Render(msg.Text))
		case msg.Role == transcript.RoleUser:
			sb.WriteString(m.styles.UserInput.Render(msg.Text))
		case msg.Text == "" && busy && store.IsOpen(pos):
			sb.WriteString(m.styles.AgentResponse.Render(m.spinner.View() + " consulting the Dangai..."))
		case msg.Text == "" && !store.IsOpen(pos):
			sb.WriteString(m.styles.AgentResponse.Render(m.styles.Muted.Render(stoppedMarker)))
		default:
			body := m.renderModelText(msg.Text, &code)
			sb.WriteString(m.styles.AgentResponse.Render(body))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (m Model) renderLabel(msg transcript.Message) string {
	var label string
	if msg.Role == transcript.RoleUser {
		label = m.styles.UserLabel.Render("You")
	} else {
		label = m.styles.ModelLabel.Render(m.cfg.PersonaName)
	}
	if m.cfg.ShowTimestamps && !msg.Time.IsZero() {
		label += " " + m.styles.Timestamp.Render(msg.Time.Format("15:04"))
	}
	return label
}

// renderModelText renders prose as markdown and code as numbered panels.
func (m Model) renderModelText(text string, code *int) string {
	var parts []string
	for _, seg := range segment.Split(text) {
		if seg.Kind == segment.KindCode {
			*code++
			parts = append(parts, m.renderCodeBlock(*code, seg))
			continue
		}
		if strings.TrimSpace(seg.Content) == "" {
			continue
		}
		if m.cfg.RenderMarkdown {
			parts = append(parts, strings.Trim(m.safeRenderMarkdown(seg.Content), "\n"))
		} else {
			parts = append(parts, strings.TrimSpace(seg.Content))
		}
	}
	return strings.Join(parts, "\n")
}

func (m Model) renderCodeBlock(index int, seg segment.Segment) string {
	head := m.styles.CodeHeader.Render(fmt.Sprintf("#%d %s", index, seg.Label())) +
		m.styles.Muted.Render(fmt.Sprintf("  /copy %d", index))
	block := m.styles.CodeBlock
	if w := m.viewport.Width - 6; w > 10 {
		block = block.Width(w)
	}
	return head + "\n" + block.Render(seg.Content)
}

// safeRenderMarkdown falls back to the raw text if glamour fails or panics.
func (m Model) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

// codeBlocks returns every code segment in the transcript, in display order.
func (m Model) codeBlocks() []segment.Segment {
	var out []segment.Segment
	for _, msg := range m.ctrl.Store().Snapshot() {
		if msg.Role != transcript.RoleModel || msg.IsError {
			continue
		}
		out = append(out, segment.CodeBlocks(segment.Split(msg.Text))...)
	}
	return out
}

func renderFileLine(f gallery.UploadedFile) string {
	line := fmt.Sprintf("%s  %s  %s  %s", shortID(f.ID), f.Name, f.MimeType, humanSize(f.ByteSize))
	if f.Caption != "" {
		line += "\n    " + f.Caption
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
