package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"fanchat/cmd/fanchat/config"
	"fanchat/cmd/fanchat/ui"
	"fanchat/internal/gallery"
	"fanchat/internal/logging"
	"fanchat/internal/session"
)

const helpText = `Commands:
  /copy [n]        copy code block n (default: the latest)
  /clear           start the conversation over
  /upload <path>   store a file in the gallery (images get a caption)
  /files           list gallery files, newest first
  /rm <id>         remove a gallery file (id or unique prefix)
  /logo <path>     set the site logo
  /logo reset      restore the default logo
  /theme <light|dark>
  /quit`

// handleCommand processes a slash command.
func (m Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	// Paths may contain spaces.
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch cmd {
	case "/help", "/?":
		m.notice = helpText
		return m, nil

	case "/quit", "/exit":
		m.shutdown()
		return m, tea.Quit

	case "/clear":
		if err := m.ctrl.Clear(); err != nil {
			if errors.Is(err, session.ErrBusy) {
				return m.setStatus("Wait for the reply to finish first.", true), nil
			}
			return m.setStatus(err.Error(), true), nil
		}
		m.notice = ""
		return m.refresh().setStatus("Cleared.", false), nil

	case "/copy":
		n := 0
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return m.setStatus("Usage: /copy [n]", true), nil
			}
			n = v
		}
		return m.copyCode(n)

	case "/theme":
		if len(args) != 1 {
			return m.setStatus("Usage: /theme <light|dark>", true), nil
		}
		name := strings.ToLower(args[0])
		if name != "light" && name != "dark" {
			return m.setStatus("Usage: /theme <light|dark>", true), nil
		}
		m.styles = ui.NewStyles(ui.ThemeByName(name))
		m.spinner.Style = m.styles.Spinner
		if err := savePrefs(config.Prefs{Theme: name}); err != nil {
			logging.UIDebug("saving theme preference: %v", err)
		}
		return m.refresh().setStatus("Theme: "+name, false), nil
	}

	if m.gallery == nil {
		switch cmd {
		case "/upload", "/files", "/rm", "/logo":
			return m.setStatus("The gallery is not enabled.", true), nil
		}
	}

	switch cmd {
	case "/upload":
		if rest == "" {
			return m.setStatus("Usage: /upload <path>", true), nil
		}
		return m.setStatus("Uploading "+filepath.Base(rest)+"...", false), m.uploadFile(rest)

	case "/files":
		files := m.gallery.List()
		if len(files) == 0 {
			m.notice = "The gallery is empty."
			return m, nil
		}
		lines := make([]string, len(files))
		for i, f := range files {
			lines[i] = renderFileLine(f)
		}
		m.notice = strings.Join(lines, "\n")
		return m, nil

	case "/rm":
		if len(args) != 1 {
			return m.setStatus("Usage: /rm <id>", true), nil
		}
		f, err := m.findFile(args[0])
		if err != nil {
			return m.setStatus(err.Error(), true), nil
		}
		if err := m.gallery.Remove(f.ID); err != nil {
			return m.setStatus(err.Error(), true), nil
		}
		m.notice = ""
		return m.setStatus("Removed "+f.Name, false), nil

	case "/logo":
		if rest == "" {
			return m.setStatus("Usage: /logo <path> | /logo reset", true), nil
		}
		if strings.EqualFold(rest, "reset") {
			m.gallery.ResetLogo()
			return m.setStatus("Logo reset.", false), nil
		}
		data, err := os.ReadFile(rest)
		if err != nil {
			return m.setStatus(err.Error(), true), nil
		}
		if _, err := m.gallery.SetLogo(gallery.DetectMimeType(rest, data), data); err != nil {
			return m.setStatus(err.Error(), true), nil
		}
		return m.setStatus("Logo updated.", false), nil
	}

	return m.setStatus(fmt.Sprintf("Unknown command %s (try /help)", cmd), true), nil
}

// copyCode copies code block n (1-based) to the clipboard; zero means the
// latest block.
func (m Model) copyCode(n int) (tea.Model, tea.Cmd) {
	blocks := m.codeBlocks()
	if len(blocks) == 0 {
		return m.setStatus("No code to copy.", true), nil
	}
	if n == 0 {
		n = len(blocks)
	}
	if n > len(blocks) {
		return m.setStatus(fmt.Sprintf("There are only %d code block(s).", len(blocks)), true), nil
	}
	if err := clipboardWriteAll(blocks[n-1].Content); err != nil {
		return m.setStatus("Copy failed: "+err.Error(), true), nil
	}
	return m.flash(fmt.Sprintf("Copied #%d", n))
}

// uploadFile reads and stores path off the update loop; captioning is a
// network call.
func (m Model) uploadFile(path string) tea.Cmd {
	g := m.gallery
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return uploadDoneMsg{err: err}
		}
		f, err := g.Add(context.Background(), filepath.Base(path), "", data)
		return uploadDoneMsg{file: f, err: err}
	}
}

// findFile resolves a full id or a unique prefix.
func (m Model) findFile(ref string) (gallery.UploadedFile, error) {
	if f, ok := m.gallery.Get(ref); ok {
		return f, nil
	}
	var match []gallery.UploadedFile
	for _, f := range m.gallery.List() {
		if strings.HasPrefix(f.ID, ref) {
			match = append(match, f)
		}
	}
	switch len(match) {
	case 0:
		return gallery.UploadedFile{}, gallery.ErrNotFound
	case 1:
		return match[0], nil
	default:
		return gallery.UploadedFile{}, fmt.Errorf("%q matches %d files", ref, len(match))
	}
}
