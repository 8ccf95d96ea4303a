// Package chat provides the interactive terminal chat for fanchat.
// The package is split across files:
//   - model.go: types, construction, Init and the Update loop
//   - commands.go: /command handling
//   - view.go: rendering
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"fanchat/cmd/fanchat/config"
	"fanchat/cmd/fanchat/ui"
	"fanchat/internal/gallery"
	"fanchat/internal/logging"
	"fanchat/internal/session"
	"fanchat/internal/transcript"
)

// Package-level hooks so tests can run without a clipboard or a home directory.
var (
	clipboardWriteAll = clipboard.WriteAll
	savePrefs         = config.Save
)

// flashDuration is how long a transient status such as "Copied" stays up.
const flashDuration = 2 * time.Second

// Config holds what the chat needs from the caller.
type Config struct {
	Controller     *session.Controller
	Gallery        *gallery.Gallery // nil disables the gallery commands
	Styles         ui.Styles
	Title          string
	PersonaName    string
	RenderMarkdown bool
	ShowTimestamps bool
}

// Model is the bubbletea model for the chat screen.
type Model struct {
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   ui.Styles

	ctrl    *session.Controller
	gallery *gallery.Gallery
	cfg     Config

	// changes coalesces store events into a single pending redraw.
	changes     chan struct{}
	unsubscribe func()

	runSeq    int
	cancelRun context.CancelFunc

	status    string
	statusErr bool
	flashSeq  int
	notice    string

	width  int
	height int
	ready  bool
}

// Messages produced by commands.
type (
	storeChangedMsg struct{}

	runDoneMsg struct {
		seq int
		err error
	}

	flashExpiredMsg struct{ seq int }

	uploadDoneMsg struct {
		file gallery.UploadedFile
		err  error
	}
)

// New builds the chat model and subscribes it to the controller's transcript.
func New(cfg Config) Model {
	if cfg.Title == "" {
		cfg.Title = "fanchat"
	}
	if cfg.PersonaName == "" {
		cfg.PersonaName = "Urahara"
	}

	ta := textarea.New()
	ta.Placeholder = "Speak to the shopkeeper... (Enter to send, /help for commands)"
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cfg.Styles.Spinner

	m := Model{
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		styles:   cfg.Styles,
		ctrl:     cfg.Controller,
		gallery:  cfg.Gallery,
		cfg:      cfg,
		changes:  make(chan struct{}, 1),
		width:    80,
		height:   24,
	}

	changes := m.changes
	m.unsubscribe = cfg.Controller.Store().Subscribe(func(transcript.Event) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	m.renderer = newRenderer(m.width)
	m.viewport.SetContent(m.renderHistory())
	return m
}

func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		logging.UIDebug("markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

// Init starts the cursor blink and the transcript listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForChange())
}

// waitForChange blocks until the transcript changes.
func (m Model) waitForChange() tea.Cmd {
	changes := m.changes
	return func() tea.Msg {
		<-changes
		return storeChangedMsg{}
	}
}

// Update handles one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.resize(msg.Width, msg.Height), nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.shutdown()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.cancelRun != nil && m.ctrl.Busy() {
				m.cancelRun()
				return m.setStatus("Stopped.", false), nil
			}
			m.notice = ""
			return m, nil

		case tea.KeyCtrlY:
			return m.copyCode(0)

		case tea.KeyEnter:
			if !msg.Alt {
				return m.handleSubmit()
			}
		}

	case storeChangedMsg:
		m = m.refresh()
		return m, m.waitForChange()

	case runDoneMsg:
		if msg.seq == m.runSeq {
			m.cancelRun = nil
		}
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			logging.UIDebug("send failed: %v", msg.err)
		}
		return m.refresh(), nil

	case spinner.TickMsg:
		if !m.ctrl.Busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m.refresh(), cmd

	case flashExpiredMsg:
		if msg.seq == m.flashSeq {
			m.status = ""
			m.statusErr = false
		}
		return m, nil

	case uploadDoneMsg:
		if msg.err != nil {
			return m.setStatus("Upload failed: "+msg.err.Error(), true), nil
		}
		m.notice = renderFileLine(msg.file)
		return m.setStatus("Stored "+msg.file.Name, false), nil
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

// handleSubmit sends the input, or dispatches it when it is a command.
func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textarea.Value())
	if input == "" {
		return m, nil
	}
	if strings.HasPrefix(input, "/") {
		m.textarea.Reset()
		return m.handleCommand(input)
	}

	turn, err := m.ctrl.Begin(input)
	switch {
	case errors.Is(err, session.ErrBusy):
		// Dropped; the input stays so it can be sent once the reply lands.
		return m.setStatus("Still answering, hold on.", false), nil
	case err != nil:
		return m.setStatus(err.Error(), true), nil
	}
	m.textarea.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	m.runSeq++
	m.cancelRun = cancel
	seq := m.runSeq
	ctrl := m.ctrl
	run := func() tea.Msg {
		defer cancel()
		return runDoneMsg{seq: seq, err: ctrl.Run(ctx, turn)}
	}
	return m.refresh(), tea.Batch(run, m.spinner.Tick)
}

// resize lays out the viewport and input for a new terminal size.
func (m Model) resize(width, height int) Model {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	m.width, m.height = width, height
	m.textarea.SetWidth(max(width-4, 1))

	// header + status + input border + footer
	chrome := 1 + 1 + m.textarea.Height() + 2 + 1
	m.viewport.Width = width
	m.viewport.Height = max(height-chrome, 1)
	m.renderer = newRenderer(width - 4)
	m.ready = true
	return m.refresh()
}

// refresh re-renders the transcript and keeps the newest record in view.
func (m Model) refresh() Model {
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
	return m
}

// setStatus shows a transient status line.
func (m Model) setStatus(text string, isErr bool) Model {
	m.status = text
	m.statusErr = isErr
	m.flashSeq++
	return m
}

// flash shows a status that clears itself after flashDuration.
func (m Model) flash(text string) (Model, tea.Cmd) {
	m = m.setStatus(text, false)
	seq := m.flashSeq
	return m, tea.Tick(flashDuration, func(time.Time) tea.Msg {
		return flashExpiredMsg{seq: seq}
	})
}

// shutdown cancels any in-flight reply and stops listening to the transcript.
func (m *Model) shutdown() {
	if m.cancelRun != nil {
		m.cancelRun()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Run starts the full-screen program and blocks until the user quits.
func Run(cfg Config) error {
	m := New(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(Model); ok {
		fm.shutdown()
	}
	return err
}
