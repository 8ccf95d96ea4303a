// Package session implements the send protocol of one chat page view.
//
// A Controller owns a transcript and a lazily created chat session handle.
// Sends are serialized by an Idle gate:
//
//	Idle → Sending → Streaming → Idle
//
// Any failure after the user record is appended turns the model placeholder
// into a terminal error record and returns the controller to Idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fanchat/internal/logging"
	"fanchat/internal/transcript"
	"fanchat/internal/types"
)

var (
	// ErrEmptyInput marks a blank submission. Callers ignore it silently.
	ErrEmptyInput = errors.New("session: empty input")

	// ErrBusy is returned when a send is attempted while another is in flight.
	ErrBusy = fmt.Errorf("session: send already in flight: %w", transcript.ErrInvalidState)

	// ErrStreamFailure wraps every transport, auth or timeout failure of the
	// chat collaborator. The transcript already shows the fallback text.
	ErrStreamFailure = errors.New("session: stream failure")
)

// State is the send protocol state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config holds controller settings.
type Config struct {
	// Instruction is the persona/system instruction given to the chat session.
	Instruction string

	// Greeting seeds the transcript with one model message. Empty disables it.
	Greeting string

	// FallbackText replaces the placeholder when the stream fails.
	FallbackText string

	// Timeout bounds one streamed reply when the caller's context has no
	// deadline. Zero disables it.
	Timeout time.Duration
}

// DefaultConfig returns the persona defaults.
func DefaultConfig() Config {
	return Config{
		Instruction:  DefaultInstruction,
		Greeting:     "What is your request today?",
		FallbackText: "Interference in the Dangai... I lost the signal.",
		Timeout:      120 * time.Second,
	}
}

// DefaultInstruction is the persona the chat session is created with.
const DefaultInstruction = "You are Kisuke Urahara from Bleach. Be helpful but maintain your character. " +
	"Keep responses concise. talk in all lowercase unless needed, if code is asked just send the code " +
	"and no explaination or crumbs, just pure code. You are a genius in Code. " +
	"also make every variable simple if possible by making it one"

// Turn is one accepted send: the user record and its model placeholder.
type Turn struct {
	Text        string
	UserPos     int
	Placeholder int
}

// Controller runs the send protocol over one transcript.
type Controller struct {
	mu    sync.Mutex
	state State

	sessMu  sync.Mutex
	session types.ChatSession

	store  *transcript.Store
	client types.ChatClient
	config Config
	log    *logging.Logger
}

// NewController creates a controller over store. A nil store gets a fresh one.
// The greeting, if configured, is appended immediately.
func NewController(store *transcript.Store, client types.ChatClient, cfg Config) *Controller {
	if store == nil {
		store = transcript.NewStore()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultConfig().FallbackText
	}
	c := &Controller{
		store:  store,
		client: client,
		config: cfg,
		log:    logging.Get(logging.CategorySession),
	}
	if store.Len() == 0 {
		c.seedGreeting()
	}
	return c
}

func (c *Controller) seedGreeting() {
	if c.config.Greeting == "" {
		return
	}
	if pos, err := c.store.Append(transcript.Message{Role: transcript.RoleModel, Text: c.config.Greeting}); err == nil {
		_ = c.store.Finish(pos)
	}
}

// Store returns the transcript the controller mutates.
func (c *Controller) Store() *transcript.Store {
	return c.store
}

// State returns the current protocol state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a send is in flight.
func (c *Controller) Busy() bool {
	return c.State() != StateIdle
}

// Begin accepts a submission: it appends the user record and an empty model
// placeholder and moves to Sending. Blank input returns ErrEmptyInput and a
// send while not Idle returns ErrBusy; neither touches the transcript.
func (c *Controller) Begin(text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.log.Debug("dropping send while %s", state)
		return nil, ErrBusy
	}
	c.state = StateSending
	c.mu.Unlock()

	// Appends notify subscribers synchronously, so they run without c.mu held.
	userPos, err := c.store.Append(transcript.Message{Role: transcript.RoleUser, Text: text})
	if err != nil {
		c.setState(StateIdle)
		return nil, fmt.Errorf("append user message: %w", err)
	}
	placeholder, err := c.store.Append(transcript.Message{Role: transcript.RoleModel})
	if err != nil {
		c.setState(StateIdle)
		return nil, fmt.Errorf("append placeholder: %w", err)
	}
	c.log.Debug("turn accepted user=%d placeholder=%d chars=%d", userPos, placeholder, len(text))
	return &Turn{Text: text, UserPos: userPos, Placeholder: placeholder}, nil
}

// Run streams the reply for turn into its placeholder and returns the
// controller to Idle. Cancelling ctx stops consumption and leaves the record
// with whatever text had arrived. Every other failure is converted into an
// error record and reported as ErrStreamFailure.
func (c *Controller) Run(ctx context.Context, turn *Turn) error {
	if turn == nil {
		return fmt.Errorf("run: nil turn: %w", transcript.ErrInvalidState)
	}
	defer c.setState(StateIdle)

	if c.config.Timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
			defer cancel()
		}
	}

	start := time.Now()
	sess, err := c.chatSession(ctx)
	if err != nil {
		return c.fail(turn, fmt.Errorf("create session: %w", err))
	}

	chunks := 0
	for chunk, err := range sess.SendStreaming(ctx, turn.Text) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return c.cancelled(turn, chunks)
			}
			return c.fail(turn, err)
		}
		if chunks == 0 {
			c.setState(StateStreaming)
		}
		chunks++
		if err := c.store.AppendChunk(turn.Placeholder, chunk.Text); err != nil {
			// The placeholder was sealed underneath us (transcript reset).
			c.log.Warn("dropping chunk: %v", err)
			return nil
		}
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return c.cancelled(turn, chunks)
		}
		return c.fail(turn, ctx.Err())
	}

	_ = c.store.Finish(turn.Placeholder)
	c.log.Info("reply complete chunks=%d in %v", chunks, time.Since(start))
	return nil
}

// Clear starts the conversation over: the transcript is emptied, the greeting
// re-seeded and the chat session dropped. It is refused with ErrBusy while a
// send is in flight. Callers serialize Clear with Begin.
func (c *Controller) Clear() error {
	if c.Busy() {
		return ErrBusy
	}
	c.sessMu.Lock()
	c.session = nil
	c.sessMu.Unlock()

	c.store.Reset()
	c.seedGreeting()
	c.log.Info("transcript cleared")
	return nil
}

// Send is Begin followed by Run.
func (c *Controller) Send(ctx context.Context, text string) error {
	turn, err := c.Begin(text)
	if err != nil {
		return err
	}
	return c.Run(ctx, turn)
}

// chatSession returns the session handle, creating it on first use.
func (c *Controller) chatSession(ctx context.Context) (types.ChatSession, error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if c.client == nil {
		return nil, errors.New("no chat client configured")
	}
	sess, err := c.client.CreateSession(ctx, c.config.Instruction)
	if err != nil {
		return nil, err
	}
	c.session = sess
	c.log.Info("chat session created")
	return sess, nil
}

func (c *Controller) fail(turn *Turn, cause error) error {
	logging.APIError("stream failed: %v", cause)
	if err := c.store.MarkError(turn.Placeholder, c.config.FallbackText); err != nil {
		c.log.Warn("could not mark placeholder %d: %v", turn.Placeholder, err)
	}
	return fmt.Errorf("%w: %w", ErrStreamFailure, cause)
}

func (c *Controller) cancelled(turn *Turn, chunks int) error {
	c.log.Info("reply cancelled after %d chunks", chunks)
	_ = c.store.Finish(turn.Placeholder)
	return context.Canceled
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
