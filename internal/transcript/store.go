// Package transcript holds the ordered message history of one chat session.
//
// The store is append-only except for the last model record, which may grow
// while its reply streams in. Every successful mutation is announced to
// subscribers synchronously and in mutation order.
package transcript

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidState is returned when a mutation targets a record that cannot
// change: not the last one, not a model reply, or already sealed.
var ErrInvalidState = errors.New("transcript: invalid state")

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Message is one transcript record.
type Message struct {
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	IsError bool      `json:"isError,omitempty"`
	Time    time.Time `json:"time"`
}

// EventKind describes what a notification is about.
type EventKind int

const (
	EventAppended EventKind = iota
	EventChunk
	EventError
	EventFinished
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "append"
	case EventChunk:
		return "chunk"
	case EventError:
		return "error"
	case EventFinished:
		return "finish"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after each mutation. Message is a copy of
// the record at Position after the mutation (zero for EventReset).
type Event struct {
	Kind     EventKind
	Position int
	Message  Message
	Delta    string // EventChunk only
}

type record struct {
	msg    Message
	sealed bool
}

type subscriber struct {
	id int
	fn func(Event)
}

// Store is safe for concurrent readers; writers are expected to be serialized
// by the send protocol.
type Store struct {
	mu      sync.RWMutex
	records []record
	subs    []subscriber
	nextSub int

	// notifyMu keeps delivery order equal to mutation order while letting
	// subscribers take read locks on mu.
	notifyMu sync.Mutex

	now func() time.Time
}

// NewStore returns an empty transcript.
func NewStore() *Store {
	return &Store{
		records: make([]record, 0, 32),
		now:     time.Now,
	}
}

// Append adds msg to the end of the transcript and returns its position.
// The previously last record, if still open, is sealed.
func (s *Store) Append(msg Message) (int, error) {
	if !msg.Role.Valid() {
		return -1, fmt.Errorf("append: unknown role %q", msg.Role)
	}

	s.mu.Lock()
	if n := len(s.records); n > 0 {
		s.records[n-1].sealed = true
	}
	if msg.Time.IsZero() {
		msg.Time = s.now()
	}
	// User and error records are final on arrival.
	sealed := msg.Role == RoleUser || msg.IsError
	s.records = append(s.records, record{msg: msg, sealed: sealed})
	pos := len(s.records) - 1
	s.publishLocked(Event{Kind: EventAppended, Position: pos, Message: msg})
	return pos, nil
}

// AppendChunk concatenates delta onto the record at position. Only the last,
// still-open model record accepts chunks; anything else leaves the store
// untouched and returns ErrInvalidState.
func (s *Store) AppendChunk(position int, delta string) error {
	s.mu.Lock()
	if err := s.checkOpenLocked(position, true); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("append chunk at %d: %w", position, err)
	}
	rec := &s.records[position]
	rec.msg.Text += delta
	s.publishLocked(Event{Kind: EventChunk, Position: position, Message: rec.msg, Delta: delta})
	return nil
}

// MarkError replaces the open model record at position with a terminal,
// error-flagged record carrying text.
func (s *Store) MarkError(position int, text string) error {
	s.mu.Lock()
	if err := s.checkOpenLocked(position, false); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("mark error at %d: %w", position, err)
	}
	rec := &s.records[position]
	rec.msg = Message{Role: RoleModel, Text: text, IsError: true, Time: rec.msg.Time}
	rec.sealed = true
	s.publishLocked(Event{Kind: EventError, Position: position, Message: rec.msg})
	return nil
}

// Finish seals the model record at position once its stream has ended.
// Finishing an already sealed last record is a no-op.
func (s *Store) Finish(position int) error {
	s.mu.Lock()
	if position < 0 || position >= len(s.records) {
		s.mu.Unlock()
		return fmt.Errorf("finish %d: %w", position, ErrInvalidState)
	}
	rec := &s.records[position]
	if rec.sealed {
		s.mu.Unlock()
		return nil
	}
	rec.sealed = true
	s.publishLocked(Event{Kind: EventFinished, Position: position, Message: rec.msg})
	return nil
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = s.records[:0]
	s.publishLocked(Event{Kind: EventReset, Position: -1})
}

// checkOpenLocked validates that position names a mutable model record.
// When mustBeLast is set the record must also be the newest one.
func (s *Store) checkOpenLocked(position int, mustBeLast bool) error {
	if position < 0 || position >= len(s.records) {
		return ErrInvalidState
	}
	if mustBeLast && position != len(s.records)-1 {
		return ErrInvalidState
	}
	rec := s.records[position]
	if rec.msg.Role != RoleModel || rec.sealed {
		return ErrInvalidState
	}
	return nil
}

// publishLocked is called with mu held and releases it before running the
// subscribers.
func (s *Store) publishLocked(ev Event) {
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// Subscribe registers fn for every future mutation. Subscribers may read the
// store but must not mutate it. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// At returns a copy of the record at position.
func (s *Store) At(position int) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if position < 0 || position >= len(s.records) {
		return Message{}, false
	}
	return s.records[position].msg, true
}

// Last returns the newest record and its position.
func (s *Store) Last() (Message, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if n == 0 {
		return Message{}, -1, false
	}
	return s.records[n-1].msg, n - 1, true
}

// IsOpen reports whether the record at position still accepts chunks.
func (s *Store) IsOpen(position int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpenLocked(position, true) == nil
}

// Snapshot returns a copy of all records in display order.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.msg
	}
	return out
}
