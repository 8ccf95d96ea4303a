// Package usage records token consumption per model, operation and page view,
// and persists the totals as JSON.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fanchat/internal/logging"
)

// maxSessions bounds BySession. Once it is full, new sessions only count
// toward the other totals.
const maxSessions = 256

type (
	trackerKey struct{}
	sessionKey struct{}
)

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu        sync.Mutex
	data      UsageData
	filePath  string
	dirty     bool
	saveDelay time.Duration
	timer     *time.Timer
	closed    bool
}

// NewTracker creates a tracker persisted at path. An unreadable file is
// logged and replaced on the next save.
func NewTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}
	t := &Tracker{
		filePath:  path,
		saveDelay: 5 * time.Second,
		data:      UsageData{Version: "1.0"},
	}
	t.data.Aggregate.initMaps()
	if err := t.Load(); err != nil {
		logging.BootWarn("ignoring unreadable usage file %s: %v", path, err)
	}
	return t, nil
}

func (s *AggregatedStats) initMaps() {
	if s.ByModel == nil {
		s.ByModel = make(map[string]TokenCounts)
	}
	if s.ByOperation == nil {
		s.ByOperation = make(map[string]TokenCounts)
	}
	if s.BySession == nil {
		s.BySession = make(map[string]TokenCounts)
	}
}

// Load reads the usage data from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	loaded.Aggregate.initMaps()
	t.data = loaded
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	t.dirty = false
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one completed request. Saving is debounced.
func (t *Tracker) Track(ev UsageEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.SessionID == "" {
		ev.SessionID = "cli"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	agg := &t.data.Aggregate
	agg.Total.Add(ev.InputTokens, ev.OutputTokens)
	agg.Requests++
	agg.LastUpdated = ev.Timestamp
	addToMap(agg.ByModel, ev.Model, ev.InputTokens, ev.OutputTokens)
	addToMap(agg.ByOperation, ev.Operation, ev.InputTokens, ev.OutputTokens)
	if _, ok := agg.BySession[ev.SessionID]; ok || len(agg.BySession) < maxSessions {
		addToMap(agg.BySession, ev.SessionID, ev.InputTokens, ev.OutputTokens)
	}

	if t.dirty || t.closed {
		return
	}
	t.dirty = true
	t.timer = time.AfterFunc(t.saveDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.dirty {
			return
		}
		if err := t.saveLocked(); err != nil {
			logging.APIError("usage save failed: %v", err)
		}
	})
}

// Close stops the pending autosave and flushes unsaved counts.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if !t.dirty {
		return nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithSession tags requests made under ctx with a session id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session id set by WithSession.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
