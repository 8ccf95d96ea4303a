package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.json")
	tracker, err := NewTracker(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker, path
}

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	tracker, path := newTestTracker(t)

	tracker.Track(UsageEvent{Model: "gemini-3-flash-preview", Operation: "chat", SessionID: "page-1", InputTokens: 10, OutputTokens: 5})
	tracker.Track(UsageEvent{Model: "gemini-3-flash-preview", Operation: "caption", InputTokens: 2, OutputTokens: 3})

	stats := tracker.Stats()
	assert.Equal(t, TokenCounts{Input: 12, Output: 8, Total: 20}, stats.Total)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(20), stats.ByModel["gemini-3-flash-preview"].Total)
	assert.Equal(t, int64(15), stats.ByOperation["chat"].Total)
	assert.Equal(t, int64(5), stats.ByOperation["caption"].Total)
	assert.Equal(t, int64(15), stats.BySession["page-1"].Total)
	assert.Equal(t, int64(5), stats.BySession["cli"].Total, "untagged requests")

	require.NoError(t, tracker.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted UsageData
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, int64(20), persisted.Aggregate.Total.Total)
}

func TestTracker_LoadsPreviousTotals(t *testing.T) {
	tracker, path := newTestTracker(t)
	tracker.Track(UsageEvent{Model: "m", Operation: "chat", InputTokens: 1, OutputTokens: 1})
	require.NoError(t, tracker.Close())

	again, err := NewTracker(path)
	require.NoError(t, err)
	defer again.Close()
	again.Track(UsageEvent{Model: "m", Operation: "chat", InputTokens: 1, OutputTokens: 1})
	assert.Equal(t, int64(4), again.Stats().Total.Total)
}

func TestTracker_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	tracker, err := NewTracker(path)
	require.NoError(t, err)
	defer tracker.Close()
	assert.Zero(t, tracker.Stats().Requests)
	assert.NotNil(t, tracker.Stats().ByModel)
}

func TestTracker_StatsAreCopies(t *testing.T) {
	tracker, _ := newTestTracker(t)
	tracker.Track(UsageEvent{Model: "m", Operation: "chat", InputTokens: 1})

	stats := tracker.Stats()
	stats.ByModel["m"] = TokenCounts{}
	assert.Equal(t, int64(1), tracker.Stats().ByModel["m"].Total)
}

func TestContextHelpers(t *testing.T) {
	tracker, _ := newTestTracker(t)

	ctx := NewContext(context.Background(), tracker)
	assert.Same(t, tracker, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))

	ctx = WithSession(ctx, "page-7")
	assert.Equal(t, "page-7", SessionFrom(ctx))
	assert.Empty(t, SessionFrom(context.Background()))
}
