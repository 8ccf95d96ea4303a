package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearKeyEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: first\n"), 0644))

	reloads := make(chan *Config, 4)
	w, err := NewWatcher(path, func() (*Config, error) { return Load(path) }, func(c *Config) { reloads <- c })
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	quiet := func(msg string) {
		t.Helper()
		select {
		case c := <-reloads:
			t.Fatalf("%s: unexpected reload name=%s", msg, c.Name)
		case <-time.After(200 * time.Millisecond):
		}
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("name: other\n"), 0644))
	quiet("other files are ignored")

	require.NoError(t, os.WriteFile(path, []byte("name: [\n"), 0644))
	quiet("invalid YAML keeps the previous settings")

	require.NoError(t, os.WriteFile(path, []byte("name: second\npersona:\n  greeting: The shop is open.\n"), 0644))
	select {
	case c := <-reloads:
		assert.Equal(t, "second", c.Name)
		assert.Equal(t, "The shop is open.", c.Persona.Greeting)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after a valid write")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent", "config.yaml")
	_, err := NewWatcher(path, func() (*Config, error) { return DefaultConfig(), nil }, func(*Config) {})
	assert.Error(t, err)
}
