package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// watchDir returns a temp directory safe to compare against event paths.
// On macOS the temp dir lives behind a /private symlink.
func watchDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestFileWatcher_EmitsDebouncedWriteEvent(t *testing.T) {
	dir := watchDir(t)

	fw := NewFileWatcher(dir)
	fw.SetDebounceTimeout(10 * time.Millisecond)
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	testFile := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello"), 0o644))

	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path())
		// create and write bursts collapse onto the latest event
		assert.Equal(t, notify.Write, event.Event())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for file event")
	}
}

func TestFileWatcher_FilterDropsPaths(t *testing.T) {
	dir := watchDir(t)

	fw := NewFileWatcher(dir)
	fw.SetDebounceTimeout(10 * time.Millisecond)
	fw.FilterPaths(func(path string) bool {
		return filepath.Ext(path) == ".log"
	})
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("drop"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("keep"), 0o644))

	select {
	case event := <-fw.Events():
		assert.Equal(t, filepath.Join(dir, "note.txt"), event.Path())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for unfiltered event")
	}

	// nothing pending for the filtered file
	select {
	case event := <-fw.Events():
		t.Fatalf("expected no further events, got %s", event.Path())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileWatcher_DebounceCollapsesBurst(t *testing.T) {
	dir := watchDir(t)

	fw := NewFileWatcher(dir)
	fw.SetDebounceTimeout(200 * time.Millisecond)
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	testFile := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(testFile, []byte("burst"), 0o644))
	}

	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for debounced event")
	}

	select {
	case event := <-fw.Events():
		t.Fatalf("burst should collapse to one event, got another for %s", event.Path())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileWatcher_StopClosesEvents(t *testing.T) {
	dir := watchDir(t)

	fw := NewFileWatcher(dir)
	require.NoError(t, fw.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		fw.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case _, ok := <-fw.Events():
		assert.False(t, ok, "events channel should be closed after Stop")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("events channel should be closed and immediately readable")
	}
}
