package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_EmitsDebouncedChange(t *testing.T) {
	dir := t.TempDir()
	w, err := New(50 * time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(dir))
	defer w.Stop()

	path := filepath.Join(dir, "till-1.db")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case c := <-w.Changes():
		assert.Equal(t, "till-1", c.DBID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change emitted")
	}

	// The burst coalesces into one change.
	select {
	case c := <-w.Changes():
		t.Fatalf("unexpected second change %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := New(0)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.TempDir()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(t.TempDir()), "second start")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())

	_, ok := <-w.Changes()
	assert.False(t, ok)
}

func TestWatcher_MissingDir(t *testing.T) {
	w, err := New(0)
	require.NoError(t, err)
	assert.Error(t, w.Start(filepath.Join(t.TempDir(), "missing")))
	assert.False(t, w.IsRunning())
}

func TestDBIDForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/data/till-1.db", "till-1", true},
		{"/data/till-1.db-wal", "till-1", true},
		{"/data/till-1.db-shm", "", false},
		{"/data/.db", "", false},
		{"/data/readme.md", "", false},
	}
	for _, tt := range tests {
		got, ok := DBIDForPath(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}
