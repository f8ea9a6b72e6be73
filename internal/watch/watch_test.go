package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/0xPuncker/mozart-engraver/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleName(t *testing.T) {
	for path, want := range map[string]string{
		"/p/1756_001_1.ly":          "1756_001_1",
		"/p/1756_001_1-include.ily": "1756_001_1",
		"1756_002_3.ly":             "1756_002_3",
	} {
		name, ok := ExampleName(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, name)
	}

	for _, path := range []string{"/p/notes.txt", "/p/lib.ily", "/p/export/1756_001_1.pdf"} {
		_, ok := ExampleName(path)
		assert.False(t, ok, path)
	}
}

func TestWatcherTriggersChangedExamples(t *testing.T) {
	root := t.TempDir()
	triggered := make(chan []string, 4)
	w := New(root, 50*time.Millisecond, func(examples []string) error {
		triggered <- examples
		return nil
	}, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ex_b.ly"), []byte("{ c }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ex_a-include.ily"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	select {
	case examples := <-triggered:
		assert.Equal(t, []string{"ex_a", "ex_b"}, examples)
	case <-time.After(3 * time.Second):
		t.Fatal("no trigger")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcherRetriesWhileBatchRunning(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	triggered := make(chan []string, 4)
	w := New(t.TempDir(), 20*time.Millisecond, func(examples []string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return batch.ErrBatchRunning
		}
		triggered <- examples
		return nil
	}, testutil.Logger())

	w.add("ex_a")

	select {
	case examples := <-triggered:
		assert.Equal(t, []string{"ex_a"}, examples)
	case <-time.After(2 * time.Second):
		t.Fatal("changed example was dropped")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestWatcherMissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), 0, func([]string) error { return nil }, testutil.Logger())
	assert.Error(t, w.Run(context.Background()))
}
