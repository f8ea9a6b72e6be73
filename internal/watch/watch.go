// Package watch recompiles examples when their sources are saved.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const includeSuffix = "-include.ily"

// Trigger compiles the given examples.
type Trigger func(examples []string) error

type Watcher struct {
	root     string
	trigger  Trigger
	logger   *logrus.Logger
	debounce func(f func())

	mu      sync.Mutex
	pending map[string]struct{}
}

func New(root string, delay time.Duration, trigger Trigger, logger *logrus.Logger) *Watcher {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Watcher{
		root:     root,
		trigger:  trigger,
		logger:   logger,
		debounce: debounce.New(delay),
		pending:  make(map[string]struct{}),
	}
}

// ExampleName maps a source file to the example it belongs to.
func ExampleName(path string) (string, bool) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, includeSuffix):
		return strings.TrimSuffix(base, includeSuffix), true
	case strings.HasSuffix(base, ".ly"):
		return strings.TrimSuffix(base, ".ly"), true
	default:
		return "", false
	}
}

// Run watches the project root until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	w.logger.Infof("Watching %s for changed examples", w.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if name, ok := ExampleName(event.Name); ok {
				w.logger.Debugf("Source changed: %s", event.Name)
				w.add(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("File watcher error: %v", err)
		}
	}
}

func (w *Watcher) add(names ...string) {
	w.mu.Lock()
	for _, name := range names {
		w.pending[name] = struct{}{}
	}
	w.mu.Unlock()
	w.debounce(w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	examples := make([]string, 0, len(w.pending))
	for name := range w.pending {
		examples = append(examples, name)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(examples) == 0 {
		return
	}
	sort.Strings(examples)

	err := w.trigger(examples)
	switch {
	case errors.Is(err, batch.ErrBatchRunning):
		w.logger.Debugf("Batch running, postponing %d changed examples", len(examples))
		w.add(examples...)
	case err != nil:
		w.logger.Errorf("Failed to compile changed examples: %v", err)
	default:
		w.logger.WithField("examples", examples).Info("Compiling changed examples")
	}
}
