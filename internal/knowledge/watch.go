package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault coalesces the burst of events an atomic write produces.
const debounceDefault = 200 * time.Millisecond

// Watcher merges external edits of the knowledge base file into a Store.
type Watcher struct {
	store    *Store
	debounce time.Duration
	onMerge  func(changed int)
}

// NewWatcher returns a watcher for store. onMerge, if set, is called after
// every reload that changed at least one entry.
func NewWatcher(store *Store, onMerge func(changed int)) *Watcher {
	return &Watcher{store: store, debounce: debounceDefault, onMerge: onMerge}
}

// Run watches the file's directory until ctx is cancelled. The directory is
// watched rather than the file because rename-based writes replace the inode.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(w.store.Path())
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.store.log.WithError(err).Warn("knowledge base watcher error")
		}
	}
}

func (w *Watcher) reload() {
	changed, err := w.store.Merge()
	if err != nil {
		w.store.log.WithError(err).Warn("ignoring unreadable external knowledge base edit")
		return
	}
	if changed == 0 {
		return
	}
	w.store.log.WithField("changed", changed).Info("merged external knowledge base edit")
	if w.onMerge != nil {
		w.onMerge(changed)
	}
}
