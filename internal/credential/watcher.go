package credential

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounce window for bursts of fsnotify events during file writes.
const reloadDebounce = 200 * time.Millisecond

// Watcher monitors the auth directory and reloads the store when credential
// files change. Stores in env mode do not need a watcher.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onReload func()
}

// NewWatcher creates a file watcher bound to the store's auth directory.
// onReload, if non-nil, runs after every completed reload.
func NewWatcher(store *Store, onReload func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: store, watcher: fsWatcher, onReload: onReload}, nil
}

// Start begins watching the auth directory and processing events until the
// context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.store.authDir); err != nil {
		log.Errorf("failed to watch auth directory %s: %v", w.store.authDir, err)
		return err
	}
	log.Debugf("watching auth directory: %s", w.store.authDir)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fileNamePattern.MatchString(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("auth directory event: %s %s", event.Op, filepath.Base(event.Name))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				w.store.Reload()
				if w.onReload != nil {
					w.onReload()
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("auth directory watcher error: %v", err)
		}
	}
}
