package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the catalog file and reloads it on change. A reload
// produces a fresh immutable Catalog handed to the OnChange callback; the
// previous catalog is never mutated.
type Watcher struct {
	path        string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu       sync.RWMutex
	onChange func(*Catalog)
}

// NewWatcher creates a watcher for the catalog file at path.
func NewWatcher(path string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnChange sets the callback invoked with each reloaded catalog.
func (w *Watcher) OnChange(fn func(*Catalog)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start begins watching. Watching the directory rather than the file
// itself survives editors that replace the file on save. Falls back to
// polling when the directory cannot be watched.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch catalog directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Started watching catalog file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload rereads the catalog file and notifies the callback. Also used
// for SIGHUP-triggered reloads.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) && event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for the write to complete
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected catalog file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				log.Info().Msg("Detected catalog file change via polling")
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.RLock()
	callback := w.onChange
	w.mu.RUnlock()

	c := Load(w.path)
	if callback != nil {
		callback(c)
	}
}
