package plugin

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DirWatcher reports manifest changes under the plugin directories
type DirWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func()
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// NewDirWatcher creates a new directory watcher. onChange runs once per burst
// of manifest events.
func NewDirWatcher(logger zerolog.Logger, debounce time.Duration, onChange func()) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &DirWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "plugin-watcher").Logger(),
		onChange: onChange,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch watches a plugin directory and every plugin directory inside it.
func (w *DirWatcher) Watch(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*"))
	for _, m := range matches {
		if _, ok := FindManifest(m); ok {
			if err := w.watcher.Add(m); err != nil {
				w.logger.Warn().Err(err).Str("dir", m).Msg("Failed to watch plugin directory")
			}
		}
	}
	return nil
}

// Stop stops the watcher
func (w *DirWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *DirWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// A new plugin directory: watch it for its manifest.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if !isManifestEvent(event) {
				continue
			}
			w.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("Manifest change detected")
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Plugin watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func isManifestEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return false
	}
	base := filepath.Base(event.Name)
	for _, name := range manifestFiles {
		if base == name {
			return true
		}
	}
	return false
}

// schedule debounces onChange
func (w *DirWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}
