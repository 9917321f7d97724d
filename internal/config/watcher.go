package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher delivers debounced change notifications for individual files.
// The intent engine uses it to hot-reload the sensitive vocabulary and the
// dynamic intent configuration; server options themselves never hot-reload.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	logger    *zap.Logger
	mu        sync.Mutex
	callbacks map[string][]func(string)
	timers    map[string]*time.Timer
	stopCh    chan struct{}
	debounce  time.Duration
}

// NewFileWatcher creates a watcher. Call Stop when done.
func NewFileWatcher(logger *zap.Logger) (*FileWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &FileWatcher{
		watcher:   fsWatcher,
		logger:    logger,
		callbacks: make(map[string][]func(string)),
		timers:    make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
		debounce:  500 * time.Millisecond,
	}
	go w.watchLoop()
	return w, nil
}

// Watch registers onChange for path. Watching the parent directory keeps
// notifications working across editors that replace the file on save.
func (w *FileWatcher) Watch(path string, onChange func(string)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}

	w.mu.Lock()
	w.callbacks[abs] = append(w.callbacks[abs], onChange)
	w.mu.Unlock()

	w.logger.Debug("watching file", zap.String("path", abs))
	return nil
}

func (w *FileWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			if _, registered := w.callbacks[abs]; registered {
				if t := w.timers[abs]; t != nil {
					t.Stop()
				}
				w.timers[abs] = time.AfterFunc(w.debounce, func() {
					w.fire(abs)
				})
			}
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *FileWatcher) fire(path string) {
	w.mu.Lock()
	callbacks := make([]func(string), len(w.callbacks[path]))
	copy(callbacks, w.callbacks[path])
	w.mu.Unlock()

	w.logger.Info("watched file changed", zap.String("path", path))
	for _, cb := range callbacks {
		go func(fn func(string)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("watch callback panicked",
						zap.String("path", path),
						zap.Any("panic", r),
					)
				}
			}()
			fn(path)
		}(cb)
	}
}

// Stop shuts the watcher down.
func (w *FileWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
