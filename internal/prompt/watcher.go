package prompt

import (
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/bitflow/flowproxy/internal/logging"
)

// DefaultWatchPattern selects the files whose changes trigger a reload.
const DefaultWatchPattern = "*.md"

// Watcher reloads a Selector when template files in the prompts directory
// change.
type Watcher struct {
	watcher  *fsnotify.Watcher
	selector *Selector
	files    Files
	pattern  string
	onReload func(error)

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches files.Dir. onReload, if set, is called after every
// reload attempt.
func NewWatcher(selector *Selector, files Files, onReload func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the files; editors replace files on save.
	if err := w.Add(files.Dir); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		selector: selector,
		files:    files,
		pattern:  DefaultWatchPattern,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.matches(ev.Name) {
				continue
			}
			w.reload(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("prompt watcher error")
		}
	}
}

func (w *Watcher) matches(name string) bool {
	matched, err := doublestar.Match(w.pattern, filepath.Base(name))
	return err == nil && matched
}

func (w *Watcher) reload(changed string) {
	err := w.selector.ReloadFrom(w.files)
	if err != nil {
		logging.Error().Err(err).Str("file", changed).Msg("prompt reload failed, keeping previous templates")
	} else {
		logging.Info().Str("file", changed).Msg("prompt templates reloaded")
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
