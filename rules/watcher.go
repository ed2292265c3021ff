package rules

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
)

// Watcher reloads a Store when its definitions directory changes.
type Watcher struct {
	store          *Store
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	onReload      func(error)
}

// NewWatcher watches the store's directory.
func NewWatcher(store *Store, logger *zap.SugaredLogger) (*Watcher, error) {
	if store.Dir() == "" {
		return nil, errors.NewConfigurationError("rule store has no directory to watch")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch rules dir %s", store.Dir())
	}

	return &Watcher{
		store:          store,
		watcher:        fw,
		logger:         logger,
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback receiving the result of every reload.
func (w *Watcher) OnReload(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounceTimer != nil {
				w.debounceTimer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			w.logger.Debugw("Rule definition changed",
				"file", event.Name,
				"op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Rule watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of editor writes into one reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		err := w.store.Reload()
		if err != nil {
			w.logger.Errorw("Rule reload failed, keeping previous catalog", "error", err)
		}
		w.mu.Lock()
		fn := w.onReload
		w.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}
