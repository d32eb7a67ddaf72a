package sheetmirror

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 200 * time.Millisecond

// StateWatcher reloads a Store when another process rewrites its JSON state
// file. It does not merge: whatever the file holds replaces the in-memory
// state, and local writes made afterwards overwrite the file again.
type StateWatcher struct {
	store    *Store
	backend  *JSONFileStateBackend
	watcher  *fsnotify.Watcher
	file     string
	debounce time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// WatchStateFile starts watching the directory holding the store's state
// file. The store must use a JSONFileStateBackend on the host filesystem.
func WatchStateFile(store *Store, debounce time.Duration, logger *zap.Logger) (*StateWatcher, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	backend, ok := store.stateBackend.(*JSONFileStateBackend)
	if !ok || backend.OSPath() == "" {
		return nil, errors.New("state watcher needs a host JSON state file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	file := filepath.Clean(backend.OSPath())
	if err := fw.Add(filepath.Dir(file)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &StateWatcher{
		store:    store,
		backend:  backend,
		watcher:  fw,
		file:     file,
		debounce: debounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	logger.Info("watching mirror state file", zap.String("path", file))
	return w, nil
}

func (w *StateWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
	})
	return err
}

func (w *StateWatcher) run() {
	defer close(w.doneCh)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *StateWatcher) reload() {
	changed, err := w.backend.changedExternally()
	if err != nil {
		w.logger.Warn("read mirror state file", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	if err := w.store.Reload(); err != nil {
		w.logger.Warn("reload mirror state", zap.Error(err))
		return
	}
	w.logger.Info("mirror state reloaded from disk", zap.String("path", w.file))
}
