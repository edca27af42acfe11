package storage

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes to the artifact file. The loaded model is never
// swapped; the warning tells operators a restart is needed to pick up the
// new artifact.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	log      *zap.Logger
	onChange func(fsnotify.Event)
}

// NewWatcher watches the directory holding path, so atomic replacements
// (write temp file, rename over) are seen as well as in-place writes.
func NewWatcher(path string, log *zap.Logger, onChange func(fsnotify.Event)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: abs, fw: fw, log: log, onChange: onChange}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.log.Warn("model artifact changed on disk; restart to load it",
				zap.String("path", w.path),
				zap.String("op", event.Op.String()))
			if w.onChange != nil {
				w.onChange(event)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("artifact watcher error", zap.Error(err))
		}
	}
}
