package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/symbolicator"
)

// Workspace is a binaries directory with its symbolicator
type Workspace struct {
	Name         string
	Dir          string
	Symbolicator *symbolicator.Symbolicator

	logger       *zap.Logger
	lastAccessed atomic.Int64

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func newWorkspace(name, dir string, sym *symbolicator.Symbolicator, logger *zap.Logger) *Workspace {
	ws := &Workspace{
		Name:         name,
		Dir:          dir,
		Symbolicator: sym,
		logger:       logger,
	}
	ws.Touch()
	return ws
}

// Touch records that the workspace was used
func (w *Workspace) Touch() {
	w.lastAccessed.Store(time.Now().UnixNano())
}

// LastAccessed returns when the workspace was last used
func (w *Workspace) LastAccessed() time.Time {
	return time.Unix(0, w.lastAccessed.Load())
}

func (w *Workspace) startWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.Dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watch(watcher)
	}()
	return nil
}

func (w *Workspace) watch(watcher *fsnotify.Watcher) {
	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&changed == 0 {
				continue
			}
			for _, path := range w.affected(event.Name) {
				if w.Symbolicator.Invalidate(path) {
					w.logger.Debug("Dropped cached debug metadata", zap.String("module", path), zap.Stringer("op", event.Op))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// affected lists the cached binaries a change to name can stale: the file
// itself, and for a PDB the binary of the same base name
func (w *Workspace) affected(name string) []string {
	name = filepath.Clean(name)
	paths := []string{name}
	if strings.EqualFold(filepath.Ext(name), ".pdb") {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		paths = append(paths, stem+w.Symbolicator.Resolver().Ext)
	}
	return paths
}

// Close stops watching and releases cached debug metadata
func (w *Workspace) Close() error {
	var errs *multierror.Error
	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close watcher: %w", err))
		}
		w.wg.Wait()
	}
	if err := w.Symbolicator.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
