package definitions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Registrar stores loaded definitions, versioning the ones that changed.
type Registrar interface {
	RegisterDefinitions(ctx context.Context, defs []*domain.WorkflowDefinition) error
}

// Watcher re-registers the definitions directory whenever a YAML file in it changes.
type Watcher struct {
	Dir       string
	Registrar Registrar
	Debounce  time.Duration
}

func NewWatcher(dir string, registrar Registrar) *Watcher {
	return &Watcher{Dir: dir, Registrar: registrar, Debounce: defaultDebounce}
}

// Sync loads the directory once and registers everything in it.
func (w *Watcher) Sync(ctx context.Context) error {
	defs, err := LoadDir(w.Dir)
	if err != nil {
		return err
	}
	if err := w.Registrar.RegisterDefinitions(ctx, defs); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Workflow definitions loaded", "dir", w.Dir, "count", len(defs))
	return nil
}

// Watch blocks until ctx is done. A broken fsnotify watcher is recreated with backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.Debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := w.Sync(ctx); err != nil {
				slog.WarnContext(ctx, "Workflow definitions rejected", "dir", w.Dir, "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, restartBackoffMax)
		return true
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			slog.WarnContext(ctx, "Definitions watch init failed", "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(w.Dir); err != nil {
			_ = fw.Close()
			slog.WarnContext(ctx, "Definitions watch add failed", "dir", w.Dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		slog.DebugContext(ctx, "Definitions watcher started", "dir", w.Dir)

		if done := w.loop(ctx, fw, debounce); done {
			return nil
		}
		// the watcher broke, reload once in case events were missed
		debounce()
	}
	return nil
}

// loop returns true when ctx ended and false when the watcher needs recreating.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, debounce func()) bool {
	defer fw.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			if !IsDefinitionFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == fsnotify.ErrEventOverflow {
				debounce()
				continue
			}
			slog.WarnContext(ctx, "Definitions watcher error", "error", err)
		}
	}
}
