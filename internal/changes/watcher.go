package changes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jward/kiln/internal/logger"
)

// Watcher feeds fsnotify events for a directory tree into a Tracker.
// Events are batched over a short quiet window; each batch becomes one
// session resolved on a background goroutine so the delivery loop never
// blocks on directory walks.
type Watcher struct {
	root    string
	filter  Filter
	tracker *Tracker
	window  time.Duration
	log     *logger.Logger

	fw *fsnotify.Watcher
	wg sync.WaitGroup

	// OnBatch, if set, is called after each batch has been folded into the
	// tracker.
	OnBatch func(events []Event)
}

// NewWatcher watches root recursively. Ignored directories are not
// watched.
func NewWatcher(root string, filter Filter, tracker *Tracker, window time.Duration, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("changes: create watcher: %w", err)
	}
	w := &Watcher{
		root:    root,
		filter:  filter,
		tracker: tracker,
		window:  window,
		log:     log.WithComponent("watcher"),
		fw:      fw,
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) ignored(p string) bool {
	return w.filter != nil && w.filter.IsIgnored(p)
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("changes: watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return fs.SkipDir
		}
		if err := w.fw.Add(p); err != nil {
			return fmt.Errorf("changes: watch %s: %w", p, err)
		}
		return nil
	})
}

// translate maps an fsnotify event to session events. fsnotify reports a
// rename as a Rename on the old name followed by a Create on the new one,
// so the old name is recorded as deleted.
func (w *Watcher) translate(ev fsnotify.Event) []Event {
	p := filepath.ToSlash(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		isDir := err == nil && info.IsDir()
		if isDir && !w.ignored(p) {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Debug("watch new directory", "path", p, "error", err)
			}
		}
		return []Event{{Kind: Created, Path: p, IsDir: isDir}}
	case ev.Has(fsnotify.Write):
		return []Event{{Kind: ContentChanged, Path: p}}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return []Event{{Kind: Deleted, Path: p}}
	}
	return nil
}

// Run delivers events until ctx is cancelled, then waits for in-flight
// resolutions and closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.wg.Wait()
		w.fw.Close()
	}()

	var batch []Event
	errs := w.fw.Errors
	timer := time.NewTimer(w.window)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		events := batch
		batch = nil
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.tracker.Process(ctx, events)
			if w.OnBatch != nil {
				w.OnBatch(events)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				flush()
				return nil
			}
			translated := w.translate(ev)
			if len(translated) == 0 {
				continue
			}
			batch = append(batch, translated...)
			timer.Reset(w.window)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Overflowed queues lose events; nothing precise survives that.
			w.log.Warn("watcher error, invalidating tracked changes", "error", err)
			w.tracker.Invalidate()
		case <-timer.C:
			flush()
		}
	}
}
