package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce used when [Options.Debounce] is zero.
const DefaultDebounce = 500 * time.Millisecond

// Configures [Run].
type Options struct {
	Paths    []string      // Files or directories to watch.
	Exclude  []string      // Directories whose changes are ignored.
	Debounce time.Duration // Quiet period before a run starts.
}

// Calls fn once, then again after every debounced batch of changes, until
// ctx is cancelled.
//
// Errors from fn are logged and watching continues; Run itself only fails
// when the watcher cannot be set up. Cancellation returns nil.
func Run(ctx context.Context, opts Options, fn func(context.Context) error) error {
	w, err := newWatcher(opts)
	if err != nil {
		return err
	}
	defer w.close()

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	runs := make(chan struct{}, 1)
	runs <- struct{}{}
	trigger := newDebouncer(debounce, runs)

	go w.loop(ctx, trigger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-runs:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("run failed, waiting for changes", "error", err)
			}
		}
	}
}

// Returns a function that requests a run once no call has been made for d.
// Requests made while a run is pending collapse into it.
func newDebouncer(d time.Duration, runs chan<- struct{}) func() {
	var mu sync.Mutex
	var timer *time.Timer

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d, func() {
			select {
			case runs <- struct{}{}:
			default:
			}
		})
	}
}

type watcher struct {
	fs      *fsnotify.Watcher
	dirs    []string        // Recursively watched roots.
	files   map[string]bool // Individually watched files.
	exclude []string        // Ignored directories.
}

func newWatcher(opts Options) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatch, err)
	}

	w := &watcher{fs: fs, files: make(map[string]bool)}

	for _, p := range opts.Exclude {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.close()
			return nil, fmt.Errorf("%w: %w", ErrWatch, err)
		}
		w.exclude = append(w.exclude, abs)
	}

	for _, p := range opts.Paths {
		if err := w.add(p); err != nil {
			w.close()
			return nil, err
		}
	}

	return w, nil
}

// Adds a file or directory.
func (w *watcher) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatch, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatch, err)
	}

	if info.IsDir() {
		w.dirs = append(w.dirs, abs)
		return w.addDirsRecursive(abs)
	}

	w.files[abs] = true
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("%w: %w", ErrWatch, err)
	}
	return nil
}

func (w *watcher) addDirsRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(p) || (p != root && strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			slog.Warn("watch add failed", "dir", p, "error", err)
		}
		return nil
	})
}

func (w *watcher) close() {
	_ = w.fs.Close()
}

// Forwards relevant events to trigger until ctx is done or the watcher is
// closed.
func (w *watcher) loop(ctx context.Context, trigger func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev, trigger)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event, trigger func()) {
	if !w.relevant(ev.Name) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addDirsRecursive(ev.Name)
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}
	slog.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
	trigger()
}

// Reports whether a change to p should trigger a run.
func (w *watcher) relevant(p string) bool {
	if w.files[p] {
		return true
	}
	if shouldIgnore(p) || w.excluded(p) {
		return false
	}
	for _, dir := range w.dirs {
		if p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *watcher) excluded(p string) bool {
	for _, dir := range w.exclude {
		if p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Reports whether p is a hidden or editor temporary file.
func shouldIgnore(p string) bool {
	base := filepath.Base(p)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		(strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"))
}
