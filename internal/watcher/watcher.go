// Package watcher reports import files that settle in an inbox directory.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/simreg/regq/internal/log"
)

// Config holds watcher configuration options.
type Config struct {
	Dir        string
	Extensions []string
	// Quiet is how long a file must go without writes before it is reported.
	Quiet time.Duration
	// Backlog reports files already in Dir when the watcher starts.
	Backlog bool
}

// DefaultConfig watches dir for CSV, text and Excel files, including any
// already waiting there.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		Extensions: []string{".csv", ".txt", ".xlsx"},
		Quiet:      500 * time.Millisecond,
		Backlog:    true,
	}
}

// Watcher delivers the path of each import file in the inbox once writes to
// it have been quiet for Config.Quiet. Each file is timed separately, so a
// slow upload does not hold back a file that finished earlier.
type Watcher struct {
	cfg  Config
	exts map[string]bool
	fsw  *fsnotify.Watcher
	out  chan string
}

// New creates a watcher for cfg.Dir. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = true
	}
	return &Watcher{cfg: cfg, exts: exts, fsw: fsw, out: make(chan string, 16)}, nil
}

// Matches reports whether name is an import file this watcher would deliver.
// Hidden files and Office lock files (~$name.xlsx) never match.
func (w *Watcher) Matches(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

// Start watches the inbox until ctx is done, then closes the returned channel
// and the underlying fsnotify watcher.
func (w *Watcher) Start(ctx context.Context) (<-chan string, error) {
	if err := w.fsw.Add(w.cfg.Dir); err != nil {
		_ = w.fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", w.cfg.Dir, err)
	}

	var backlog []string
	if w.cfg.Backlog {
		var err error
		if backlog, err = w.existing(); err != nil {
			_ = w.fsw.Close()
			return nil, err
		}
	}

	log.Info(log.CatWatcher, "Watching inbox", "dir", w.cfg.Dir, "quiet", w.cfg.Quiet, "backlog", len(backlog))
	go w.loop(ctx, backlog)
	return w.out, nil
}

func (w *Watcher) existing() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && w.Matches(e.Name()) {
			paths = append(paths, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (w *Watcher) loop(ctx context.Context, backlog []string) {
	defer close(w.out)
	defer func() { _ = w.fsw.Close() }()

	for _, p := range backlog {
		if !w.send(ctx, p) {
			return
		}
	}

	// settleAt holds, per path, the time its last write becomes quiet.
	settleAt := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	rearm := func(now time.Time) {
		var next time.Time
		for _, at := range settleAt {
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
		timer.Stop()
		if !next.IsZero() {
			timer.Reset(max(next.Sub(now), 0))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			now := time.Now()
			settleAt[ev.Name] = now.Add(w.cfg.Quiet)
			rearm(now)

		case now := <-timer.C:
			var due []string
			for p, at := range settleAt {
				if !at.After(now) {
					due = append(due, p)
					delete(settleAt, p)
				}
			}
			sort.Strings(due)
			for _, p := range due {
				if !w.send(ctx, p) {
					return
				}
			}
			rearm(time.Now())

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "Watcher error", err, "dir", w.cfg.Dir)
		}
	}
}

func (w *Watcher) send(ctx context.Context, path string) bool {
	select {
	case w.out <- path:
		log.Debug(log.CatWatcher, "Inbox file settled", "path", path)
		return true
	case <-ctx.Done():
		return false
	}
}

// relevant keeps writes and creations of matching files directly in the inbox.
// Files moved in arrive as Create.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	if filepath.Dir(ev.Name) != filepath.Clean(w.cfg.Dir) {
		return false
	}
	return w.Matches(ev.Name)
}
