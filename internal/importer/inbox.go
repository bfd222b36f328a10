package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/watcher"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Inbox imports files dropped into a directory. Files that import move to
// processed/, files that cannot be read or stored move to failed/.
type Inbox struct {
	dir      string
	debounce time.Duration
	importer *Importer
	now      func() time.Time
}

// NewInbox watches dir and imports through importer.
func NewInbox(dir string, debounce time.Duration, importer *Importer) *Inbox {
	return &Inbox{dir: dir, debounce: debounce, importer: importer, now: time.Now}
}

// Run imports files already waiting in the inbox, then every file that
// settles there until ctx is done.
func (b *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(b.dir, sub), 0o750); err != nil {
			return fmt.Errorf("creating inbox: %w", err)
		}
	}

	cfg := watcher.DefaultConfig(b.dir)
	if b.debounce > 0 {
		cfg.Quiet = b.debounce
	}
	w, err := watcher.New(cfg)
	if err != nil {
		return err
	}
	ready, err := w.Start(ctx)
	if err != nil {
		return err
	}

	for path := range ready {
		b.Process(ctx, path)
	}
	return nil
}

// Process imports one file and moves it out of the inbox.
func (b *Inbox) Process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Already moved by an earlier event for the same file.
		return
	}

	target := processedDir
	if _, err := b.importer.ImportFile(ctx, path); err != nil {
		log.ErrorErr(log.CatImport, "Inbox import failed", err, "file", path)
		target = failedDir
	}

	dest := timestamped(filepath.Join(b.dir, target), filepath.Base(path), b.now())
	if err := os.Rename(path, dest); err != nil {
		log.ErrorErr(log.CatImport, "Failed to move imported file", err, "file", path, "dest", dest)
		return
	}
	log.Debug(log.CatImport, "Moved inbox file", "file", path, "dest", dest)
}

// timestamped avoids clobbering an earlier file with the same name when
// moving into processed/ or failed/.
func timestamped(dir, name string, now time.Time) string {
	ext := filepath.Ext(name)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", strings.TrimSuffix(name, ext), now.Format("20060102T150405"), ext))
}
