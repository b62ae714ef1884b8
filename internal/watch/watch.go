// Package watch picks up capture files that analyzer middleware drops into a
// directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultSettle is how long a file must go without writes before it is
	// read.
	DefaultSettle = 500 * time.Millisecond

	// MIN_TICK bounds how often pending files are polled.
	MIN_TICK = time.Millisecond
)

// Handler receives the contents of a settled file. An error is logged and
// does not stop the watcher.
type Handler func(ctx context.Context, path string, data []byte) error

// Watcher delivers every created or rewritten file in a directory to a
// Handler once the file has settled.
type Watcher struct {
	dir     string
	ext     string
	settle  time.Duration
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// Options configures a Watcher. Ext limits the watcher to files with that
// extension, matched case-insensitively; empty accepts every file.
type Options struct {
	Ext    string
	Settle time.Duration
	Logger *zap.Logger
}

func New(dir string, h Handler, opts Options) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		dir:     dir,
		ext:     strings.ToLower(opts.Ext),
		settle:  opts.Settle,
		handler: h,
		log:     opts.Logger.With(zap.String("dir", dir)),
		pending: make(map[string]time.Time),
	}
}

// Run watches until ctx is cancelled. Files already present are not
// delivered.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.log.Info("watching directory")

	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.note(ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watch error", zap.Error(err))

		case now := <-tick.C:
			for _, path := range w.settled(now) {
				w.deliver(ctx, path)
			}
		}
	}
}

// tickInterval is how often pending files are checked: a quarter of the
// settle time, never below MIN_TICK.
func (w *Watcher) tickInterval() time.Duration {
	if d := w.settle / 4; d >= MIN_TICK {
		return d
	}
	return MIN_TICK
}

func (w *Watcher) note(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if w.ext != "" && strings.ToLower(filepath.Ext(ev.Name)) != w.ext {
		return
	}

	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}

func (w *Watcher) deliver(ctx context.Context, path string) {
	log := w.log.With(zap.String("file", filepath.Base(path)))

	data, err := os.ReadFile(path)
	if err != nil {
		// removed or renamed before it settled
		log.Debug("skipping unreadable file", zap.Error(err))
		return
	}
	if err := w.handler(ctx, path, data); err != nil {
		log.Error("failed to handle file", zap.Error(err))
		return
	}
	log.Debug("handled file", zap.Int("bytes", len(data)))
}
