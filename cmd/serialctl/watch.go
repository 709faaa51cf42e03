package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// dirWatch sends every regular file created or written in dir once it has
// been quiet for settle.
type dirWatch struct {
	dir    string
	settle time.Duration
	send   func(ctx context.Context, path string) error
	report func(format string, args ...any)

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

func startWatch(ctx context.Context, dir string, settle time.Duration, send func(context.Context, string) error, report func(string, ...any)) (*dirWatch, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &dirWatch{
		dir:    dir,
		settle: settle,
		send:   send,
		report: report,
		fs:     fs,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(wctx)
	return w, nil
}

func (w *dirWatch) Stop() {
	w.cancel()
	<-w.done
}

func (w *dirWatch) run(ctx context.Context) {
	defer close(w.done)
	defer w.fs.Close()

	tick := w.settle / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report("watch error: %v", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				info, err := os.Stat(path)
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				w.report("watch: sending %s", path)
				if err := w.send(ctx, path); err != nil {
					w.report("watch: %s failed: %v", filepath.Base(path), err)
				}
			}
		}
	}
}
