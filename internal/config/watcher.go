package config

import (
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/meshircd/ircd/internal/logging"
)

// Watcher reloads Config from path whenever the file changes on disk,
// wiring github.com/fsnotify/fsnotify the way the teacher's go.mod
// already carried it (unused by the teacher's own source). Each reload
// is delivered on Changed; cmd/ircd does not read Changed, so a running
// server keeps the Config it started with.
type Watcher struct {
	path string
	log  logging.Logger

	fsw *fsnotify.Watcher

	// Changed receives the newly parsed Config after every reload that
	// succeeds. A failed reload is logged and does not push anything,
	// leaving the previous Config in effect.
	Changed chan *Config
}

// NewWatcher opens path, does an initial parse, and begins watching
// its containing directory (editors commonly replace the file via
// rename-over, which fsnotify on the file itself would miss).
func NewWatcher(path string, log logging.Logger) (*Watcher, *Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := fsw.Add(dirOf(path)); err != nil {
		fsw.Close()
		return nil, nil, err
	}
	w := &Watcher{
		path:    path,
		log:     log.Fork("config-watcher"),
		fsw:     fsw,
		Changed: make(chan *Config, 1),
	}
	go w.run()
	return w, cfg, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := parseFile(w.path)
			if err != nil {
				w.log.WLogf("reload of %s failed: %v", w.path, err)
				continue
			}
			w.log.ILogf("reloaded %s", w.path)
			select {
			case w.Changed <- cfg:
			default:
				// Drop the oldest pending reload rather than block the
				// watcher goroutine; the consumer will catch up to the
				// latest config on its next receive.
				<-w.Changed
				w.Changed <- cfg
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WLogf("watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func parseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
