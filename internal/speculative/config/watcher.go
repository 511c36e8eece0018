package config

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/orizon-speculate/internal/speculative"
)

// ApplyFunc receives every successfully parsed configuration.
type ApplyFunc func(speculative.Config) error

// Watcher reloads a configuration file whenever it is written or replaced.
// The parent directory is watched so that editors which save by renaming a
// temporary file are still seen.
type Watcher struct {
	path   string
	apply  ApplyFunc
	w      *fsnotify.Watcher
	logger log.Logger

	reloads  atomic.Uint64
	failures atomic.Uint64
}

// NewWatcher starts watching path. Nothing is applied until Run is called.
func NewWatcher(path string, apply ApplyFunc, logger log.Logger) (*Watcher, error) {
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
	if logger == nil {
		logger = log.Root()
	}
	return &Watcher{path: abs, apply: apply, w: fw, logger: logger.New("component", "config")}, nil
}

// Run dispatches file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Reload()
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watch error", "err", err)
		}
	}
}

// Reload reads the file and applies it. A file that fails to parse leaves
// the running configuration untouched.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err == nil {
		err = w.apply(cfg)
	}
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("Config reload rejected", "path", w.path, "err", err)
		return err
	}
	w.reloads.Add(1)
	w.logger.Debug("Config reloaded", "path", w.path)
	return nil
}

// Reloads is the number of applied reloads.
func (w *Watcher) Reloads() uint64 { return w.reloads.Load() }

// Failures is the number of rejected reloads.
func (w *Watcher) Failures() uint64 { return w.failures.Load() }

// Close stops the underlying watcher; Run returns afterwards.
func (w *Watcher) Close() error { return w.w.Close() }
