package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change notification
// before the config file is reloaded.
const DefaultDebounce = 300 * time.Millisecond

var (
	// ErrWatcherStopped is returned by Watch after Stop.
	ErrWatcherStopped = errors.New("config watcher stopped")

	// ErrAlreadyWatching is returned by a second call to Watch.
	ErrAlreadyWatching = errors.New("config watcher already watching")

	// ErrNoSource is returned by Reload before Watch has named a file.
	ErrNoSource = errors.New("config watcher has no source path")
)

// UpdatedHandler receives the newly published config and the hot fields that changed.
type UpdatedHandler func(cfg *Config, changed []string)

// ErrorHandler receives reload failures. The live config is unchanged when it fires.
type ErrorHandler func(err error)

// RestartRequiredHandler receives changed fields that cannot be applied live.
type RestartRequiredHandler func(fields []string)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// HotReloadFields defaults to DefaultHotReloadFields.
	HotReloadFields []string
}

// Watcher owns the live Config. It observes the config file, debounces
// bursts of changes into one reload, and publishes a fresh Config when
// hot-reloadable fields change.
//
// Reloads never overlap: a reload that is already reading the file finishes
// and publishes before the next debounced reload starts, and that next
// reload reads the file as it is at that moment.
type Watcher struct {
	current  atomic.Pointer[Config]
	debounce time.Duration
	hot      map[string]bool

	mu        sync.Mutex
	path      string
	fsw       *fsnotify.Watcher
	timer     *time.Timer
	stopped   bool
	loopDone  chan struct{}
	onUpdated []UpdatedHandler
	onError   []ErrorHandler
	onRestart []RestartRequiredHandler

	reloadMu sync.Mutex
}

// NewWatcher creates a Watcher whose live config starts as initial.
func NewWatcher(initial *Config, opts WatcherOptions) *Watcher {
	if initial == nil {
		initial = Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.HotReloadFields == nil {
		opts.HotReloadFields = DefaultHotReloadFields
	}
	w := &Watcher{
		debounce: opts.Debounce,
		hot:      make(map[string]bool, len(opts.HotReloadFields)),
	}
	for _, f := range opts.HotReloadFields {
		w.hot[f] = true
	}
	w.current.Store(initial)
	return w
}

// Config returns the live config. The returned value must not be modified.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// IsHotReloadable reports whether field is in the hot-reload allowlist.
func (w *Watcher) IsHotReloadable(field string) bool {
	return w.hot[field]
}

// OnUpdated registers a handler for successful hot reloads.
func (w *Watcher) OnUpdated(h UpdatedHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdated = append(w.onUpdated, h)
}

// OnError registers a handler for failed reloads.
func (w *Watcher) OnError(h ErrorHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = append(w.onError, h)
}

// OnRestartRequired registers a handler for changes that need a restart.
func (w *Watcher) OnRestartRequired(h RestartRequiredHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRestart = append(w.onRestart, h)
}

// Watch starts observing path. The parent directory is watched so that
// editors replacing the file via rename are still seen.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWatcherStopped
	}
	if w.fsw != nil {
		return ErrAlreadyWatching
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	w.path = abs
	w.fsw = fsw
	w.loopDone = make(chan struct{})
	go w.loop(fsw, abs, w.loopDone)

	slog.Info("config.watching", "path", abs, "debounce", w.debounce)
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || ev.Op == fsnotify.Chmod {
				continue
			}
			slog.Debug("config.change_detected", "path", ev.Name, "op", ev.Op.String())
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.fireError(fmt.Errorf("watch config: %w", err))
		}
	}
}

// schedule cancels any pending reload and starts a new debounce period.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.isStopped() {
			return
		}
		_ = w.Reload(context.Background())
	})
}

func (w *Watcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Reload reads, parses and validates the watched file and applies the result.
//
// On failure every error handler fires and the live config is left as is.
// Changed restart-required fields are reported to the restart handlers and
// not applied. Changed hot fields are copied onto the live config, which is
// replaced by the new instance in one store before the update handlers fire.
func (w *Watcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	path := w.path
	w.mu.Unlock()
	if path == "" {
		return ErrNoSource
	}

	next, err := readConfig(path)
	if err != nil {
		w.fireError(err)
		return err
	}

	cur := w.current.Load()
	changed := ChangedFields(cur, next)
	if len(changed) == 0 {
		slog.Debug("config.unchanged", "path", path)
		return nil
	}

	var hot, restart []string
	for _, f := range changed {
		if w.hot[f] {
			hot = append(hot, f)
		} else {
			restart = append(restart, f)
		}
	}

	if len(restart) > 0 {
		slog.Warn("config.restart_required", "fields", restart)
		w.fireRestart(restart)
	}

	if len(hot) > 0 {
		updated, err := cur.withFields(next, hot)
		if err != nil {
			err = fmt.Errorf("apply config: %w", err)
			w.fireError(err)
			return err
		}
		w.current.Store(updated)
		slog.Info("config.reloaded", "fields", hot, "hash", updated.Hash())
		w.fireUpdated(updated, hot)
	}
	return nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Stop cancels any pending reload and releases the file watch. Safe to call
// more than once. A reload already in progress is allowed to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fsw, done := w.fsw, w.loopDone
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) fireUpdated(cfg *Config, changed []string) {
	w.mu.Lock()
	handlers := w.onUpdated
	w.mu.Unlock()
	for i, h := range handlers {
		func() {
			defer recoverHandler("updated", i)
			h(cfg, changed)
		}()
	}
}

func (w *Watcher) fireError(err error) {
	slog.Error("config.reload_failed", "error", err)
	w.mu.Lock()
	handlers := w.onError
	w.mu.Unlock()
	for i, h := range handlers {
		func() {
			defer recoverHandler("error", i)
			h(err)
		}()
	}
}

func (w *Watcher) fireRestart(fields []string) {
	w.mu.Lock()
	handlers := w.onRestart
	w.mu.Unlock()
	for i, h := range handlers {
		func() {
			defer recoverHandler("restart_required", i)
			h(fields)
		}()
	}
}

func recoverHandler(kind string, index int) {
	if r := recover(); r != nil {
		slog.Error("config.handler_panic", "kind", kind, "handler", index, "panic", r)
	}
}
