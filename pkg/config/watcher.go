package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/telemetry"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// SpecWatcher reloads spec files into a spec repository when they change.
type SpecWatcher struct {
	loader *SpecLoader
	repo   engine.SpecRepository
	paths  []string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    []string
	timer   *time.Timer
}

// WatcherOption configures a SpecWatcher.
type WatcherOption func(*SpecWatcher)

// WithReloadDelay sets the debounce delay between a change and the reload.
func WithReloadDelay(delay time.Duration) WatcherOption {
	return func(w *SpecWatcher) { w.delay = delay }
}

// NewSpecWatcher creates a watcher over paths.
func NewSpecWatcher(loader *SpecLoader, repo engine.SpecRepository, paths []string, logger zerolog.Logger, opts ...WatcherOption) *SpecWatcher {
	w := &SpecWatcher{
		loader: loader,
		repo:   repo,
		paths:  paths,
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "spec-watcher").Logger(),
		files:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the spec files and saves them. Invalid files leave the
// repository untouched.
func (w *SpecWatcher) Reload(ctx context.Context) (n int, err error) {
	op := telemetry.StartOperation(ctx, "specs.reload", attribute.Int("paths", len(w.paths)))
	defer func() { op.End(err) }()

	specs, err := w.loader.LoadSpecs(op.Ctx, w.paths)
	if err != nil {
		return 0, err
	}

	res, err := w.repo.SaveSpecs(op.Ctx, specs)
	if err != nil {
		return 0, fmt.Errorf("failed to save specs: %w", err)
	}
	if !res.OK() {
		return 0, fmt.Errorf("spec repository rejected specs: %s", res.Message)
	}

	op.Logger.WithField("count", len(specs)).WithField("duration", op.Timer.Duration().String()).Info("Specs reloaded")
	return len(specs), nil
}

// Start watches the paths until ctx is done. Files are watched through
// their directory so editors replacing a file are noticed.
func (w *SpecWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		if info.IsDir() {
			w.dirs = append(w.dirs, abs)
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
			if err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}

		w.files[abs] = true
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)

	w.logger.Info().
		Int("paths", len(w.paths)).
		Msg("Started watching spec paths")

	return nil
}

func (w *SpecWatcher) relevant(name string) bool {
	if _, ok := FormatOf(name); !ok {
		return false
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	if w.files[abs] {
		return true
	}
	for _, dir := range w.dirs {
		if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *SpecWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Spec file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() {
				if _, err := w.Reload(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload specs")
				}
			})
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *SpecWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
