package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for policy writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads admission policies from .rego modules and JSON definitions.
// Parsed files are kept until their modification time changes.
type Loader struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	delay  time.Duration

	mu      sync.Mutex
	files   map[string]loadedFile
	watcher *fsnotify.Watcher
	timer   clockwork.Timer
}

type loadedFile struct {
	modTime time.Time
	policy  Policy
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderClock sets the clock used for load timestamps and reload debouncing.
func WithLoaderClock(clock clockwork.Clock) LoaderOption {
	return func(l *Loader) { l.clock = clock }
}

// WithLoaderReloadDelay sets the debounce delay of Watch.
func WithLoaderReloadDelay(delay time.Duration) LoaderOption {
	return func(l *Loader) { l.delay = delay }
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		clock:  clockwork.NewRealClock(),
		delay:  DefaultReloadDelay,
		files:  make(map[string]loadedFile),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func isPolicyFile(name string) bool {
	switch filepath.Ext(name) {
	case ".rego", ".json":
		return true
	}
	return false
}

// LoadFromPaths loads the policies of files and directories. A file named
// explicitly must load; unreadable files found in a directory are skipped
// with a warning. Two files defining the same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		files, explicit, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			p, err := l.loadFile(file)
			if err != nil {
				if explicit {
					return nil, err
				}
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}

			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in %s and %s", p.Name, prev, file)
			}
			sources[p.Name] = file
			policies = append(policies, p)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// policyFiles lists the policy files of path in lexical order. explicit is
// true when path names a single file.
func policyFiles(path string) (files []string, explicit bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, true, nil
	}

	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, false, nil
}

// loadFile parses one policy file, reusing the previous result while the
// file is unchanged.
func (l *Loader) loadFile(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat policy file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = l.parseRego(path, data)
	case ".json":
		p, err = l.parseJSON(path, data)
	default:
		err = fmt.Errorf("unsupported policy file type: %s", path)
	}
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	l.files[path] = loadedFile{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("Policy loaded from file")

	return p, nil
}

// parseRego turns a Rego module into a policy named after its file. The
// description is taken from the comments above the first rule.
func (l *Loader) parseRego(path string, data []byte) (Policy, error) {
	module, err := ast.ParseModule(path, string(data))
	if err != nil {
		return Policy{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if module == nil {
		return Policy{}, fmt.Errorf("%s: empty policy module", path)
	}

	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: describe(module),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Metadata: map[string]interface{}{
			"source":  path,
			"package": module.Package.Path.String(),
		},
		UpdatedAt: l.clock.Now(),
	}, nil
}

// parseJSON reads a policy definition. Severity defaults to error and the
// embedded module must parse.
func (l *Loader) parseJSON(path string, data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("%s: policy name is required", path)
	}
	if _, err := ast.ParseModule(path, p.Rego); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", p.Name, err)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = l.clock.Now()
	}
	return p, nil
}

func describe(module *ast.Module) string {
	limit := -1
	if len(module.Rules) > 0 && module.Rules[0].Location != nil {
		limit = module.Rules[0].Location.Row
	}

	var words []string
	for _, c := range module.Comments {
		if limit >= 0 && c.Location != nil && c.Location.Row > limit {
			break
		}
		if text := strings.TrimSpace(string(c.Text)); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

// Watch calls reload with the policies of paths whenever one of their
// policy files changes, until ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
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
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reload)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			l.stopTimer()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.files, event.Name)
			if l.timer != nil {
				l.timer.Stop()
			}
			l.timer = l.clock.AfterFunc(l.delay, func() {
				if err := l.reload(ctx, paths, reload); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})
			l.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")
	return nil
}

func (l *Loader) stopTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
}

// StopWatching stops watching for policy changes.
func (l *Loader) StopWatching() error {
	l.stopTimer()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		w := l.watcher
		l.watcher = nil
		return w.Close()
	}
	return nil
}

// Forget drops every parsed file so the next load reads them again.
func (l *Loader) Forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = make(map[string]loadedFile)
}
