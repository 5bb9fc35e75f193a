package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/taskorch/pkg/task"
)

// EntryPoint is the function every adapter script must define.
const EntryPoint = "to_event"

// DefaultTimeout bounds a single to_event call.
const DefaultTimeout = 5 * time.Second

// ErrSkipped is returned when a script declines a message by returning None.
var ErrSkipped = errors.New("message skipped by adapter")

// Script is a loaded Starlark adapter. Its globals are frozen after loading
// so ToEvent may be called concurrently.
type Script struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScript compiles source and checks it defines to_event.
func NewScript(name, source string, timeout time.Duration, logger zerolog.Logger) (*Script, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	s := &Script{
		name:    name,
		timeout: timeout,
		logger:  logger.With().Str("component", "adapter").Str("script", name).Logger(),
	}

	globals, err := starlark.ExecFile(s.thread(), name, source, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load adapter %s: %w", name, err)
	}

	fn, ok := globals[EntryPoint].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("adapter %s does not define %s(msg)", name, EntryPoint)
	}
	s.fn = fn
	return s, nil
}

// LoadScript reads and compiles the adapter at path.
func LoadScript(path string, timeout time.Duration, logger zerolog.Logger) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter %s: %w", path, err)
	}
	return NewScript(filepath.Base(path), string(data), timeout, logger)
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

func (s *Script) thread() *starlark.Thread {
	return &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Msg(msg)
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// ToEvent runs to_event on msg. The result must be a dict or struct with a
// "type" and optional "id" and "payload"; a missing id gets a generated one.
func (s *Script) ToEvent(ctx context.Context, msg map[string]interface{}) (task.Event, error) {
	arg, err := toStarlarkValue(msg)
	if err != nil {
		return task.Event{}, fmt.Errorf("failed to convert message: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := s.thread()
	type outcome struct {
		val starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := starlark.Call(thread, s.fn, starlark.Tuple{arg}, nil)
		done <- outcome{val, err}
	}()

	var out outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return task.Event{}, fmt.Errorf("adapter %s: execution timeout after %v", s.name, s.timeout)
	case out = <-done:
	}
	if out.err != nil {
		return task.Event{}, fmt.Errorf("adapter %s: %w", s.name, out.err)
	}
	if out.val == starlark.None {
		return task.Event{}, ErrSkipped
	}

	return s.decodeEvent(out.val)
}

func (s *Script) decodeEvent(v starlark.Value) (task.Event, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return task.Event{}, fmt.Errorf("adapter %s: %w", s.name, err)
	}
	fields, ok := goVal.(map[string]interface{})
	if !ok {
		return task.Event{}, fmt.Errorf("adapter %s: %s must return a dict or struct, got %s", s.name, EntryPoint, v.Type())
	}

	payload, err := cast.ToStringMapE(fields["payload"])
	if err != nil && fields["payload"] != nil {
		return task.Event{}, fmt.Errorf("adapter %s: invalid payload: %w", s.name, err)
	}

	ev := task.NewEvent(cast.ToString(fields["type"]), payload)
	if id := cast.ToString(fields["id"]); id != "" {
		ev.ID = id
	}
	if err := ev.Validate(); err != nil {
		return task.Event{}, fmt.Errorf("adapter %s: %w", s.name, err)
	}
	return ev, nil
}

// Chain tries scripts in order and returns the first event produced.
type Chain []*Script

// LoadChain loads every script in paths.
func LoadChain(paths []string, timeout time.Duration, logger zerolog.Logger) (Chain, error) {
	chain := make(Chain, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScript(path, timeout, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, s)
	}
	return chain, nil
}

// ToEvent returns the event of the first script not skipping msg, or
// ErrSkipped when all of them do.
func (c Chain) ToEvent(ctx context.Context, msg map[string]interface{}) (task.Event, error) {
	for _, s := range c {
		ev, err := s.ToEvent(ctx, msg)
		if errors.Is(err, ErrSkipped) {
			continue
		}
		return ev, err
	}
	return task.Event{}, ErrSkipped
}
