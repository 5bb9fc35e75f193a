// Package worker runs routed tasks in external processes speaking the
// NDJSON protocol: the process reads TASK messages on stdin and answers each
// with a CLOSE message on stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/protocol"
	"github.com/openfroyo/taskorch/pkg/task"
)

// DefaultTimeout bounds one task when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// ErrClosed is returned once the process was closed or has died.
var ErrClosed = errors.New("worker process is closed")

// Config describes one worker process bound to a bus address.
type Config struct {
	// Address is the bus address the worker consumes, usually a worker
	// route destination.
	Address string `mapstructure:"address" yaml:"address" validate:"required"`

	// Command is the program and its arguments.
	Command []string `mapstructure:"command" yaml:"command" validate:"min=1"`

	// Timeout bounds a single task.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Process manages one running worker process.
type Process struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	closed  bool
}

// Start launches the worker process.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Process, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("worker address is required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %s: command is required", cfg.Address)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", cfg.Address, err)
	}

	p := &Process{
		config:  cfg,
		logger:  logger.With().Str("component", "worker").Str("address", cfg.Address).Logger(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		encoder: protocol.NewEncoder(stdin),
		decoder: protocol.NewDecoder(stdout),
	}
	p.logger.Info().Int("pid", cmd.Process.Pid).Strs("command", cfg.Command).Msg("Worker started")
	return p, nil
}

// Address returns the bus address the worker consumes.
func (p *Process) Address() string {
	return p.config.Address
}

// Execute hands routed to the process and waits for its CLOSE message.
// Tasks are executed one at a time. A process that fails to answer in time
// is killed and the task is reported FAILED.
func (p *Process) Execute(ctx context.Context, routed engine.RoutedTask) (engine.CloseRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.CloseRequest{}, ErrClosed
	}

	if err := p.encoder.EncodeBody(routed); err != nil {
		p.kill()
		return engine.CloseRequest{}, fmt.Errorf("failed to send task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	replyCh := make(chan engine.CloseRequest, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			msgType, body, err := p.decoder.DecodeBody()
			if err != nil {
				errCh <- err
				return
			}
			req, ok := body.(engine.CloseRequest)
			if !ok {
				p.logger.Warn().Str("type", string(msgType)).Msg("Ignoring unexpected worker message")
				continue
			}
			if req.TaskID != routed.Task.ID {
				errCh <- fmt.Errorf("task ID mismatch: expected %s, got %s", routed.Task.ID, req.TaskID)
				return
			}
			replyCh <- req
			return
		}
	}()

	select {
	case req := <-replyCh:
		return req, nil
	case err := <-errCh:
		p.kill()
		if errors.Is(err, io.EOF) {
			return failed(routed), fmt.Errorf("worker exited before closing %s", routed.Task.ID)
		}
		return failed(routed), fmt.Errorf("failed to read worker reply: %w", err)
	case <-ctx.Done():
		p.kill()
		return failed(routed), fmt.Errorf("worker did not close %s: %w", routed.Task.ID, ctx.Err())
	}
}

// HandleMessage adapts Execute to a transport handler. The body must be an
// engine.RoutedTask.
func (p *Process) HandleMessage(ctx context.Context, body interface{}) (engine.CloseRequest, error) {
	switch v := body.(type) {
	case engine.RoutedTask:
		return p.Execute(ctx, v)
	case *engine.RoutedTask:
		return p.Execute(ctx, *v)
	default:
		return engine.CloseRequest{}, fmt.Errorf("unexpected worker message %T", body)
	}
}

func failed(routed engine.RoutedTask) engine.CloseRequest {
	return engine.CloseRequest{TaskID: routed.Task.ID, Status: task.StatusFailed}
}

// kill stops a misbehaving process. Callers hold p.mu.
func (p *Process) kill() {
	if p.closed {
		return
	}
	p.closed = true
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// Close ends the process by closing its stdin and waits for it to exit.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("worker exited: %w", err))
		}
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		errs = append(errs, fmt.Errorf("worker did not exit, killed"))
		<-done
	}

	p.logger.Info().Msg("Worker stopped")
	return errors.Join(errs...)
}
