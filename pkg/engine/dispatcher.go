package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/taskorch/pkg/task"
	"github.com/openfroyo/taskorch/pkg/telemetry"
)

// Default bus addresses.
const (
	DefaultProcessEventAddress = "orchestrate.event"
	DefaultUnroutableAddress   = "orchestrate.unroutable"
	DefaultCloseTaskAddress    = "orchestrate.task.close"
)

// Unroutable reasons used as metric labels.
const (
	unroutableInvalid   = "invalid_event"
	unroutableDenied    = "admission_denied"
	unroutableNoSpec    = "no_matching_spec"
	unroutableMatchFail = "match_failed"
	unroutableInFlight  = "in_flight"
)

// Destination is where tasks of one route are sent.
type Destination struct {
	Address string `mapstructure:"address" yaml:"address" json:"address" validate:"required"`
}

// Config holds the dispatcher addresses and behaviour switches.
type Config struct {
	// ProcessEventAddress receives events, including completion events.
	ProcessEventAddress string `mapstructure:"process_event_address" yaml:"process_event_address" validate:"required"`

	// UnroutableAddress receives UnroutableEvent messages.
	UnroutableAddress string `mapstructure:"unroutable_address" yaml:"unroutable_address" validate:"required"`

	// CloseTaskAddress receives CloseRequest messages.
	CloseTaskAddress string `mapstructure:"close_task_address" yaml:"close_task_address" validate:"required"`

	// WorkerRoutes maps a spec route to its destination. An unmapped route
	// is used as the address itself.
	WorkerRoutes map[string]Destination `mapstructure:"worker_routes" yaml:"worker_routes" validate:"dive"`

	// SerializeRoots processes work touching the same hierarchy root one
	// unit at a time.
	SerializeRoots bool `mapstructure:"serialize_roots" yaml:"serialize_roots"`

	// PersistRetries is the number of extra save attempts after a failure.
	PersistRetries uint64 `mapstructure:"persist_retries" yaml:"persist_retries"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		ProcessEventAddress: DefaultProcessEventAddress,
		UnroutableAddress:   DefaultUnroutableAddress,
		CloseTaskAddress:    DefaultCloseTaskAddress,
		WorkerRoutes:        map[string]Destination{},
		PersistRetries:      3,
	}
}

// Destination returns the address tasks of route are sent to.
func (c Config) Destination(route string) string {
	if d, ok := c.WorkerRoutes[route]; ok && d.Address != "" {
		return d.Address
	}
	return route
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With().Str("component", "dispatcher").Logger() }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithClock sets the clock of the dispatcher and its rule engine.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithAdmission sets the admission check run before matching.
func WithAdmission(admission Admission) Option {
	return func(d *Dispatcher) { d.admission = admission }
}

// WithRetryBackOff sets the backoff policy factory used for persistence retries.
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.newBackOff = newBackOff }
}

// Dispatcher applies the actions produced by the matcher and the rule engine.
// All I/O of the engine happens here.
type Dispatcher struct {
	config     Config
	matcher    *Matcher
	rules      *RuleEngine
	instances  InstanceRepository
	transport  Transport
	admission  Admission
	clock      clockwork.Clock
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
	locker     *rootLocker
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, specs SpecRepository, instances InstanceRepository, transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		config:     cfg,
		instances:  instances,
		transport:  transport,
		clock:      clockwork.NewRealClock(),
		logger:     zerolog.Nop(),
		tracer:     noop.NewTracerProvider().Tracer("taskorch/engine"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		locker:     newRootLocker(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.matcher = NewMatcher(specs, instances, d.logger)
	d.rules = NewRuleEngine(d.clock)
	return d
}

// Config returns the dispatcher configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// HandleEvent matches event to its hierarchies and dispatches the resulting
// actions. Events that cannot be matched go to the unroutable sink and are
// not reported as errors.
func (d *Dispatcher) HandleEvent(ctx context.Context, event task.Event) (err error) {
	ctx, span := d.tracer.Start(ctx, "engine.handle_event", trace.WithAttributes(
		telemetry.AttrEventID.String(event.ID),
		telemetry.AttrEventType.String(event.Type),
	))
	start := d.clock.Now()
	defer func() {
		d.metrics.RecordDispatch("event", d.clock.Since(start))
		telemetry.EndSpan(span, err)
	}()

	d.metrics.RecordEventReceived(event.Type)
	logger := d.logger.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

	if verr := event.Validate(); verr != nil {
		return d.unroutable(ctx, event, unroutableInvalid, verr.Error())
	}

	if d.admission != nil {
		allowed, reason, aerr := d.admission.Admit(ctx, event)
		if aerr != nil {
			logger.Warn().Err(aerr).Msg("Admission check failed")
			return d.unroutable(ctx, event, unroutableDenied, fmt.Sprintf("admission check failed: %v", aerr))
		}
		if !allowed {
			return d.unroutable(ctx, event, unroutableDenied, reason)
		}
	}

	if d.config.SerializeRoots {
		ids, rerr := d.matcher.RootIDs(ctx, event)
		if rerr == nil {
			unlock := d.locker.Lock(ids...)
			defer unlock()
		}
	}

	var actions []OrchestrateTaskAction
	merr := d.retry(ctx, func() error {
		var err error
		actions, err = d.matcher.MatchTaskHierarchy(ctx, event)
		return err
	})
	if merr != nil {
		d.recordError(merr)
		if IsNoMatchingSpec(merr) {
			logger.Info().Msg("No spec depends on event")
			return d.unroutable(ctx, event, unroutableNoSpec, fmt.Sprintf("no task spec depends on %s", event.Type))
		}
		logger.Warn().Err(merr).Msg("Unable to match event")
		return d.unroutable(ctx, event, unroutableMatchFail,
			fmt.Sprintf("error when accessing task spec repository for %s: %v", event.Type, merr))
	}

	span.SetAttributes(telemetry.AttrRootCount.Int(len(actions)))
	logger.Debug().Int("roots", len(actions)).Msg("Apply orchestration rules")
	return d.Dispatch(ctx, actions)
}

// Dispatch applies actions depth first in production order. Results of a
// ProcessHierarchy action are applied before the actions following it.
// Persistence and transport failures drop the affected action and are
// returned joined once every action was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []OrchestrateTaskAction) error {
	stack := make([]OrchestrateTaskAction, 0, len(actions))
	stack = pushReversed(stack, actions)

	var errs []error
	applied := 0
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		applied++
		d.metrics.RecordAction(string(a.Action.Kind))

		logger := d.logger.With().Str("task_id", a.Task.ID).Str("action", a.Action.String()).Logger()

		switch a.Action.Kind {
		case task.ActionProcessHierarchy:
			stack = pushReversed(stack, d.rules.EvaluateActions(a.Task, a.Action.Event))

		case task.ActionRoute:
			if err := d.persist(ctx, a.Task); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Info().Str("status", string(a.Task.Status)).Msg("Persisted task")
			if err := d.route(ctx, a.Action.Route, a.Task); err != nil {
				errs = append(errs, err)
			}

		case task.ActionPersist:
			if err := d.persist(ctx, a.Task); err != nil {
				errs = append(errs, err)
				continue
			}
			switch a.Task.Status {
			case task.StatusCompleted:
				logger.Info().Msg("Task completed")
			case task.StatusFailed:
				logger.Warn().Msg("Task failed")
			default:
				logger.Debug().Str("reason", a.Action.Reason).Msg("Persisted task")
			}

		case task.ActionUnroutable:
			if a.Action.Event == nil {
				logger.Warn().Str("reason", a.Action.Reason).Msg("Unroutable action without event")
				continue
			}
			if err := d.unroutable(ctx, *a.Action.Event, unroutableInFlight, a.Action.Reason); err != nil {
				errs = append(errs, err)
			}

		case task.ActionNone, "":
			logger.Debug().Str("reason", a.Action.Reason).Msg("No task action")

		default:
			logger.Warn().Msg("Not applicable action")
		}
	}

	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrActions.Int(applied))
	return errors.Join(errs...)
}

func pushReversed(stack, actions []OrchestrateTaskAction) []OrchestrateTaskAction {
	for i := len(actions) - 1; i >= 0; i-- {
		stack = append(stack, actions[i])
	}
	return stack
}

// CloseTask marks a task COMPLETED or FAILED, re-evaluates the pending
// hierarchy containing it and announces the completion to dependents.
func (d *Dispatcher) CloseTask(ctx context.Context, req CloseRequest) (reply CloseReply, err error) {
	status := req.Status
	if status == "" {
		status = task.StatusCompleted
	}
	reply = CloseReply{TaskID: req.TaskID, Status: status}

	ctx, span := d.tracer.Start(ctx, "engine.close_task", trace.WithAttributes(
		telemetry.AttrTaskID.String(req.TaskID),
		telemetry.AttrTaskStatus.String(string(status)),
	))
	start := d.clock.Now()
	defer func() {
		d.metrics.RecordDispatch("close", d.clock.Since(start))
		if err != nil {
			d.recordError(err)
			reply.Success = false
			reply.Message = err.Error()
		}
		telemetry.EndSpan(span, err)
	}()

	if status != task.StatusCompleted && status != task.StatusFailed {
		return reply, NewPermanentError(fmt.Sprintf("cannot close a task as %s", status), nil).
			WithCode(ErrCodeInvalidStatus).
			WithResource(req.TaskID).
			WithOperation("close")
	}

	logger := d.logger.With().Str("task_id", req.TaskID).Logger()
	logger.Info().Str("status", string(status)).Msg("Attempt to close task")

	if d.config.SerializeRoots {
		unlock := d.locker.Lock(d.closeLockKey(ctx, req.TaskID))
		defer unlock()
	}

	inst, ok, err := d.instances.FindInstanceByID(ctx, req.TaskID)
	if err != nil {
		return reply, fmt.Errorf("failed to load task %s: %w", req.TaskID, err)
	}
	if !ok {
		return reply, NewNotFoundError(req.TaskID).WithOperation("close")
	}

	now := d.clock.Now()
	closed := inst.WithStatus(status)
	if status == task.StatusCompleted && closed.StartTime == nil {
		started := now
		closed.StartTime = &started
	}
	closed.EndTime = &now

	if err := d.persist(ctx, closed); err != nil {
		return reply, err
	}
	d.metrics.RecordClosed(string(status))

	var errs []error
	pending, ok, err := d.instances.FindPendingHierarchyContaining(ctx, req.TaskID)
	if err != nil {
		return reply, fmt.Errorf("failed to find pending hierarchy of %s: %w", req.TaskID, err)
	}
	if ok {
		logger.Info().Str("root", pending.ID).Msg("Process pending hierarchy")
		if derr := d.Dispatch(ctx, d.rules.EvaluateActions(pending, nil)); derr != nil {
			errs = append(errs, derr)
		}
		if sub, found := pending.FindSubByTaskID(req.TaskID); found {
			errs = append(errs, d.announce(ctx, sub))
		}
	} else {
		errs = append(errs, d.announce(ctx, closed))
	}

	if err := errors.Join(errs...); err != nil {
		return reply, err
	}
	reply.Success = true
	reply.Message = "success - " + req.TaskID
	return reply, nil
}

// closeLockKey returns the id of the root holding taskID, the key events for
// that root lock on. A task in no stored tree locks on its own id.
func (d *Dispatcher) closeLockKey(ctx context.Context, taskID string) string {
	root, ok, err := d.instances.FindHierarchyContaining(ctx, taskID)
	if err != nil || !ok {
		return taskID
	}
	return root.ID
}

// announce sends the completion event of a COMPLETED task whose children all
// completed.
func (d *Dispatcher) announce(ctx context.Context, inst task.Instance) error {
	if inst.Status != task.StatusCompleted {
		return nil
	}
	action, ok := CompleteEvent(inst)
	if !ok {
		return nil
	}
	d.logger.Debug().Str("task_id", inst.ID).Str("event_type", action.Event.Type).Msg("Announce completed task")
	if err := d.transport.Send(ctx, d.config.ProcessEventAddress, action.Event); err != nil {
		return transportError(d.config.ProcessEventAddress, err)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, route string, inst task.Instance) error {
	address := d.config.Destination(route)
	d.logger.Info().Str("task_id", inst.ID).Str("route", route).Str("address", address).Msg("Route task")
	if err := d.transport.Send(ctx, address, RoutedTask{Route: route, Task: inst}); err != nil {
		err = transportError(address, err).WithResource(inst.ID)
		d.recordError(err)
		d.logger.Error().Err(err).Str("task_id", inst.ID).Msg("Unable to route task")
		return err
	}
	d.metrics.RecordRouted(route)
	return nil
}

func (d *Dispatcher) unroutable(ctx context.Context, event task.Event, label, reason string) error {
	d.logger.Warn().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("reason", reason).
		Msg("Unroutable event")
	d.metrics.RecordUnroutable(label)

	msg := UnroutableEvent{Event: event, Reason: reason, ReceivedAt: d.clock.Now()}
	if err := d.transport.Send(ctx, d.config.UnroutableAddress, msg); err != nil {
		err = transportError(d.config.UnroutableAddress, err).WithResource(event.ID)
		d.recordError(err)
		return err
	}
	return nil
}

// persist saves one instance, retrying transient failures.
func (d *Dispatcher) persist(ctx context.Context, inst task.Instance) error {
	err := d.retry(ctx, func() error {
		res, err := d.instances.SaveInstances(ctx, []task.Instance{inst})
		if err != nil {
			return NewPersistenceError("save", err).WithResource(inst.ID)
		}
		if !res.OK() {
			return NewPersistenceError("save", fmt.Errorf("repository returned %s: %s", res.Code, res.Message)).
				WithResource(inst.ID)
		}
		return nil
	})
	if err != nil {
		d.metrics.RecordPersistFailure()
		d.recordError(err)
		d.logger.Error().Err(err).Str("task_id", inst.ID).Msg("Unable to persist task, dropping action")
	}
	return err
}

// retry runs op until it succeeds, fails with a non retryable error or the
// retry budget is spent.
func (d *Dispatcher) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.config.PersistRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		d.logger.Warn().Err(err).Dur("wait", wait).Msg("Retrying after transient failure")
	})
}

func (d *Dispatcher) recordError(err error) {
	d.metrics.RecordError(ClassOf(err), CodeOf(err))
}

func transportError(address string, err error) *EngineError {
	return NewTransientError("failed to send message", err).
		WithCode(ErrCodeTransportFailure).
		WithOperation("send").
		WithDetail("address", address)
}

// HandleEventMessage adapts HandleEvent to a transport handler. The body must
// be a task.Event.
func (d *Dispatcher) HandleEventMessage(ctx context.Context, body interface{}) (interface{}, error) {
	switch ev := body.(type) {
	case task.Event:
		return nil, d.HandleEvent(ctx, ev)
	case *task.Event:
		return nil, d.HandleEvent(ctx, *ev)
	default:
		return nil, fmt.Errorf("unexpected event message %T", body)
	}
}

// HandleCloseMessage adapts CloseTask to a transport handler. The body is a
// CloseRequest or a bare task id; the reply is a CloseReply.
func (d *Dispatcher) HandleCloseMessage(ctx context.Context, body interface{}) (interface{}, error) {
	var req CloseRequest
	switch v := body.(type) {
	case CloseRequest:
		req = v
	case *CloseRequest:
		req = *v
	case string:
		req = CloseRequest{TaskID: v}
	default:
		return nil, fmt.Errorf("unexpected close message %T", body)
	}
	reply, err := d.CloseTask(ctx, req)
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("Unable to close task")
	}
	return reply, nil
}
