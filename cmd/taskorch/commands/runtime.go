package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/adapter"
	"github.com/openfroyo/taskorch/pkg/bus"
	"github.com/openfroyo/taskorch/pkg/config"
	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/policy"
	"github.com/openfroyo/taskorch/pkg/protocol"
	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/task"
	"github.com/openfroyo/taskorch/pkg/telemetry"
	"github.com/openfroyo/taskorch/pkg/worker"
)

// runtime is the wired orchestrator: store, specs, admission policies, bus
// and dispatcher. Outbound TASK and UNROUTABLE messages go to out.
type runtime struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store        stores.Store
	specs        *config.SpecWatcher
	policies     *policy.Engine
	policyLoader *policy.Loader
	bus          *bus.Bus
	dispatcher   *engine.Dispatcher
	workers      []*worker.Process
	out          *protocol.Encoder
}

func newRuntime(ctx context.Context, cfg *config.AppConfig, tel *telemetry.Telemetry, out io.Writer) (_ *runtime, err error) {
	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		out:    protocol.NewEncoder(out),
	}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	rt.store, err = stores.Open(ctx, cfg.Store, rt.logger)
	if err != nil {
		return nil, err
	}

	rt.specs = config.NewSpecWatcher(config.NewSpecLoader(rt.logger), rt.store, cfg.Specs.Paths, rt.logger,
		config.WithReloadDelay(cfg.Specs.ReloadDelay))
	if len(cfg.Specs.Paths) > 0 {
		if _, err = rt.specs.Reload(ctx); err != nil {
			return nil, err
		}
		if cfg.Specs.Watch {
			if err = rt.specs.Start(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err = rt.setupPolicies(ctx); err != nil {
		return nil, err
	}

	rt.bus = bus.New(cfg.Bus, bus.WithLogger(rt.logger), bus.WithMetrics(tel.Metrics))

	opts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
	}
	if rt.policies != nil {
		opts = append(opts, engine.WithAdmission(rt.policies))
	}
	rt.dispatcher = engine.NewDispatcher(cfg.Dispatcher, rt.store, rt.store, &outboundTransport{bus: rt.bus, out: rt.out}, opts...)

	rt.bus.Consumer(cfg.Dispatcher.ProcessEventAddress, func(ctx context.Context, msg bus.Message) (interface{}, error) {
		return rt.dispatcher.HandleEventMessage(ctx, msg.Body)
	})
	rt.bus.Consumer(cfg.Dispatcher.CloseTaskAddress, func(ctx context.Context, msg bus.Message) (interface{}, error) {
		return rt.dispatcher.HandleCloseMessage(ctx, msg.Body)
	})
	rt.bus.Consumer(cfg.Dispatcher.UnroutableAddress, rt.handleUnroutable)

	for _, wc := range cfg.Workers {
		var proc *worker.Process
		if proc, err = worker.Start(ctx, wc, rt.logger); err != nil {
			return nil, err
		}
		rt.workers = append(rt.workers, proc)
		rt.bus.Consumer(proc.Address(), rt.workerHandler(proc))
	}
	rt.bus.Start()

	return rt, nil
}

func (rt *runtime) setupPolicies(ctx context.Context) error {
	pc := rt.cfg.Policy
	if !pc.Enabled && len(pc.Paths) == 0 {
		return nil
	}

	var opts []policy.Option
	if pc.DisableBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(rt.logger, opts...)
	if err != nil {
		return err
	}
	if len(pc.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, pc.Paths); err != nil {
			return err
		}
		if pc.Watch {
			if rt.policyLoader, err = eng.Watch(ctx, pc.Paths); err != nil {
				return err
			}
		}
	}
	rt.policies = eng
	return nil
}

// handleUnroutable stores an unroutable event and reports it on out.
func (rt *runtime) handleUnroutable(ctx context.Context, msg bus.Message) (interface{}, error) {
	un, ok := msg.Body.(engine.UnroutableEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected unroutable message %T", msg.Body)
	}
	if _, err := rt.store.SaveUnroutable(ctx, un); err != nil {
		rt.logger.Error().Err(err).Str("event_id", un.Event.ID).Msg("Failed to store unroutable event")
	}
	return nil, rt.out.EncodeBody(un)
}

// workerHandler runs routed tasks on proc and closes them with its answer.
func (rt *runtime) workerHandler(proc *worker.Process) bus.Handler {
	return func(ctx context.Context, msg bus.Message) (interface{}, error) {
		req, err := proc.HandleMessage(ctx, msg.Body)
		if err != nil {
			rt.logger.Error().Err(err).Str("address", proc.Address()).Msg("Worker failed")
		}
		if req.TaskID == "" {
			return nil, err
		}
		return nil, rt.bus.Send(ctx, rt.cfg.Dispatcher.CloseTaskAddress, req)
	}
}

// Submit queues an event for the dispatcher.
func (rt *runtime) Submit(ctx context.Context, event task.Event) error {
	return rt.bus.Send(ctx, rt.cfg.Dispatcher.ProcessEventAddress, event)
}

// process hands an event to the dispatcher and waits for it to be handled.
func (rt *runtime) process(ctx context.Context, event task.Event) error {
	_, err := rt.bus.Request(ctx, rt.cfg.Dispatcher.ProcessEventAddress, event)
	return err
}

// CloseTask closes a task and reports the reply on out.
func (rt *runtime) CloseTask(ctx context.Context, req engine.CloseRequest) error {
	reply, err := rt.bus.Request(ctx, rt.cfg.Dispatcher.CloseTaskAddress, req)
	if err != nil {
		return err
	}
	return rt.out.EncodeBody(reply)
}

// Consume reads protocol messages from r until it ends, handling one at a
// time in input order. With a non-empty chain every line is instead a raw
// JSON object converted to an event by the adapters.
func (rt *runtime) Consume(ctx context.Context, r io.Reader, chain adapter.Chain) error {
	if len(chain) > 0 {
		return rt.consumeRaw(ctx, r, chain)
	}

	dec := protocol.NewDecoder(r)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, body, err := dec.DecodeBody()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, protocol.ErrStream) {
			return err
		}
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Skipping invalid message")
			continue
		}

		switch v := body.(type) {
		case task.Event:
			err = rt.process(ctx, v)
		case engine.CloseRequest:
			err = rt.CloseTask(ctx, v)
		default:
			rt.logger.Warn().Str("type", string(msgType)).Msg("Ignoring message not accepted on input")
			continue
		}
		if err != nil {
			rt.logger.Error().Err(err).Str("type", string(msgType)).Msg("Failed to handle message")
		}
	}
}

func (rt *runtime) consumeRaw(ctx context.Context, r io.Reader, chain adapter.Chain) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := adaptLine(ctx, chain, line)
		if errors.Is(err, adapter.ErrSkipped) {
			rt.logger.Debug().Msg("No adapter accepted message")
			continue
		}
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Skipping message")
			continue
		}
		if err := rt.process(ctx, ev); err != nil {
			rt.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to process event")
		}
	}
	return scanner.Err()
}

func adaptLine(ctx context.Context, chain adapter.Chain, line []byte) (task.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return task.Event{}, fmt.Errorf("message is not a JSON object: %w", err)
	}
	return chain.ToEvent(ctx, raw)
}

// Drain waits for in-flight work, including cascades, to settle.
func (rt *runtime) Drain(ctx context.Context) error {
	return rt.bus.Drain(ctx)
}

// Close stops everything newRuntime started.
func (rt *runtime) Close(ctx context.Context) {
	if rt.bus != nil {
		if err := rt.bus.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Bus shutdown incomplete")
		}
	}
	for _, proc := range rt.workers {
		if err := proc.Close(); err != nil {
			rt.logger.Warn().Err(err).Str("address", proc.Address()).Msg("Worker did not stop cleanly")
		}
	}
	if rt.policyLoader != nil {
		_ = rt.policyLoader.StopWatching()
	}
	if rt.specs != nil {
		_ = rt.specs.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// outboundTransport delivers to in-process consumers over the bus. Routed
// tasks for addresses nobody consumes in-process are written as TASK lines.
type outboundTransport struct {
	bus *bus.Bus
	out *protocol.Encoder
}

func (t *outboundTransport) Send(ctx context.Context, address string, message interface{}) error {
	if routed, ok := message.(engine.RoutedTask); ok && !t.bus.HasConsumer(address) {
		return t.out.EncodeBody(routed)
	}
	return t.bus.Send(ctx, address, message)
}

func (t *outboundTransport) Request(ctx context.Context, address string, message interface{}) (interface{}, error) {
	return t.bus.Request(ctx, address, message)
}
