package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/telemetry"
)

var (
	// ErrNoHandlers is returned when nothing consumes the target address.
	ErrNoHandlers = errors.New("no handlers for address")

	// ErrBufferFull is returned when the queue cannot take another message.
	ErrBufferFull = errors.New("bus buffer full, message dropped")

	// ErrStopped is returned once Shutdown was called.
	ErrStopped = errors.New("bus stopped")

	// ErrTimeout is returned when a request got no reply in time.
	ErrTimeout = errors.New("request timed out")
)

// Config configures the bus worker pool.
type Config struct {
	// Workers is the number of goroutines consuming the queue.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1"`

	// BufferSize is the capacity of the message queue.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gte=1"`

	// RequestTimeout bounds how long Request waits for a reply.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BufferSize:     1024,
		RequestTimeout: 30 * time.Second,
	}
}

// Message is one delivery on the bus.
type Message struct {
	ID      string
	Address string
	Body    interface{}
	SentAt  time.Time

	reply chan result
}

// IsRequest reports whether the sender waits for a reply.
func (m Message) IsRequest() bool {
	return m.reply != nil
}

type result struct {
	body interface{}
	err  error
}

// Handler consumes messages sent to an address. The returned body is the
// reply of a request and is ignored for plain sends.
type Handler func(ctx context.Context, msg Message) (interface{}, error)

type consumer struct {
	id      string
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the clock used for timestamps and request timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger.With().Str("component", "bus").Logger() }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = metrics }
}

// Bus is an in-process point to point message bus. Each message goes to one
// consumer of its address, chosen round robin, and is handled by the worker
// pool.
type Bus struct {
	config  Config
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	queue   chan Message
	pending atomic.Int64

	mu        sync.RWMutex
	consumers map[string][]consumer
	next      map[string]int

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a bus. Start must be called before messages are handled.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		config:    cfg,
		clock:     clockwork.NewRealClock(),
		logger:    zerolog.Nop(),
		queue:     make(chan Message, cfg.BufferSize),
		consumers: make(map[string][]consumer),
		next:      make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the worker pool.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.work()
	}
	b.logger.Debug().Int("workers", b.config.Workers).Msg("bus started")
}

// Consumer registers handler on address and returns a function removing it.
func (b *Bus) Consumer(address string, handler Handler) func() {
	id := uuid.New().String()
	b.mu.Lock()
	b.consumers[address] = append(b.consumers[address], consumer{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.consumers[address]
		for i, c := range list {
			if c.id == id {
				b.consumers[address] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.consumers[address]) == 0 {
			delete(b.consumers, address)
		}
	}
}

// HasConsumer reports whether anything consumes address.
func (b *Bus) HasConsumer(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers[address]) > 0
}

// Send queues body for address without waiting for it to be handled.
func (b *Bus) Send(ctx context.Context, address string, body interface{}) error {
	_, err := b.enqueue(ctx, address, body, nil)
	return err
}

// Request queues body for address and waits for the consumer's reply.
func (b *Bus) Request(ctx context.Context, address string, body interface{}) (interface{}, error) {
	reply := make(chan result, 1)
	msg, err := b.enqueue(ctx, address, body, reply)
	if err != nil {
		return nil, err
	}

	timeout := b.clock.NewTimer(b.config.RequestTimeout)
	defer timeout.Stop()

	select {
	case r := <-reply:
		return r.body, r.err
	case <-timeout.Chan():
		return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, msg.ID, address)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrStopped
	}
}

func (b *Bus) enqueue(ctx context.Context, address string, body interface{}, reply chan result) (Message, error) {
	if b.ctx.Err() != nil {
		return Message{}, ErrStopped
	}
	if !b.HasConsumer(address) {
		return Message{}, fmt.Errorf("%w: %s", ErrNoHandlers, address)
	}

	msg := Message{
		ID:      uuid.New().String(),
		Address: address,
		Body:    body,
		SentAt:  b.clock.Now(),
		reply:   reply,
	}

	b.pending.Add(1)
	select {
	case b.queue <- msg:
		b.metrics.SetBusQueued(float64(len(b.queue)))
		return msg, nil
	case <-ctx.Done():
		b.pending.Add(-1)
		return Message{}, ctx.Err()
	default:
		b.pending.Add(-1)
		return Message{}, fmt.Errorf("%w: %s", ErrBufferFull, address)
	}
}

func (b *Bus) work() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.metrics.SetBusQueued(float64(len(b.queue)))
			b.deliver(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) pick(address string) (Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.consumers[address]
	if len(list) == 0 {
		return nil, false
	}
	i := b.next[address] % len(list)
	b.next[address] = i + 1
	return list[i].handler, true
}

func (b *Bus) deliver(msg Message) {
	defer b.pending.Add(-1)
	handler, ok := b.pick(msg.Address)
	if !ok {
		b.logger.Warn().Str("address", msg.Address).Str("message_id", msg.ID).Msg("consumer removed before delivery")
		if msg.reply != nil {
			msg.reply <- result{err: fmt.Errorf("%w: %s", ErrNoHandlers, msg.Address)}
		}
		return
	}

	body, err := b.invoke(handler, msg)
	if err != nil && msg.reply == nil {
		b.logger.Error().Err(err).Str("address", msg.Address).Str("message_id", msg.ID).Msg("handler failed")
	}
	if msg.reply != nil {
		msg.reply <- result{body: body, err: err}
	}
}

func (b *Bus) invoke(handler Handler, msg Message) (body interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", msg.Address, r)
		}
	}()
	return handler(b.ctx, msg)
}

// Pending returns the number of messages queued or being handled.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// Drain waits until no message is queued or being handled. Messages sent
// by handlers count, so Drain returns once a cascade has settled.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := b.clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			return fmt.Errorf("bus drain: %d messages pending: %w", b.pending.Load(), ctx.Err())
		}
	}
	return nil
}

// Shutdown stops the workers. Queued messages not yet picked up are dropped.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug().Int("dropped", len(b.queue)).Msg("bus stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus shutdown timeout")
	}
}
