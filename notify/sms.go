package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Sender is the SMS transport. Implementations may talk to a real aggregator
// or just log in development.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// LogSender writes notifications to the structured log instead of sending
// them. Default transport in development.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, phone, message string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sms notification", "phone", phone, "message", message)
	return nil
}

// Message is one queued notification with its delivery bookkeeping.
type Message struct {
	Phone      string
	Body       string
	Attempt    int
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// Option adjusts queue behaviour.
type Option func(*config)

type config struct {
	capacity    int
	maxAttempts int
	backoff     time.Duration
	ttl         time.Duration
	now         func() time.Time
}

const (
	defaultCapacity    = 256
	defaultMaxAttempts = 3
	defaultBackoff     = 30 * time.Second
	defaultTTL         = 15 * time.Minute
)

// WithCapacity bounds the number of pending notifications.
func WithCapacity(capacity int) Option {
	return func(cfg *config) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithMaxAttempts caps delivery retries per message.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the fixed delay between delivery attempts.
func WithBackoff(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.backoff = d
		}
	}
}

// WithTTL configures how long queued messages remain eligible for delivery.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded best-effort SMS queue. Enqueueing never blocks and never
// fails the caller; a periodic worker drains it independently of request
// lifecycles and drops messages once their attempts or TTL are exhausted.
type Queue struct {
	mu      sync.Mutex
	ring    ring[Message]
	sender  Sender
	ttl     time.Duration
	backoff time.Duration
	max     int
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a queue draining into the supplied sender.
func NewQueue(sender Sender, opts ...Option) *Queue {
	cfg := config{
		capacity:    defaultCapacity,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		ttl:         defaultTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if sender == nil {
		sender = LogSender{}
	}
	return &Queue{
		ring:    newRing[Message](cfg.capacity),
		sender:  sender,
		ttl:     cfg.ttl,
		backoff: cfg.backoff,
		max:     cfg.maxAttempts,
		now:     cfg.now,
		metrics: sharedMetrics(),
	}
}

// Notify enqueues a notification. Satisfies the engine's notifier contract.
func (q *Queue) Notify(phone, message string) {
	if phone == "" {
		return
	}
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.ring.push(Message{Phone: phone, Body: message, EnqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Pending returns a snapshot of queued messages. Primarily used in tests.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Message, 0, q.ring.len())
	q.ring.forEach(func(m Message) { snapshot = append(snapshot, m) })
	return snapshot
}

// Run drains the queue on a fixed timer until the context is cancelled.
// Failures requeue the message with backoff up to the attempt cap; nothing
// ever propagates to the enqueuing request.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		msg, ok := q.next()
		if !ok {
			return
		}
		if err := q.sender.Send(ctx, msg.Phone, msg.Body); err != nil {
			msg.Attempt++
			if msg.Attempt >= q.max {
				q.metrics.recordDropped("attempts", 1)
				slog.Warn("sms dropped after retries", "phone", msg.Phone, "attempts", msg.Attempt, "err", err)
				continue
			}
			msg.NotBefore = q.now().Add(q.backoff)
			q.mu.Lock()
			if _, dropped := q.ring.push(msg); dropped {
				q.metrics.recordDropped("overflow", 1)
			}
			q.mu.Unlock()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the first deliverable message, skipping entries whose backoff has
// not elapsed.
func (q *Queue) next() (Message, bool) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	for i := 0; i < q.ring.len(); i++ {
		msg, ok := q.ring.pop()
		if !ok {
			return Message{}, false
		}
		if msg.NotBefore.After(now) {
			q.ring.push(msg)
			continue
		}
		return msg, true
	}
	return Message{}, false
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		msg, ok := q.ring.peek()
		if !ok || now.Sub(msg.EnqueuedAt) <= q.ttl {
			break
		}
		q.ring.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	metricsOnce   sync.Once
	sharedQueueMx *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("coopmarket/notify")
		counter, err := meter.Int64Counter("coopmarket.sms.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("coopmarket/notify")
			counter, _ = fallback.Int64Counter("coopmarket.sms.dropped")
		}
		sharedQueueMx = &queueMetrics{dropped: counter}
	})
	return sharedQueueMx
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
