package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
)

// ErrBrokerUnavailable marks a publish the broker never accepted. Any other
// publish error leaves the outcome open.
var ErrBrokerUnavailable = domainerrors.ErrBrokerUnavailable

const (
	defaultMaxRetries   = 5
	defaultLeaseTimeout = 30 * time.Second
	defaultRetryDelay   = 50 * time.Millisecond
	deadLetterSuffix    = ".deadletter"
)

// Options tune redelivery for both broker implementations.
type Options struct {
	// MaxRetries is the number of failed attempts after which a message is
	// moved to its dead-letter topic.
	MaxRetries int
	// LeaseTimeout is how long a delivery may stay unacknowledged before it
	// counts as failed and is redelivered.
	LeaseTimeout time.Duration
	// RetryDelay holds a failed message back before redelivery. It doubles
	// with each failure and never exceeds LeaseTimeout. Zero uses the default
	// and a negative value redelivers immediately.
	RetryDelay time.Duration
	// DeadLetterTopics overrides the "<topic>.deadletter" default per topic.
	DeadLetterTopics map[string]string
	Logger           *slog.Logger
}

func (o Options) maxRetries() int {
	if o.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return o.MaxRetries
}

func (o Options) leaseTimeout() time.Duration {
	if o.LeaseTimeout <= 0 {
		return defaultLeaseTimeout
	}
	return o.LeaseTimeout
}

func (o Options) retryDelay(failures int) time.Duration {
	delay := o.RetryDelay
	if delay < 0 {
		return 0
	}
	if delay == 0 {
		delay = defaultRetryDelay
	}
	limit := o.leaseTimeout()
	for i := 1; i < failures && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

func (o Options) deadLetterTopic(topic string) string {
	if name := strings.TrimSpace(o.DeadLetterTopics[topic]); name != "" {
		return name
	}
	return topic + deadLetterSuffix
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// MemoryBroker is an in-process broker with consumer groups, leases and a
// dead-letter policy. Topics retain every message, and a group created late
// starts from the beginning of the topic.
type MemoryBroker struct {
	opts Options

	mu          sync.Mutex
	topics      map[string]*memoryTopic
	seq         uint64
	unavailable bool
}

type memoryTopic struct {
	log    []memoryMessage
	groups map[string]*memoryGroup
}

type memoryMessage struct {
	id   string
	key  string
	body []byte
}

// queuedMessage is a message waiting in a group; it is not handed out before
// readyAt.
type queuedMessage struct {
	memoryMessage
	readyAt time.Time
}

type memoryGroup struct {
	ready    []queuedMessage
	inflight map[string]memoryLease
	failures map[string]int
	tokens   uint64
	wake     chan struct{}
}

type memoryLease struct {
	message  memoryMessage
	token    uint64
	attempt  int
	deadline time.Time
}

func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:   opts,
		topics: make(map[string]*memoryTopic),
	}
}

// SetAvailable toggles a simulated outage. While unavailable, Publish fails
// and no deliveries are handed out.
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = !available
	if available {
		for _, topic := range b.topics {
			for _, group := range topic.groups {
				group.notify()
			}
		}
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, message ports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}

	b.mu.Lock()
	if b.unavailable {
		b.mu.Unlock()
		return fmt.Errorf("%w: publish to %s", ErrBrokerUnavailable, topic)
	}
	id := b.appendLocked(topic, message.Key, message.Body)
	b.mu.Unlock()

	b.opts.logger().Debug("message published",
		"event", "broker_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"message_id", id,
		"key", message.Key,
	)
	return nil
}

// Subscribe starts opts.Concurrency workers for the group and returns. Work
// stops when ctx is cancelled; unacknowledged deliveries stay leased and are
// redelivered to the group's remaining subscribers after the lease expires.
func (b *MemoryBroker) Subscribe(
	ctx context.Context,
	topic string,
	group string,
	opts ports.SubscribeOptions,
	handler ports.DeliveryHandler,
) error {
	topic = strings.TrimSpace(topic)
	group = strings.TrimSpace(group)
	if topic == "" || group == "" {
		return errors.New("topic and consumer group are required")
	}
	if handler == nil {
		return errors.New("delivery handler is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	b.mu.Lock()
	b.groupLocked(topic, group)
	b.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		go b.consume(ctx, topic, group, handler)
	}
	go b.reap(ctx, topic, group)

	b.opts.logger().Info("consumer group subscribed",
		"event", "broker_subscribe",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", group,
		"concurrency", concurrency,
	)
	return nil
}

// Messages returns a copy of everything published to topic.
func (b *MemoryBroker) Messages(topic string) []ports.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	items := make([]ports.Message, 0, len(t.log))
	for _, message := range t.log {
		items = append(items, ports.Message{Key: message.key, Body: append([]byte(nil), message.body...)})
	}
	return items
}

// DeadLetters returns the messages moved out of topic by the dead-letter
// policy.
func (b *MemoryBroker) DeadLetters(topic string) []ports.Message {
	return b.Messages(b.opts.deadLetterTopic(topic))
}

// Pending reports ready plus in-flight messages for a group.
func (b *MemoryBroker) Pending(topic string, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	g, ok := t.groups[group]
	if !ok {
		return 0
	}
	return len(g.ready) + len(g.inflight)
}

func (b *MemoryBroker) consume(ctx context.Context, topic string, group string, handler ports.DeliveryHandler) {
	for {
		lease, ok := b.next(ctx, topic, group)
		if !ok {
			return
		}
		disposition := b.handle(ctx, topic, group, lease, handler)
		b.settle(topic, group, lease, disposition)
	}
}

func (b *MemoryBroker) handle(
	ctx context.Context,
	topic string,
	group string,
	lease memoryLease,
	handler ports.DeliveryHandler,
) (disposition ports.Disposition) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.opts.logger().Error("delivery handler panicked",
				"event", "broker_handler_panic",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"consumer_group", group,
				"message_id", lease.message.id,
				"panic", fmt.Sprint(recovered),
			)
			disposition = ports.Retry
		}
	}()
	return handler(ctx, ports.Delivery{
		MessageID: lease.message.id,
		Topic:     topic,
		Body:      append([]byte(nil), lease.message.body...),
		Attempt:   lease.attempt,
	})
}

// next blocks until a message is leased to the caller or ctx is done.
func (b *MemoryBroker) next(ctx context.Context, topic string, group string) (memoryLease, bool) {
	for {
		now := time.Now()
		b.mu.Lock()
		g := b.groupLocked(topic, group)
		if i := g.readyIndex(now); !b.unavailable && i >= 0 {
			message := g.ready[i].memoryMessage
			g.ready = append(g.ready[:i], g.ready[i+1:]...)
			g.tokens++
			lease := memoryLease{
				message:  message,
				token:    g.tokens,
				attempt:  g.failures[message.id] + 1,
				deadline: time.Now().Add(b.opts.leaseTimeout()),
			}
			g.inflight[message.id] = lease
			b.mu.Unlock()
			return lease, true
		}
		wake := g.wake
		delay, delayed := g.nextReadyIn(now)
		b.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if delayed {
			timer = time.NewTimer(delay)
			due = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return memoryLease{}, false
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (b *MemoryBroker) settle(topic string, group string, lease memoryLease, disposition ports.Disposition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groupLocked(topic, group)
	current, ok := g.inflight[lease.message.id]
	if !ok || current.token != lease.token {
		// The lease expired and the message was redelivered or settled by
		// another worker.
		b.opts.logger().Debug("stale delivery settlement ignored",
			"event", "broker_stale_settle",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", group,
			"message_id", lease.message.id,
			"disposition", disposition.String(),
		)
		return
	}
	delete(g.inflight, lease.message.id)

	if disposition == ports.Ack {
		delete(g.failures, lease.message.id)
		return
	}
	b.failLocked(topic, group, g, lease.message, disposition.String())
}

func (b *MemoryBroker) reap(ctx context.Context, topic string, group string) {
	interval := b.opts.leaseTimeout() / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			g := b.groupLocked(topic, group)
			for id, lease := range g.inflight {
				if now.Before(lease.deadline) {
					continue
				}
				delete(g.inflight, id)
				b.failLocked(topic, group, g, lease.message, "lease_expired")
			}
			b.mu.Unlock()
		}
	}
}

// failLocked counts a failed attempt and either requeues the message or moves
// it to the dead-letter topic.
func (b *MemoryBroker) failLocked(topic string, group string, g *memoryGroup, message memoryMessage, reason string) {
	g.failures[message.id]++
	failures := g.failures[message.id]
	logger := b.opts.logger()

	if failures >= b.opts.maxRetries() {
		delete(g.failures, message.id)
		deadLetterTopic := b.opts.deadLetterTopic(topic)
		b.appendLocked(deadLetterTopic, message.key, message.body)
		logger.Warn("message dead-lettered",
			"event", "broker_dead_lettered",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", group,
			"dead_letter_topic", deadLetterTopic,
			"message_id", message.id,
			"failed_attempts", failures,
			"reason", reason,
		)
		return
	}

	delay := b.opts.retryDelay(failures)
	g.ready = append(g.ready, queuedMessage{memoryMessage: message, readyAt: time.Now().Add(delay)})
	g.notify()
	logger.Debug("message requeued",
		"event", "broker_requeued",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", group,
		"message_id", message.id,
		"failed_attempts", failures,
		"retry_delay", delay.String(),
		"reason", reason,
	)
}

func (b *MemoryBroker) appendLocked(topic string, key string, body []byte) string {
	b.seq++
	message := memoryMessage{
		id:   topic + "-" + strconv.FormatUint(b.seq, 10),
		key:  key,
		body: append([]byte(nil), body...),
	}
	t := b.topicLocked(topic)
	t.log = append(t.log, message)
	for _, g := range t.groups {
		g.ready = append(g.ready, queuedMessage{memoryMessage: message})
		g.notify()
	}
	return message.id
}

func (b *MemoryBroker) topicLocked(topic string) *memoryTopic {
	t, ok := b.topics[topic]
	if !ok {
		t = &memoryTopic{groups: make(map[string]*memoryGroup)}
		b.topics[topic] = t
	}
	return t
}

func (b *MemoryBroker) groupLocked(topic string, group string) *memoryGroup {
	t := b.topicLocked(topic)
	g, ok := t.groups[group]
	if !ok {
		ready := make([]queuedMessage, 0, len(t.log))
		for _, message := range t.log {
			ready = append(ready, queuedMessage{memoryMessage: message})
		}
		g = &memoryGroup{
			ready:    ready,
			inflight: make(map[string]memoryLease),
			failures: make(map[string]int),
			wake:     make(chan struct{}),
		}
		t.groups[group] = g
	}
	return g
}

// readyIndex returns the oldest message due at now, or -1.
func (g *memoryGroup) readyIndex(now time.Time) int {
	for i, queued := range g.ready {
		if !queued.readyAt.After(now) {
			return i
		}
	}
	return -1
}

// nextReadyIn reports how long until the earliest held-back message is due.
func (g *memoryGroup) nextReadyIn(now time.Time) (time.Duration, bool) {
	var (
		wait  time.Duration
		found bool
	)
	for _, queued := range g.ready {
		until := queued.readyAt.Sub(now)
		if until <= 0 {
			continue
		}
		if !found || until < wait {
			wait, found = until, true
		}
	}
	return wait, found
}

// notify wakes every worker blocked on the group.
func (g *memoryGroup) notify() {
	close(g.wake)
	g.wake = make(chan struct{})
}

var _ ports.VotePublisher = (*MemoryBroker)(nil)
var _ ports.VoteSubscriber = (*MemoryBroker)(nil)
