package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamFieldKey  = "key"
	streamFieldBody = "body"

	defaultBlockTimeout = 2 * time.Second
	defaultBatchSize    = 16
	errorBackoff        = 500 * time.Millisecond
)

type RedisOptions struct {
	Options
	// ConsumerName identifies this process inside consumer groups. Workers
	// append their index. Defaults to hostname plus a random suffix.
	ConsumerName string
	BlockTimeout time.Duration
	BatchSize    int64
}

// RedisStreams maps the broker contract onto Redis Streams consumer groups.
// Pending entries idle for longer than the lease are reclaimed with
// XAUTOCLAIM, and the entry's delivery count drives the dead-letter policy.
type RedisStreams struct {
	client redis.UniversalClient
	opts   RedisOptions
}

func NewRedisStreams(client redis.UniversalClient, opts RedisOptions) *RedisStreams {
	if strings.TrimSpace(opts.ConsumerName) == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		opts.ConsumerName = host + "-" + uuid.NewString()[:8]
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &RedisStreams{client: client, opts: opts}
}

// Publish returns ErrBrokerUnavailable only when XADD never reached the
// server. A timeout or I/O error after the command was written may still have
// appended the entry, so it is returned unclassified.
func (r *RedisStreams) Publish(ctx context.Context, topic string, message ports.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: xadd %s: %w", ErrBrokerUnavailable, topic, err)
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			streamFieldKey:  message.Key,
			streamFieldBody: message.Body,
		},
	}).Result()
	if err != nil {
		if notSent(err) {
			return fmt.Errorf("%w: xadd %s: %w", ErrBrokerUnavailable, topic, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("xadd %s: %w", topic, ctxErr)
		}
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	r.opts.logger().Debug("message published",
		"event", "broker_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"message_id", id,
		"key", message.Key,
	)
	return nil
}

func (r *RedisStreams) Subscribe(
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
	if err := r.ensureGroup(ctx, topic, group); err != nil {
		return err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		consumer := r.opts.ConsumerName + "-" + strconv.Itoa(i)
		go r.consume(ctx, topic, group, consumer, handler)
	}
	r.opts.logger().Info("consumer group subscribed",
		"event", "broker_subscribe",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", group,
		"consumer", r.opts.ConsumerName,
		"concurrency", concurrency,
	)
	return nil
}

// ensureGroup creates the group at the start of the stream so messages
// published before the first subscriber are still delivered.
func (r *RedisStreams) ensureGroup(ctx context.Context, topic string, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (r *RedisStreams) consume(ctx context.Context, topic string, group string, consumer string, handler ports.DeliveryHandler) {
	logger := r.opts.logger()
	for ctx.Err() == nil {
		messages, err := r.fetch(ctx, topic, group, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("stream fetch failed",
				"event", "broker_fetch_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"consumer_group", group,
				"consumer", consumer,
				"error", err.Error(),
			)
			sleepContext(ctx, errorBackoff)
			continue
		}
		for _, message := range messages {
			r.process(ctx, topic, group, message, handler)
		}
	}
}

// fetch prefers expired leases over new entries so a poison message cannot
// starve behind fresh traffic.
func (r *RedisStreams) fetch(ctx context.Context, topic string, group string, consumer string) ([]redis.XMessage, error) {
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.opts.leaseTimeout(),
		Start:    "0-0",
		Count:    r.opts.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    r.opts.BatchSize,
		Block:    r.opts.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (r *RedisStreams) process(ctx context.Context, topic string, group string, message redis.XMessage, handler ports.DeliveryHandler) {
	logger := r.opts.logger()
	attempt := r.deliveryCount(ctx, topic, group, message.ID)
	key, body := decodeStreamValues(message.Values)

	// A delivery beyond the budget means earlier attempts stalled past their
	// lease; it is dead-lettered without another handler call.
	if attempt > r.opts.maxRetries() {
		r.deadLetter(ctx, topic, group, message.ID, key, body, attempt-1, "lease_expired")
		return
	}

	disposition := r.handle(ctx, topic, group, message.ID, body, attempt, handler)
	switch {
	case disposition == ports.Ack:
		if err := r.client.XAck(ctx, topic, group, message.ID).Err(); err != nil {
			logger.Error("stream ack failed",
				"event", "broker_ack_failed",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"consumer_group", group,
				"message_id", message.ID,
				"error", err.Error(),
			)
		}
	case attempt >= r.opts.maxRetries():
		r.deadLetter(ctx, topic, group, message.ID, key, body, attempt, disposition.String())
	default:
		// Left pending; XAUTOCLAIM hands it out again once the lease expires.
		logger.Debug("delivery left pending for redelivery",
			"event", "broker_requeued",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", group,
			"message_id", message.ID,
			"failed_attempts", attempt,
			"reason", disposition.String(),
		)
	}
}

func (r *RedisStreams) handle(
	ctx context.Context,
	topic string,
	group string,
	messageID string,
	body []byte,
	attempt int,
	handler ports.DeliveryHandler,
) (disposition ports.Disposition) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.opts.logger().Error("delivery handler panicked",
				"event", "broker_handler_panic",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"consumer_group", group,
				"message_id", messageID,
				"panic", fmt.Sprint(recovered),
			)
			disposition = ports.Retry
		}
	}()
	return handler(ctx, ports.Delivery{
		MessageID: messageID,
		Topic:     topic,
		Body:      body,
		Attempt:   attempt,
	})
}

// deliveryCount reads how many times the entry has been handed out. Lookup
// failures degrade to 1 so the message is still processed.
func (r *RedisStreams) deliveryCount(ctx context.Context, topic string, group string, messageID string) int {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 || pending[0].RetryCount <= 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (r *RedisStreams) deadLetter(
	ctx context.Context,
	topic string,
	group string,
	messageID string,
	key string,
	body []byte,
	failures int,
	reason string,
) {
	logger := r.opts.logger()
	deadLetterTopic := r.opts.deadLetterTopic(topic)
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterTopic,
		Values: map[string]any{
			streamFieldKey:    key,
			streamFieldBody:   body,
			"source_topic":    topic,
			"source_group":    group,
			"source_id":       messageID,
			"failed_attempts": failures,
		},
	}).Err(); err != nil {
		// Not acked: the entry stays pending and is retried on the next claim.
		logger.Error("dead-letter publish failed",
			"event", "broker_dead_letter_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"dead_letter_topic", deadLetterTopic,
			"message_id", messageID,
			"error", err.Error(),
		)
		return
	}
	if err := r.client.XAck(ctx, topic, group, messageID).Err(); err != nil {
		logger.Error("dead-lettered entry ack failed",
			"event", "broker_ack_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"message_id", messageID,
			"error", err.Error(),
		)
	}
	logger.Warn("message dead-lettered",
		"event", "broker_dead_lettered",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", group,
		"dead_letter_topic", deadLetterTopic,
		"message_id", messageID,
		"failed_attempts", failures,
		"reason", reason,
	)
}

// notSent reports errors raised before the command left the client: a closed
// client or a failed dial.
func notSent(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func decodeStreamValues(values map[string]any) (string, []byte) {
	return string(valueBytes(values[streamFieldKey])), valueBytes(values[streamFieldBody])
}

func valueBytes(value any) []byte {
	switch v := value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return append([]byte(nil), v...)
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(v))
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

var _ ports.VotePublisher = (*RedisStreams)(nil)
var _ ports.VoteSubscriber = (*RedisStreams)(nil)
