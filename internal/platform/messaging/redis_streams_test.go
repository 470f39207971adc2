package messaging

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type streamsHarness struct {
	streams *RedisStreams
	client  *redis.Client
	ctx     context.Context
}

// newStreamsHarness runs the broker against an in-process Redis with a short
// lease so reclaim paths run quickly.
func newStreamsHarness(t *testing.T, maxRetries int) streamsHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	streams := NewRedisStreams(client, RedisOptions{
		Options: Options{
			MaxRetries:   maxRetries,
			LeaseTimeout: 30 * time.Millisecond,
			Logger:       quietLogger(),
		},
		ConsumerName: "test",
		BlockTimeout: 20 * time.Millisecond,
	})
	return streamsHarness{streams: streams, client: client, ctx: ctx}
}

func (h streamsHarness) pending(t *testing.T, topic string, group string) int64 {
	t.Helper()
	summary, err := h.client.XPending(h.ctx, topic, group).Result()
	if err != nil {
		t.Fatalf("xpending failed: %v", err)
	}
	return summary.Count
}

func (h streamsHarness) length(topic string) int64 {
	n, err := h.client.XLen(h.ctx, topic).Result()
	if err != nil {
		return -1
	}
	return n
}

func TestNewRedisStreamsAppliesDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	streams := NewRedisStreams(client, RedisOptions{})
	if streams.opts.ConsumerName == "" {
		t.Fatalf("expected generated consumer name")
	}
	if streams.opts.BlockTimeout != defaultBlockTimeout || streams.opts.BatchSize != defaultBatchSize {
		t.Fatalf("unexpected defaults %+v", streams.opts)
	}
	if got := streams.opts.deadLetterTopic("votes"); got != "votes.deadletter" {
		t.Fatalf("expected default dead-letter topic, got %s", got)
	}
}

func TestRedisStreamsPublishFailureIsBrokerUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	streams := NewRedisStreams(client, RedisOptions{Options: Options{Logger: quietLogger()}})
	err := streams.Publish(context.Background(), "votes", ports.Message{Key: "v1", Body: []byte("{}")})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected broker unavailable, got %v", err)
	}
}

func TestDecodeStreamValues(t *testing.T) {
	key, body := decodeStreamValues(map[string]any{"key": "v1", "body": `{"vote_id":"v1"}`})
	if key != "v1" || string(body) != `{"vote_id":"v1"}` {
		t.Fatalf("unexpected decode %q %q", key, body)
	}
	key, body = decodeStreamValues(map[string]any{})
	if key != "" || body != nil {
		t.Fatalf("expected empty values, got %q %q", key, body)
	}
}

// TestRedisStreamsRoundTrip runs against a live server when REDIS_ADDR is set.
func TestRedisStreamsRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := "votes-test-" + uuid.NewString()
	defer client.Del(context.Background(), topic, topic+".deadletter")

	streams := NewRedisStreams(client, RedisOptions{
		Options:      Options{MaxRetries: 2, LeaseTimeout: 100 * time.Millisecond, Logger: quietLogger()},
		BlockTimeout: 50 * time.Millisecond,
	})
	if err := streams.Publish(ctx, topic, ports.Message{Key: "good", Body: []byte("good")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := streams.Publish(ctx, topic, ports.Message{Key: "poison", Body: []byte("poison")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var (
		mu       sync.Mutex
		attempts = map[string][]int{}
	)
	err := streams.Subscribe(ctx, topic, "counter", ports.SubscribeOptions{Concurrency: 2}, func(_ context.Context, d ports.Delivery) ports.Disposition {
		mu.Lock()
		attempts[string(d.Body)] = append(attempts[string(d.Body)], d.Attempt)
		mu.Unlock()
		if string(d.Body) == "poison" {
			return ports.Reject
		}
		return ports.Ack
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, err := client.XLen(ctx, topic+".deadletter").Result()
		return err == nil && n == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(attempts["good"]) != 1 {
		t.Fatalf("expected one delivery of good message, got %v", attempts["good"])
	}
	if len(attempts["poison"]) != 2 {
		t.Fatalf("expected two attempts of poison message, got %v", attempts["poison"])
	}
}

func TestRedisStreamsAckClearsPending(t *testing.T) {
	h := newStreamsHarness(t, 3)
	log := newAttemptLog()
	if err := h.streams.Publish(h.ctx, "votes", ports.Message{Key: "v1", Body: []byte("v1")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	err := h.streams.Subscribe(h.ctx, "votes", "counter", ports.SubscribeOptions{}, func(_ context.Context, d ports.Delivery) ports.Disposition {
		log.record(d)
		return ports.Ack
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(log.get("v1")) == 1 && h.pending(t, "votes", "counter") == 0 })
	time.Sleep(100 * time.Millisecond)
	if got := log.get("v1"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected a single first delivery, got %v", got)
	}
}

func TestRedisStreamsRejectedMessageIsDeadLetteredOnce(t *testing.T) {
	h := newStreamsHarness(t, 3)
	log := newAttemptLog()
	if err := h.streams.Publish(h.ctx, "votes", ports.Message{Key: "poison", Body: []byte("poison")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := h.streams.Publish(h.ctx, "votes", ports.Message{Key: "good", Body: []byte("good")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	err := h.streams.Subscribe(h.ctx, "votes", "counter", ports.SubscribeOptions{}, func(_ context.Context, d ports.Delivery) ports.Disposition {
		log.record(d)
		if string(d.Body) == "poison" {
			return ports.Reject
		}
		return ports.Ack
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.length("votes.deadletter") == 1 })
	waitFor(t, time.Second, func() bool { return h.pending(t, "votes", "counter") == 0 })
	time.Sleep(100 * time.Millisecond)
	if n := h.length("votes.deadletter"); n != 1 {
		t.Fatalf("expected exactly one dead-letter entry, got %d", n)
	}
	if got := log.get("poison"); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected attempts [1 2 3], got %v", got)
	}
	if got := log.get("good"); len(got) != 1 {
		t.Fatalf("expected healthy message delivered once, got %v", got)
	}

	entries, err := h.client.XRange(h.ctx, "votes.deadletter", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	key, body := decodeStreamValues(entries[0].Values)
	if key != "poison" || string(body) != "poison" {
		t.Fatalf("unexpected dead letter %q %q", key, body)
	}
	if source := entries[0].Values["source_topic"]; source != "votes" {
		t.Fatalf("expected source_topic votes, got %v", source)
	}
}

func TestRedisStreamsRetryIsReclaimedAfterLease(t *testing.T) {
	h := newStreamsHarness(t, 5)
	log := newAttemptLog()
	if err := h.streams.Publish(h.ctx, "votes", ports.Message{Key: "blip", Body: []byte("blip")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	err := h.streams.Subscribe(h.ctx, "votes", "counter", ports.SubscribeOptions{}, func(_ context.Context, d ports.Delivery) ports.Disposition {
		log.record(d)
		if d.Attempt == 1 {
			return ports.Retry
		}
		return ports.Ack
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(log.get("blip")) == 2 })
	waitFor(t, time.Second, func() bool { return h.pending(t, "votes", "counter") == 0 })
	if got := log.get("blip"); got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected attempts [1 2], got %v", got)
	}
	if n := h.length("votes.deadletter"); n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
}

func TestRedisStreamsStalledDeliveryMovesToAnotherConsumer(t *testing.T) {
	h := newStreamsHarness(t, 5)
	log := newAttemptLog()
	if err := h.streams.Publish(h.ctx, "votes", ports.Message{Key: "slow", Body: []byte("slow")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	err := h.streams.Subscribe(h.ctx, "votes", "counter", ports.SubscribeOptions{Concurrency: 2}, func(_ context.Context, d ports.Delivery) ports.Disposition {
		log.record(d)
		if d.Attempt == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return ports.Ack
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(log.get("slow")) >= 2 })
	waitFor(t, 2*time.Second, func() bool { return h.pending(t, "votes", "counter") == 0 })
	if got := log.get("slow"); got[1] != 2 {
		t.Fatalf("expected reclaimed delivery as attempt 2, got %v", got)
	}
}

func TestRedisStreamsClosedClientIsBrokerUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	streams := NewRedisStreams(client, RedisOptions{Options: Options{Logger: quietLogger()}})
	_ = client.Close()

	err := streams.Publish(context.Background(), "votes", ports.Message{Key: "v1", Body: []byte("{}")})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected broker unavailable, got %v", err)
	}
}

func TestRedisStreamsPublishWithExpiredContextIsBrokerUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	streams := NewRedisStreams(client, RedisOptions{Options: Options{Logger: quietLogger()}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := streams.Publish(ctx, "votes", ports.Message{Key: "v1", Body: []byte("{}")})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected broker unavailable, got %v", err)
	}
	if n, _ := client.XLen(context.Background(), "votes").Result(); n != 0 {
		t.Fatalf("expected nothing appended, got %d", n)
	}
}

// A server that accepts the command but never answers leaves the outcome
// open, so the error must not claim the message was refused.
func TestRedisStreamsLostReplyIsNotBrokerUnavailable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:        listener.Addr().String(),
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	streams := NewRedisStreams(client, RedisOptions{Options: Options{Logger: quietLogger()}})

	err = streams.Publish(context.Background(), "votes", ports.Message{Key: "v1", Body: []byte("{}")})
	if err == nil {
		t.Fatalf("expected publish to fail without a reply")
	}
	if errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected an open outcome, got %v", err)
	}
}
