package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/shared/events"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultVoteTopic    = "votes"
	defaultCounterGroup = "vote-counter"
)

type ProcessOutcome string

const (
	OutcomeApplied          ProcessOutcome = "applied"
	OutcomeDuplicate        ProcessOutcome = "duplicate"
	OutcomeUnknownCandidate ProcessOutcome = "unknown_candidate"
	OutcomeMalformed        ProcessOutcome = "malformed"
	OutcomeTransientError   ProcessOutcome = "transient_error"
	OutcomePanic            ProcessOutcome = "panic"
)

// ProcessResult is the terminal state of one delivery. The broker only sees
// Disposition; the rest is for logs, tests and the single-invocation runner.
type ProcessResult struct {
	Disposition ports.Disposition
	Outcome     ProcessOutcome
	VoteID      string
	CandidateID string
	TraceID     string
}

// VoteCounter applies vote deliveries to the counter store with an
// exactly-once effect. Every redelivery of an applied vote id is acked
// without touching the counter.
type VoteCounter struct {
	Subscriber    ports.VoteSubscriber
	Ledger        ports.VoteLedger
	Counters      ports.CounterStore
	Rejections    ports.RejectionStore
	Propagator    ports.TracePropagator
	Metrics       ports.PipelineMetrics
	Clock         ports.Clock
	Tracer        trace.Tracer
	Topic         string
	ConsumerGroup string
	Concurrency   int
	Logger        *slog.Logger
}

// Start subscribes the counter to the vote topic. Deliveries are handled on
// the subscriber's worker goroutines until ctx is cancelled.
func (c VoteCounter) Start(ctx context.Context) error {
	logger := application.ResolveLogger(c.Logger)
	topic := resolveName(c.Topic, defaultVoteTopic)
	group := resolveName(c.ConsumerGroup, defaultCounterGroup)
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	if err := c.Subscriber.Subscribe(ctx, topic, group, ports.SubscribeOptions{Concurrency: concurrency}, c.Handle); err != nil {
		logger.Error("vote counter subscribe failed",
			"event", "vote_counter_subscribe_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "worker",
			"topic", topic,
			"consumer_group", group,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("vote counter subscription active",
		"event", "vote_counter_started",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"topic", topic,
		"consumer_group", group,
		"concurrency", concurrency,
	)
	return nil
}

func (c VoteCounter) Handle(ctx context.Context, delivery ports.Delivery) ports.Disposition {
	return c.Process(ctx, delivery).Disposition
}

// Process runs one delivery through decode, dedupe and apply. It never
// panics: a recovered panic resolves to Retry so the broker redelivers.
func (c VoteCounter) Process(ctx context.Context, delivery ports.Delivery) (result ProcessResult) {
	logger := application.ResolveLogger(c.Logger)
	metrics := c.metrics()
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("vote counter recovered from panic",
				"event", "vote_counter_panic_recovered",
				"module", "vote-ingestion/vote-pipeline",
				"layer", "worker",
				"message_id", delivery.MessageID,
				"vote_id", result.VoteID,
				"panic", fmt.Sprint(recovered),
			)
			result.Disposition = ports.Retry
			result.Outcome = OutcomePanic
		}
		metrics.ApplyObserved(time.Since(started))
	}()

	envelope, err := events.DecodeVoteEnvelope(delivery.Body)
	if err != nil {
		return c.rejectMalformed(ctx, delivery, err)
	}
	result.VoteID = envelope.VoteID
	result.CandidateID = envelope.CandidateID

	if c.Propagator != nil {
		ctx = c.Propagator.Extract(ctx, envelope.TraceContext)
	}
	ctx, span := application.ResolveTracer(c.Tracer).Start(ctx, "vote.apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("vote.id", envelope.VoteID),
			attribute.String("candidate.id", envelope.CandidateID),
			attribute.Int("messaging.delivery.attempt", delivery.Attempt),
		),
	)
	defer span.End()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		result.TraceID = sc.TraceID().String()
	}

	applied, err := c.Ledger.HasApplied(ctx, envelope.VoteID)
	if err != nil {
		return c.retry(ctx, span, result, "ledger lookup failed", err)
	}
	if applied {
		return c.acknowledgeDuplicate(ctx, span, result, delivery)
	}

	outcome, err := c.Counters.ApplyVote(ctx, entities.LedgerEntry{
		VoteID:      envelope.VoteID,
		CandidateID: envelope.CandidateID,
		AppliedAt:   c.now(),
	})
	switch {
	case errors.Is(err, domainerrors.ErrCandidateNotFound):
		return c.rejectUnknownCandidate(ctx, span, result, delivery)
	case err != nil:
		return c.retry(ctx, span, result, "apply failed", err)
	case outcome == entities.ApplyDuplicate:
		return c.acknowledgeDuplicate(ctx, span, result, delivery)
	}

	metrics.VoteApplied(envelope.CandidateID)
	logger.Info("vote applied",
		"event", "vote_counter_applied",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"vote_id", envelope.VoteID,
		"candidate_id", envelope.CandidateID,
		"attempt", delivery.Attempt,
		"trace_id", result.TraceID,
	)
	result.Disposition = ports.Ack
	result.Outcome = OutcomeApplied
	return result
}

func (c VoteCounter) acknowledgeDuplicate(_ context.Context, span trace.Span, result ProcessResult, delivery ports.Delivery) ProcessResult {
	span.SetName("vote.duplicate")
	c.metrics().VoteDuplicate()
	application.ResolveLogger(c.Logger).Debug("vote redelivery acknowledged without apply",
		"event", "vote_counter_duplicate",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"vote_id", result.VoteID,
		"candidate_id", result.CandidateID,
		"attempt", delivery.Attempt,
	)
	result.Disposition = ports.Ack
	result.Outcome = OutcomeDuplicate
	return result
}

func (c VoteCounter) rejectUnknownCandidate(ctx context.Context, span trace.Span, result ProcessResult, delivery ports.Delivery) ProcessResult {
	span.SetName("vote.reject")
	span.SetStatus(codes.Error, string(entities.RejectionUnknownCandidate))
	logger := application.ResolveLogger(c.Logger)

	if err := c.recordRejection(ctx, entities.VoteRejection{
		VoteID:      result.VoteID,
		CandidateID: result.CandidateID,
		Reason:      entities.RejectionUnknownCandidate,
		Attempt:     delivery.Attempt,
		Payload:     delivery.Body,
	}); err != nil {
		// Retrying keeps the vote visible; the next attempt reaches the
		// same branch and records again.
		return c.retry(ctx, span, result, "rejection record failed", err)
	}

	c.metrics().VoteRejected(entities.RejectionUnknownCandidate)
	logger.Warn("vote for unknown candidate rejected",
		"event", "vote_counter_unknown_candidate",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"vote_id", result.VoteID,
		"candidate_id", result.CandidateID,
		"attempt", delivery.Attempt,
	)
	result.Disposition = ports.Ack
	result.Outcome = OutcomeUnknownCandidate
	return result
}

// rejectMalformed records a malformed payload once, on its first delivery.
// Redeliveries of the same payload are rejected again without another row or
// metric increment.
func (c VoteCounter) rejectMalformed(ctx context.Context, delivery ports.Delivery, cause error) ProcessResult {
	logger := application.ResolveLogger(c.Logger)
	if delivery.Attempt > 1 {
		logger.Debug("malformed vote message rejected again",
			"event", "vote_counter_malformed_redelivered",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "worker",
			"message_id", delivery.MessageID,
			"attempt", delivery.Attempt,
		)
		return ProcessResult{Disposition: ports.Reject, Outcome: OutcomeMalformed}
	}
	if err := c.recordRejection(ctx, entities.VoteRejection{
		Reason:  entities.RejectionMalformedMessage,
		Attempt: delivery.Attempt,
		Payload: delivery.Body,
	}); err != nil {
		logger.Error("malformed vote rejection record failed",
			"event", "vote_counter_rejection_record_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "worker",
			"message_id", delivery.MessageID,
			"error", err.Error(),
		)
	}
	c.metrics().VoteRejected(entities.RejectionMalformedMessage)
	logger.Error("malformed vote message rejected",
		"event", "vote_counter_malformed",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"message_id", delivery.MessageID,
		"attempt", delivery.Attempt,
		"error", fmt.Errorf("%w: %w", domainerrors.ErrMalformedMessage, cause).Error(),
	)
	return ProcessResult{Disposition: ports.Reject, Outcome: OutcomeMalformed}
}

func (c VoteCounter) retry(_ context.Context, span trace.Span, result ProcessResult, reason string, err error) ProcessResult {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	application.ResolveLogger(c.Logger).Warn("vote apply deferred for retry",
		"event", "vote_counter_retry",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"vote_id", result.VoteID,
		"candidate_id", result.CandidateID,
		"reason", reason,
		"error", err.Error(),
	)
	result.Disposition = ports.Retry
	result.Outcome = OutcomeTransientError
	return result
}

func (c VoteCounter) recordRejection(ctx context.Context, rejection entities.VoteRejection) error {
	if c.Rejections == nil {
		return nil
	}
	rejection.RecordedAt = c.now()
	return c.Rejections.RecordRejection(ctx, rejection)
}

func (c VoteCounter) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (c VoteCounter) metrics() ports.PipelineMetrics {
	if c.Metrics == nil {
		return ports.NoopMetrics{}
	}
	return c.Metrics
}

func resolveName(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
