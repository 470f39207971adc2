package workers

import (
	"context"
	"log/slog"
	"time"

	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/shared/events"
)

const defaultDeadLetterGroup = "vote-deadletter-recorder"

// DeadLetterRecorder turns dead-lettered vote messages into rejection records
// so operators can see what the counter gave up on.
type DeadLetterRecorder struct {
	Subscriber    ports.VoteSubscriber
	Rejections    ports.RejectionStore
	Metrics       ports.PipelineMetrics
	Clock         ports.Clock
	Topic         string
	ConsumerGroup string
	Logger        *slog.Logger
}

func (r DeadLetterRecorder) Start(ctx context.Context) error {
	logger := application.ResolveLogger(r.Logger)
	topic := resolveName(r.Topic, defaultVoteTopic+".deadletter")
	group := resolveName(r.ConsumerGroup, defaultDeadLetterGroup)
	if err := r.Subscriber.Subscribe(ctx, topic, group, ports.SubscribeOptions{Concurrency: 1}, r.Handle); err != nil {
		logger.Error("dead-letter recorder subscribe failed",
			"event", "vote_deadletter_subscribe_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "worker",
			"topic", topic,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("dead-letter recorder subscription active",
		"event", "vote_deadletter_started",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"topic", topic,
		"consumer_group", group,
	)
	return nil
}

// Handle records the message and acks it. Payloads that do not decode are
// still recorded with empty vote and candidate ids.
func (r DeadLetterRecorder) Handle(ctx context.Context, delivery ports.Delivery) ports.Disposition {
	logger := application.ResolveLogger(r.Logger)
	rejection := entities.VoteRejection{
		Reason:     entities.RejectionDeadLettered,
		Attempt:    delivery.Attempt,
		Payload:    delivery.Body,
		RecordedAt: time.Now().UTC(),
	}
	if r.Clock != nil {
		rejection.RecordedAt = r.Clock.Now().UTC()
	}
	if envelope, err := events.DecodeVoteEnvelope(delivery.Body); err == nil {
		rejection.VoteID = envelope.VoteID
		rejection.CandidateID = envelope.CandidateID
	}

	if err := r.Rejections.RecordRejection(ctx, rejection); err != nil {
		logger.Error("dead-letter record failed",
			"event", "vote_deadletter_record_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "worker",
			"message_id", delivery.MessageID,
			"error", err.Error(),
		)
		return ports.Retry
	}
	if r.Metrics != nil {
		r.Metrics.VoteRejected(entities.RejectionDeadLettered)
	}
	logger.Warn("dead-lettered vote recorded",
		"event", "vote_deadletter_recorded",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "worker",
		"message_id", delivery.MessageID,
		"vote_id", rejection.VoteID,
	)
	return ports.Ack
}
