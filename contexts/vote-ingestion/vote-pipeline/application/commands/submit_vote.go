package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/valueobjects"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/shared/events"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SubmitOutcomeAccepted          = "accepted"
	SubmitOutcomeReplayed          = "replayed"
	SubmitOutcomeInvalidCandidate  = "invalid_candidate"
	SubmitOutcomeBrokerUnavailable = "broker_unavailable"
	SubmitOutcomeUnknown           = "unknown"
	SubmitOutcomeConflict          = "idempotency_conflict"
)

type SubmitVoteCommand struct {
	CandidateID string
	// IdempotencyKey is optional. When set, retries under the same key reuse
	// the vote id of the first attempt.
	IdempotencyKey string
}

// SubmitVoteResult means the vote is durably enqueued, not that it is counted.
type SubmitVoteResult struct {
	VoteID      string
	CandidateID string
	CastAt      time.Time
	Replayed    bool
}

// SubmitVoteUseCase is the gateway: it assigns the vote id, threads the trace
// context into the envelope and performs exactly one publish per call.
type SubmitVoteUseCase struct {
	Publisher      ports.VotePublisher
	Idempotency    ports.IdempotencyStore
	Withdrawals    ports.VoteWithdrawals
	Propagator     ports.TracePropagator
	Metrics        ports.PipelineMetrics
	Clock          ports.Clock
	IDGen          ports.IDGenerator
	Tracer         trace.Tracer
	Topic          string
	SourceService  string
	PublishTimeout time.Duration
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

func (uc SubmitVoteUseCase) SubmitVote(ctx context.Context, cmd SubmitVoteCommand) (SubmitVoteResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	metrics := uc.metrics()

	candidateID, err := valueobjects.NewCandidateID(cmd.CandidateID)
	if err != nil {
		logger.Warn("vote submit validation failed",
			"event", "vote_submit_validation_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"candidate_id", strings.TrimSpace(cmd.CandidateID),
			"error", err.Error(),
		)
		metrics.VoteSubmitted(SubmitOutcomeInvalidCandidate)
		return SubmitVoteResult{}, err
	}

	now := uc.now()
	voteID, replayed, err := uc.resolveVoteID(ctx, strings.TrimSpace(cmd.IdempotencyKey), candidateID, now)
	if err != nil {
		if errors.Is(err, domainerrors.ErrIdempotencyConflict) {
			logger.Warn("vote submit idempotency conflict",
				"event", "vote_submit_idempotency_conflict",
				"module", "vote-ingestion/vote-pipeline",
				"layer", "application",
				"candidate_id", candidateID.String(),
			)
			metrics.VoteSubmitted(SubmitOutcomeConflict)
			return SubmitVoteResult{}, err
		}
		logger.Error("vote submit id assignment failed",
			"event", "vote_submit_id_assignment_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"candidate_id", candidateID.String(),
			"error", err.Error(),
		)
		return SubmitVoteResult{}, err
	}

	ctx, span := application.ResolveTracer(uc.Tracer).Start(ctx, "vote.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("vote.id", voteID),
			attribute.String("candidate.id", candidateID.String()),
		),
	)
	defer span.End()

	var traceContext []byte
	if uc.Propagator != nil {
		traceContext = uc.Propagator.Inject(ctx)
	}
	payload, err := events.EncodeVoteEnvelope(events.VoteEnvelope{
		VoteID:        voteID,
		CandidateID:   candidateID.String(),
		CastAt:        now,
		TraceContext:  traceContext,
		SourceService: uc.SourceService,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode envelope")
		return SubmitVoteResult{}, fmt.Errorf("encode vote envelope: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, uc.resolvePublishTimeout())
	defer cancel()
	if err := uc.Publisher.Publish(publishCtx, uc.resolveTopic(), ports.Message{Key: voteID, Body: payload}); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			// The caller went away mid-publish; the broker may or may not
			// have the message.
			span.SetStatus(codes.Error, "submission status unknown")
			logger.Warn("vote submit abandoned by caller",
				"event", "vote_submit_status_unknown",
				"module", "vote-ingestion/vote-pipeline",
				"layer", "application",
				"vote_id", voteID,
				"candidate_id", candidateID.String(),
				"error", err.Error(),
			)
			metrics.VoteSubmitted(SubmitOutcomeUnknown)
			return SubmitVoteResult{VoteID: voteID}, fmt.Errorf("%w: %w", domainerrors.ErrSubmissionUnknown, ctx.Err())
		}
		if !errors.Is(err, domainerrors.ErrBrokerUnavailable) && !replayed && uc.Withdrawals != nil {
			// The broker may hold the message even though the publish failed.
			return uc.withdraw(ctx, span, strings.TrimSpace(cmd.IdempotencyKey), voteID, candidateID, now, err)
		}
		span.SetStatus(codes.Error, "broker unavailable")
		logger.Error("vote submit publish failed",
			"event", "vote_submit_publish_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"vote_id", voteID,
			"candidate_id", candidateID.String(),
			"error", err.Error(),
		)
		metrics.VoteSubmitted(SubmitOutcomeBrokerUnavailable)
		return SubmitVoteResult{}, brokerUnavailable(err)
	}

	outcome := SubmitOutcomeAccepted
	if replayed {
		outcome = SubmitOutcomeReplayed
	}
	metrics.VoteSubmitted(outcome)
	logger.Info("vote submitted",
		"event", "vote_submit_accepted",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "application",
		"vote_id", voteID,
		"candidate_id", candidateID.String(),
		"replayed", replayed,
		"trace_id", span.SpanContext().TraceID().String(),
	)
	return SubmitVoteResult{
		VoteID:      voteID,
		CandidateID: candidateID.String(),
		CastAt:      now,
		Replayed:    replayed,
	}, nil
}

// withdraw settles a publish whose outcome is open. If the ledger still has
// room for voteID it is retired, so a copy that did reach the broker is acked
// as a duplicate and the caller can safely be told the broker was unavailable.
// If the vote was already counted the submission succeeded after all.
func (uc SubmitVoteUseCase) withdraw(
	ctx context.Context,
	span trace.Span,
	key string,
	voteID string,
	candidateID valueobjects.CandidateID,
	now time.Time,
	publishErr error,
) (SubmitVoteResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	metrics := uc.metrics()

	withdrawn, err := uc.Withdrawals.WithdrawVote(ctx, voteID, now)
	if err != nil {
		span.SetStatus(codes.Error, "submission status unknown")
		logger.Error("vote withdrawal failed after publish error",
			"event", "vote_submit_withdraw_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"vote_id", voteID,
			"candidate_id", candidateID.String(),
			"publish_error", publishErr.Error(),
			"error", err.Error(),
		)
		metrics.VoteSubmitted(SubmitOutcomeUnknown)
		return SubmitVoteResult{VoteID: voteID}, fmt.Errorf("%w: %w", domainerrors.ErrSubmissionUnknown, publishErr)
	}

	if !withdrawn {
		logger.Info("vote counted despite publish error",
			"event", "vote_submit_accepted_after_publish_error",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"vote_id", voteID,
			"candidate_id", candidateID.String(),
			"publish_error", publishErr.Error(),
		)
		metrics.VoteSubmitted(SubmitOutcomeAccepted)
		return SubmitVoteResult{
			VoteID:      voteID,
			CandidateID: candidateID.String(),
			CastAt:      now,
		}, nil
	}

	if key != "" && uc.Idempotency != nil {
		// The retired id must not be replayed under the same key.
		if err := uc.Idempotency.Delete(ctx, key, voteID); err != nil {
			logger.Error("idempotency record cleanup failed",
				"event", "vote_submit_idempotency_cleanup_failed",
				"module", "vote-ingestion/vote-pipeline",
				"layer", "application",
				"vote_id", voteID,
				"error", err.Error(),
			)
		}
	}
	span.SetStatus(codes.Error, "broker unavailable")
	logger.Error("vote submit publish failed",
		"event", "vote_submit_publish_failed",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "application",
		"vote_id", voteID,
		"candidate_id", candidateID.String(),
		"withdrawn", true,
		"error", publishErr.Error(),
	)
	metrics.VoteSubmitted(SubmitOutcomeBrokerUnavailable)
	return SubmitVoteResult{}, brokerUnavailable(publishErr)
}

func brokerUnavailable(err error) error {
	if errors.Is(err, domainerrors.ErrBrokerUnavailable) {
		return fmt.Errorf("publish vote: %w", err)
	}
	return fmt.Errorf("%w: %w", domainerrors.ErrBrokerUnavailable, err)
}

// resolveVoteID returns the vote id to publish. Without a client key every
// call gets a fresh id; with one, the record is stored before publishing so a
// retry after an unknown outcome republishes the same vote.
func (uc SubmitVoteUseCase) resolveVoteID(
	ctx context.Context,
	key string,
	candidateID valueobjects.CandidateID,
	now time.Time,
) (string, bool, error) {
	if key == "" || uc.Idempotency == nil {
		voteID, err := uc.newVoteID(ctx)
		return voteID, false, err
	}

	requestHash := hashSubmitVoteCommand(candidateID)
	record, found, err := uc.Idempotency.Get(ctx, key, now)
	if err != nil {
		return "", false, err
	}
	if found {
		if record.RequestHash != requestHash {
			return "", false, domainerrors.ErrIdempotencyConflict
		}
		return record.VoteID, true, nil
	}

	voteID, err := uc.newVoteID(ctx)
	if err != nil {
		return "", false, err
	}
	err = uc.Idempotency.Put(ctx, ports.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		VoteID:      voteID,
		ExpiresAt:   now.Add(uc.resolveIdempotencyTTL()),
	})
	if errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		// A concurrent request with the same key won the insert.
		record, found, getErr := uc.Idempotency.Get(ctx, key, now)
		if getErr != nil {
			return "", false, getErr
		}
		if found && record.RequestHash == requestHash {
			return record.VoteID, true, nil
		}
		return "", false, domainerrors.ErrIdempotencyConflict
	}
	if err != nil {
		return "", false, err
	}
	return voteID, false, nil
}

func (uc SubmitVoteUseCase) newVoteID(ctx context.Context) (string, error) {
	if uc.IDGen == nil {
		return "", errors.New("vote id generator is not configured")
	}
	voteID, err := uc.IDGen.NewID(ctx)
	if err != nil {
		return "", fmt.Errorf("generate vote id: %w", err)
	}
	return voteID, nil
}

func (uc SubmitVoteUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}

func (uc SubmitVoteUseCase) metrics() ports.PipelineMetrics {
	if uc.Metrics == nil {
		return ports.NoopMetrics{}
	}
	return uc.Metrics
}

func (uc SubmitVoteUseCase) resolveTopic() string {
	if strings.TrimSpace(uc.Topic) == "" {
		return "votes"
	}
	return uc.Topic
}

func (uc SubmitVoteUseCase) resolvePublishTimeout() time.Duration {
	if uc.PublishTimeout <= 0 {
		return 5 * time.Second
	}
	return uc.PublishTimeout
}

func (uc SubmitVoteUseCase) resolveIdempotencyTTL() time.Duration {
	if uc.IdempotencyTTL <= 0 {
		return 24 * time.Hour
	}
	return uc.IdempotencyTTL
}

func hashSubmitVoteCommand(candidateID valueobjects.CandidateID) string {
	payload := map[string]string{
		"candidate_id": candidateID.String(),
		"op":           "submit_vote",
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
