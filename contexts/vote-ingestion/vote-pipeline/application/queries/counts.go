package queries

import (
	"context"
	"log/slog"

	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
)

const (
	defaultRejectionLimit = 50
	maxRejectionLimit     = 500
)

// CountsUseCase reads the counter projection. Results trail submissions by
// however long the aggregator takes to drain the broker.
type CountsUseCase struct {
	Counters ports.CounterStore
	Logger   *slog.Logger
}

func (uc CountsUseCase) GetCounts(ctx context.Context) ([]entities.CandidateCounter, error) {
	items, err := uc.Counters.ListCounts(ctx)
	if err != nil {
		application.ResolveLogger(uc.Logger).Error("vote counts query failed",
			"event", "vote_counts_query_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"error", err.Error(),
		)
		return nil, err
	}
	return items, nil
}

type RejectionsUseCase struct {
	Rejections ports.RejectionStore
	Logger     *slog.Logger
}

// ListRejections returns newest rejections first. The limit is clamped to
// [1, 500] with 50 as default.
func (uc RejectionsUseCase) ListRejections(ctx context.Context, limit int) ([]entities.VoteRejection, error) {
	if limit <= 0 {
		limit = defaultRejectionLimit
	}
	if limit > maxRejectionLimit {
		limit = maxRejectionLimit
	}
	items, err := uc.Rejections.ListRejections(ctx, limit)
	if err != nil {
		application.ResolveLogger(uc.Logger).Error("vote rejections query failed",
			"event", "vote_rejections_query_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"limit", limit,
			"error", err.Error(),
		)
		return nil, err
	}
	return items, nil
}
