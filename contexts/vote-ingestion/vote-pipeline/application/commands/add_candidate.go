package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	application "ballotbox/contexts/vote-ingestion/vote-pipeline/application"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/valueobjects"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
)

type AddCandidateCommand struct {
	CandidateID string
}

// AddCandidateUseCase registers a candidate with a zero counter. Votes for a
// candidate that was never registered are rejected by the aggregator.
type AddCandidateUseCase struct {
	Counters ports.CounterStore
	Clock    ports.Clock
	Logger   *slog.Logger
}

func (uc AddCandidateUseCase) AddCandidate(ctx context.Context, cmd AddCandidateCommand) (entities.CandidateCounter, error) {
	logger := application.ResolveLogger(uc.Logger)
	candidateID, err := valueobjects.NewCandidateID(cmd.CandidateID)
	if err != nil {
		return entities.CandidateCounter{}, err
	}

	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	counter, err := uc.Counters.CreateCandidate(ctx, candidateID.String(), now)
	if err != nil {
		if errors.Is(err, domainerrors.ErrCandidateExists) {
			logger.Info("candidate already registered",
				"event", "vote_candidate_exists",
				"module", "vote-ingestion/vote-pipeline",
				"layer", "application",
				"candidate_id", candidateID.String(),
			)
			return entities.CandidateCounter{}, err
		}
		logger.Error("candidate registration failed",
			"event", "vote_candidate_create_failed",
			"module", "vote-ingestion/vote-pipeline",
			"layer", "application",
			"candidate_id", candidateID.String(),
			"error", err.Error(),
		)
		return entities.CandidateCounter{}, err
	}

	logger.Info("candidate registered",
		"event", "vote_candidate_created",
		"module", "vote-ingestion/vote-pipeline",
		"layer", "application",
		"candidate_id", counter.CandidateID,
	)
	return counter, nil
}
