package httpadapter

import (
	"context"
	"log/slog"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/commands"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/queries"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	httptransport "ballotbox/contexts/vote-ingestion/vote-pipeline/transport/http"
)

// Handler maps transport DTOs onto the pipeline use cases. Routing and status
// codes live in the HTTP server.
type Handler struct {
	Submissions commands.SubmitVoteUseCase
	Candidates  commands.AddCandidateUseCase
	Counts      queries.CountsUseCase
	Rejections  queries.RejectionsUseCase
	Logger      *slog.Logger
}

func (h Handler) SubmitVoteHandler(
	ctx context.Context,
	candidateID string,
	idempotencyKey string,
) (httptransport.SubmitVoteResponse, error) {
	result, err := h.Submissions.SubmitVote(ctx, commands.SubmitVoteCommand{
		CandidateID:    candidateID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		// An unknown-status submission still carries its vote id.
		return httptransport.SubmitVoteResponse{VoteID: result.VoteID}, err
	}
	return httptransport.SubmitVoteResponse{
		VoteID:      result.VoteID,
		CandidateID: result.CandidateID,
		CastAt:      result.CastAt.UTC().Format(time.RFC3339),
		Replayed:    result.Replayed,
	}, nil
}

func (h Handler) AddCandidateHandler(ctx context.Context, candidateID string) (httptransport.CandidateResponse, error) {
	counter, err := h.Candidates.AddCandidate(ctx, commands.AddCandidateCommand{CandidateID: candidateID})
	if err != nil {
		return httptransport.CandidateResponse{}, err
	}
	return httptransport.CandidateResponse{
		CandidateID: counter.CandidateID,
		Count:       counter.Count,
		CreatedAt:   counter.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (h Handler) CountsHandler(ctx context.Context) (httptransport.CountsResponse, error) {
	counters, err := h.Counts.GetCounts(ctx)
	if err != nil {
		return httptransport.CountsResponse{}, err
	}
	return httptransport.CountsResponse{Items: mapCounts(counters)}, nil
}

func (h Handler) RejectionsHandler(ctx context.Context, limit int) (httptransport.RejectionsResponse, error) {
	rejections, err := h.Rejections.ListRejections(ctx, limit)
	if err != nil {
		return httptransport.RejectionsResponse{}, err
	}
	items := make([]httptransport.RejectionItem, 0, len(rejections))
	for _, rejection := range rejections {
		items = append(items, httptransport.RejectionItem{
			RejectionID: rejection.RejectionID,
			VoteID:      rejection.VoteID,
			CandidateID: rejection.CandidateID,
			Reason:      string(rejection.Reason),
			Attempt:     rejection.Attempt,
			RecordedAt:  rejection.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	return httptransport.RejectionsResponse{Items: items}, nil
}

func mapCounts(counters []entities.CandidateCounter) []httptransport.CountItem {
	items := make([]httptransport.CountItem, 0, len(counters))
	for _, counter := range counters {
		items = append(items, httptransport.CountItem{
			CandidateID: counter.CandidateID,
			Count:       counter.Count,
			UpdatedAt:   counter.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items
}
