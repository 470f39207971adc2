package commands

import (
	"context"
	"errors"
	"testing"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/memory"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
)

func TestAddCandidateCreatesZeroCounter(t *testing.T) {
	store := memory.NewStore()
	uc := AddCandidateUseCase{Counters: store}

	counter, err := uc.AddCandidate(context.Background(), AddCandidateCommand{CandidateID: "alice"})
	if err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}
	if counter.CandidateID != "alice" || counter.Count != 0 {
		t.Fatalf("unexpected counter %+v", counter)
	}
	if _, err := uc.AddCandidate(context.Background(), AddCandidateCommand{CandidateID: "alice"}); !errors.Is(err, domainerrors.ErrCandidateExists) {
		t.Fatalf("expected candidate exists, got %v", err)
	}
	if _, err := uc.AddCandidate(context.Background(), AddCandidateCommand{CandidateID: "no spaces"}); !errors.Is(err, domainerrors.ErrInvalidCandidateFormat) {
		t.Fatalf("expected invalid candidate format, got %v", err)
	}
}
