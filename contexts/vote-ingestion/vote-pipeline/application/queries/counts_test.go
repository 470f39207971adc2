package queries

import (
	"context"
	"fmt"
	"testing"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/memory"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
)

func TestGetCountsReturnsOrderedCounters(t *testing.T) {
	store := memory.NewStore("alice", "bob")
	if _, err := store.ApplyVote(context.Background(), entities.LedgerEntry{VoteID: "v1", CandidateID: "bob"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	items, err := CountsUseCase{Counters: store}.GetCounts(context.Background())
	if err != nil {
		t.Fatalf("get counts failed: %v", err)
	}
	if len(items) != 2 || items[0].CandidateID != "bob" || items[0].Count != 1 {
		t.Fatalf("unexpected counts %+v", items)
	}
}

func TestListRejectionsClampsLimit(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 60; i++ {
		if err := store.RecordRejection(context.Background(), entities.VoteRejection{
			VoteID: fmt.Sprintf("vote-%d", i),
			Reason: entities.RejectionMalformedMessage,
		}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	uc := RejectionsUseCase{Rejections: store}

	items, err := uc.ListRejections(context.Background(), 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != defaultRejectionLimit {
		t.Fatalf("expected default limit %d, got %d", defaultRejectionLimit, len(items))
	}
	items, _ = uc.ListRejections(context.Background(), 5000)
	if len(items) != 60 {
		t.Fatalf("expected all 60 rejections under the max limit, got %d", len(items))
	}
	if items[0].VoteID != "vote-59" {
		t.Fatalf("expected newest first, got %s", items[0].VoteID)
	}
}
