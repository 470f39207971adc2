package postgresadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/platform/db"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	database, err := db.Connect(db.Options{Driver: db.DriverSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("connect sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := Migrate(database.DB); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return NewRepository(database.DB, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRepositoryApplyVoteIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}

	entry := entities.LedgerEntry{VoteID: "vote-1", CandidateID: "alice", AppliedAt: time.Now()}
	for i := 0; i < 3; i++ {
		outcome, err := repo.ApplyVote(ctx, entry)
		if err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
		if i == 0 && outcome != entities.ApplyApplied {
			t.Fatalf("expected first apply to be applied, got %s", outcome)
		}
		if i > 0 && outcome != entities.ApplyDuplicate {
			t.Fatalf("expected replay %d to be duplicate, got %s", i, outcome)
		}
	}

	applied, err := repo.HasApplied(ctx, "vote-1")
	if err != nil {
		t.Fatalf("has applied failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected ledger entry for vote-1")
	}
	counts, err := repo.ListCounts(ctx)
	if err != nil {
		t.Fatalf("list counts failed: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Fatalf("expected alice=1, got %+v", counts)
	}
}

func TestRepositoryUnknownCandidateRollsBackLedger(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: "vote-ghost", CandidateID: "ghost", AppliedAt: time.Now()})
	if !errors.Is(err, domainerrors.ErrCandidateNotFound) {
		t.Fatalf("expected candidate not found, got %v", err)
	}
	applied, err := repo.HasApplied(ctx, "vote-ghost")
	if err != nil {
		t.Fatalf("has applied failed: %v", err)
	}
	if applied {
		t.Fatalf("expected ledger insert to roll back with the failed increment")
	}
	counts, err := repo.ListCounts(ctx)
	if err != nil {
		t.Fatalf("list counts failed: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no counters, got %+v", counts)
	}

	// The vote id stays applicable once the candidate exists.
	if _, err := repo.CreateCandidate(ctx, "ghost", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}
	outcome, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: "vote-ghost", CandidateID: "ghost", AppliedAt: time.Now()})
	if err != nil || outcome != entities.ApplyApplied {
		t.Fatalf("expected apply after candidate creation, got %s / %v", outcome, err)
	}
}

func TestRepositoryConcurrentDuplicateApplies(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		applied    int
		duplicates int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: "vote-race", CandidateID: "alice", AppliedAt: time.Now()})
			if err != nil {
				t.Errorf("apply failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case entities.ApplyApplied:
				applied++
			case entities.ApplyDuplicate:
				duplicates++
			}
		}()
	}
	wg.Wait()

	if applied != 1 || duplicates != 7 {
		t.Fatalf("expected 1 applied and 7 duplicates, got %d and %d", applied, duplicates)
	}
	counts, _ := repo.ListCounts(ctx)
	if counts[0].Count != 1 {
		t.Fatalf("expected count 1, got %d", counts[0].Count)
	}
}

func TestRepositoryConservesDistinctVotes(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	for _, candidate := range []string{"alice", "bob"} {
		if _, err := repo.CreateCandidate(ctx, candidate, time.Now()); err != nil {
			t.Fatalf("create candidate failed: %v", err)
		}
	}
	deliveries := []string{"a1", "b1", "a2", "a1", "b1", "a3", "a2", "b2", "a3", "a3"}
	for _, voteID := range deliveries {
		candidate := "alice"
		if voteID[0] == 'b' {
			candidate = "bob"
		}
		if _, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: voteID, CandidateID: candidate, AppliedAt: time.Now()}); err != nil {
			t.Fatalf("apply %s failed: %v", voteID, err)
		}
	}
	counts, err := repo.ListCounts(ctx)
	if err != nil {
		t.Fatalf("list counts failed: %v", err)
	}
	got := fmt.Sprintf("%s=%d %s=%d", counts[0].CandidateID, counts[0].Count, counts[1].CandidateID, counts[1].Count)
	if got != "alice=3 bob=2" {
		t.Fatalf("expected alice=3 bob=2, got %s", got)
	}
}

func TestRepositoryCreateCandidateConflict(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); !errors.Is(err, domainerrors.ErrCandidateExists) {
		t.Fatalf("expected candidate exists, got %v", err)
	}
}

func TestRepositoryRejectionsAndIdempotency(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, reason := range []entities.RejectionReason{entities.RejectionMalformedMessage, entities.RejectionUnknownCandidate} {
		if err := repo.RecordRejection(ctx, entities.VoteRejection{
			VoteID:     fmt.Sprintf("vote-%d", i),
			Reason:     reason,
			Attempt:    i + 1,
			Payload:    []byte("{}"),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("record rejection failed: %v", err)
		}
	}
	rejections, err := repo.ListRejections(ctx, 10)
	if err != nil {
		t.Fatalf("list rejections failed: %v", err)
	}
	if len(rejections) != 2 || rejections[0].Reason != entities.RejectionUnknownCandidate {
		t.Fatalf("expected newest rejection first, got %+v", rejections)
	}

	record := ports.IdempotencyRecord{Key: "idem-1", RequestHash: "hash-a", VoteID: "vote-9", ExpiresAt: base.Add(time.Hour)}
	if err := repo.Put(ctx, record); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := repo.Put(ctx, record); err != nil {
		t.Fatalf("identical put should succeed, got %v", err)
	}
	record.VoteID = "vote-other"
	if err := repo.Put(ctx, record); !errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
	got, found, err := repo.Get(ctx, "idem-1", base)
	if err != nil || !found || got.VoteID != "vote-9" {
		t.Fatalf("expected stored record, got %+v found=%v err=%v", got, found, err)
	}
	if _, found, _ := repo.Get(ctx, "idem-1", base.Add(2*time.Hour)); found {
		t.Fatalf("expected expired record to be deleted")
	}
}

func TestRepositoryWithdrawVoteBeatsLateApply(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}

	withdrawn, err := repo.WithdrawVote(ctx, "vote-late", time.Now())
	if err != nil || !withdrawn {
		t.Fatalf("expected withdrawal, got withdrawn=%v err=%v", withdrawn, err)
	}
	again, err := repo.WithdrawVote(ctx, "vote-late", time.Now())
	if err != nil || !again {
		t.Fatalf("expected repeated withdrawal to report withdrawn, got %v err=%v", again, err)
	}
	outcome, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: "vote-late", CandidateID: "alice", AppliedAt: time.Now()})
	if err != nil || outcome != entities.ApplyDuplicate {
		t.Fatalf("expected duplicate for withdrawn vote, got %s err=%v", outcome, err)
	}
	counts, err := repo.ListCounts(ctx)
	if err != nil {
		t.Fatalf("list counts failed: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 0 {
		t.Fatalf("expected withdrawn vote not to count, got %+v", counts)
	}
}

func TestRepositoryWithdrawVoteAfterApplyIsRefused(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if _, err := repo.CreateCandidate(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}
	if _, err := repo.ApplyVote(ctx, entities.LedgerEntry{VoteID: "vote-1", CandidateID: "alice", AppliedAt: time.Now()}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	withdrawn, err := repo.WithdrawVote(ctx, "vote-1", time.Now())
	if err != nil || withdrawn {
		t.Fatalf("expected counted vote to stay counted, got withdrawn=%v err=%v", withdrawn, err)
	}
}

func TestRepositoryDeleteIdempotencyRecord(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.Put(ctx, ports.IdempotencyRecord{Key: "idem-d", RequestHash: "h", VoteID: "vote-d", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := repo.Delete(ctx, "idem-d", "vote-other"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := repo.Get(ctx, "idem-d", now); !found {
		t.Fatalf("expected record bound to another vote id to survive")
	}
	if err := repo.Delete(ctx, "idem-d", "vote-d"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := repo.Get(ctx, "idem-d", now); found {
		t.Fatalf("expected record to be deleted")
	}
}
