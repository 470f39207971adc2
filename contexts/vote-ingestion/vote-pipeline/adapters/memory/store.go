package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"github.com/google/uuid"
)

// Store is the single-process implementation of every pipeline port. Ledger
// insert and counter increment happen under one lock, which gives ApplyVote
// the same all-or-nothing behavior as the SQL transaction.
type Store struct {
	mu sync.RWMutex

	counters    map[string]entities.CandidateCounter
	ledger      map[string]entities.LedgerEntry
	withdrawn   map[string]time.Time
	rejections  []entities.VoteRejection
	idempotency map[string]ports.IdempotencyRecord

	unavailable error
}

func NewStore(candidates ...string) *Store {
	s := &Store{
		counters:    make(map[string]entities.CandidateCounter, len(candidates)),
		ledger:      make(map[string]entities.LedgerEntry),
		withdrawn:   make(map[string]time.Time),
		idempotency: make(map[string]ports.IdempotencyRecord),
	}
	now := time.Now().UTC()
	for _, candidateID := range candidates {
		candidateID = strings.TrimSpace(candidateID)
		s.counters[candidateID] = entities.CandidateCounter{
			CandidateID: candidateID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return s
}

// SetUnavailable makes every store call fail with err until cleared with nil.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

func (s *Store) HasApplied(_ context.Context, voteID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable != nil {
		return false, s.unavailable
	}
	voteID = strings.TrimSpace(voteID)
	if _, ok := s.ledger[voteID]; ok {
		return true, nil
	}
	_, withdrawn := s.withdrawn[voteID]
	return withdrawn, nil
}

func (s *Store) WithdrawVote(_ context.Context, voteID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return false, s.unavailable
	}
	voteID = strings.TrimSpace(voteID)
	if _, applied := s.ledger[voteID]; applied {
		return false, nil
	}
	if _, ok := s.withdrawn[voteID]; !ok {
		s.withdrawn[voteID] = at.UTC()
	}
	return true, nil
}

// Withdrawn reports whether voteID was retired before it could be counted.
func (s *Store) Withdrawn(voteID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.withdrawn[strings.TrimSpace(voteID)]
	return ok
}

func (s *Store) LedgerEntry(voteID string) (entities.LedgerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.ledger[strings.TrimSpace(voteID)]
	return entry, ok
}

func (s *Store) LedgerSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

func (s *Store) CreateCandidate(_ context.Context, candidateID string, createdAt time.Time) (entities.CandidateCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return entities.CandidateCounter{}, s.unavailable
	}
	candidateID = strings.TrimSpace(candidateID)
	if _, exists := s.counters[candidateID]; exists {
		return entities.CandidateCounter{}, domainerrors.ErrCandidateExists
	}
	counter := entities.CandidateCounter{
		CandidateID: candidateID,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   createdAt.UTC(),
	}
	s.counters[candidateID] = counter
	return counter, nil
}

func (s *Store) ApplyVote(_ context.Context, entry entities.LedgerEntry) (entities.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return "", s.unavailable
	}
	voteID := strings.TrimSpace(entry.VoteID)
	if _, applied := s.ledger[voteID]; applied {
		return entities.ApplyDuplicate, nil
	}
	if _, withdrawn := s.withdrawn[voteID]; withdrawn {
		return entities.ApplyDuplicate, nil
	}
	counter, ok := s.counters[strings.TrimSpace(entry.CandidateID)]
	if !ok {
		return "", domainerrors.ErrCandidateNotFound
	}
	counter.Count++
	counter.UpdatedAt = entry.AppliedAt.UTC()
	s.counters[counter.CandidateID] = counter
	s.ledger[voteID] = entities.LedgerEntry{
		VoteID:      voteID,
		CandidateID: counter.CandidateID,
		AppliedAt:   entry.AppliedAt.UTC(),
	}
	return entities.ApplyApplied, nil
}

func (s *Store) ListCounts(_ context.Context) ([]entities.CandidateCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable != nil {
		return nil, s.unavailable
	}
	items := make([]entities.CandidateCounter, 0, len(s.counters))
	for _, counter := range s.counters {
		items = append(items, counter)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].CandidateID < items[j].CandidateID
		}
		return items[i].Count > items[j].Count
	})
	return items, nil
}

func (s *Store) Count(candidateID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.counters[strings.TrimSpace(candidateID)]
	return counter.Count, ok
}

func (s *Store) RecordRejection(_ context.Context, rejection entities.VoteRejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return s.unavailable
	}
	if rejection.RejectionID == "" {
		rejection.RejectionID = uuid.NewString()
	}
	rejection.Payload = append([]byte(nil), rejection.Payload...)
	s.rejections = append(s.rejections, rejection)
	return nil
}

// ListRejections returns the newest rejections first.
func (s *Store) ListRejections(_ context.Context, limit int) ([]entities.VoteRejection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable != nil {
		return nil, s.unavailable
	}
	if limit <= 0 || limit > len(s.rejections) {
		limit = len(s.rejections)
	}
	items := make([]entities.VoteRejection, 0, limit)
	for i := len(s.rejections) - 1; i >= 0 && len(items) < limit; i-- {
		items = append(items, s.rejections[i])
	}
	return items, nil
}

func (s *Store) Get(_ context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return ports.IdempotencyRecord{}, false, s.unavailable
	}
	key = strings.TrimSpace(key)
	record, ok := s.idempotency[key]
	if !ok {
		return ports.IdempotencyRecord{}, false, nil
	}
	if !record.ExpiresAt.IsZero() && now.UTC().After(record.ExpiresAt.UTC()) {
		delete(s.idempotency, key)
		return ports.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *Store) Put(_ context.Context, record ports.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return s.unavailable
	}
	key := strings.TrimSpace(record.Key)
	if existing, ok := s.idempotency[key]; ok {
		if existing.RequestHash != record.RequestHash || existing.VoteID != record.VoteID {
			return domainerrors.ErrIdempotencyConflict
		}
		return nil
	}
	record.Key = key
	s.idempotency[key] = record
	return nil
}

func (s *Store) Delete(_ context.Context, key string, voteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable != nil {
		return s.unavailable
	}
	key = strings.TrimSpace(key)
	if record, ok := s.idempotency[key]; ok && record.VoteID == voteID {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

var _ ports.VoteLedger = (*Store)(nil)
var _ ports.VoteWithdrawals = (*Store)(nil)
var _ ports.CounterStore = (*Store)(nil)
var _ ports.RejectionStore = (*Store)(nil)
var _ ports.IdempotencyStore = (*Store)(nil)
var _ ports.Clock = (*Store)(nil)
var _ ports.IDGenerator = (*Store)(nil)
