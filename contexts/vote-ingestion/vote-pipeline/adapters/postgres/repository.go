package postgresadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the gorm-backed ledger, counter, rejection and idempotency
// store. It runs on postgres in production and on sqlite for single-node use.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Migrate creates or updates the pipeline tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&counterModel{},
		&ledgerModel{},
		&rejectionModel{},
		&idempotencyModel{},
	)
}

func (r *Repository) HasApplied(ctx context.Context, voteID string) (bool, error) {
	var rows []ledgerModel
	result := r.db.WithContext(ctx).
		Select("vote_id").
		Where("vote_id = ?", strings.TrimSpace(voteID)).
		Limit(1).
		Find(&rows)
	if result.Error != nil {
		return false, r.storeError("vote_repo_has_applied_failed", result.Error, "vote_id", strings.TrimSpace(voteID))
	}
	return len(rows) > 0, nil
}

// WithdrawVote claims the ledger slot for voteID without counting it. The same
// primary key that arbitrates concurrent applies decides between a withdrawal
// and an apply racing for one vote id.
func (r *Repository) WithdrawVote(ctx context.Context, voteID string, at time.Time) (bool, error) {
	row := ledgerModel{
		VoteID:    strings.TrimSpace(voteID),
		AppliedAt: at.UTC(),
		Withdrawn: true,
	}
	insert := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}},
		DoNothing: true,
	}).Create(&row)
	if insert.Error != nil && !isUniqueViolation(insert.Error) {
		return false, r.storeError("vote_repo_withdraw_vote_failed", insert.Error, "vote_id", row.VoteID)
	}
	if insert.Error == nil && insert.RowsAffected > 0 {
		return true, nil
	}

	var existing ledgerModel
	if err := r.db.WithContext(ctx).
		Where("vote_id = ?", row.VoteID).
		First(&existing).Error; err != nil {
		return false, r.storeError("vote_repo_withdraw_vote_load_failed", err, "vote_id", row.VoteID)
	}
	return existing.Withdrawn, nil
}

func (r *Repository) CreateCandidate(ctx context.Context, candidateID string, createdAt time.Time) (entities.CandidateCounter, error) {
	row := counterModel{
		CandidateID: strings.TrimSpace(candidateID),
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   createdAt.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "candidate_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return entities.CandidateCounter{}, domainerrors.ErrCandidateExists
		}
		return entities.CandidateCounter{}, r.storeError("vote_repo_create_candidate_failed", create.Error, "candidate_id", row.CandidateID)
	}
	if create.RowsAffected == 0 {
		return entities.CandidateCounter{}, domainerrors.ErrCandidateExists
	}
	return row.toEntity(), nil
}

// ApplyVote inserts the ledger row and increments the counter in one
// transaction. The ledger primary key is the only arbiter between concurrent
// applies of the same vote id: the loser inserts zero rows and reports a
// duplicate without touching the counter.
func (r *Repository) ApplyVote(ctx context.Context, entry entities.LedgerEntry) (entities.ApplyOutcome, error) {
	row := ledgerModel{
		VoteID:      strings.TrimSpace(entry.VoteID),
		CandidateID: strings.TrimSpace(entry.CandidateID),
		AppliedAt:   entry.AppliedAt.UTC(),
	}
	if row.AppliedAt.IsZero() {
		row.AppliedAt = time.Now().UTC()
	}

	var outcome entities.ApplyOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vote_id"}},
			DoNothing: true,
		}).Create(&row)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			outcome = entities.ApplyDuplicate
			return nil
		}

		update := tx.Model(&counterModel{}).
			Where("candidate_id = ?", row.CandidateID).
			Updates(map[string]any{
				"vote_count": gorm.Expr("vote_count + ?", 1),
				"updated_at": row.AppliedAt,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return domainerrors.ErrCandidateNotFound
		}
		outcome = entities.ApplyApplied
		return nil
	})
	if err != nil {
		if errors.Is(err, domainerrors.ErrCandidateNotFound) {
			return "", err
		}
		if isUniqueViolation(err) {
			// Lost the race on a backend that reports the conflict instead of
			// skipping the insert.
			return entities.ApplyDuplicate, nil
		}
		return "", r.storeError("vote_repo_apply_vote_failed", err,
			"vote_id", row.VoteID,
			"candidate_id", row.CandidateID,
		)
	}
	return outcome, nil
}

func (r *Repository) ListCounts(ctx context.Context) ([]entities.CandidateCounter, error) {
	var rows []counterModel
	if err := r.db.WithContext(ctx).
		Order("vote_count DESC").
		Order("candidate_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.storeError("vote_repo_list_counts_failed", err)
	}
	items := make([]entities.CandidateCounter, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) RecordRejection(ctx context.Context, rejection entities.VoteRejection) error {
	row := rejectionModel{
		ID:          strings.TrimSpace(rejection.RejectionID),
		VoteID:      strings.TrimSpace(rejection.VoteID),
		CandidateID: strings.TrimSpace(rejection.CandidateID),
		Reason:      string(rejection.Reason),
		Attempt:     rejection.Attempt,
		Payload:     append([]byte(nil), rejection.Payload...),
		RecordedAt:  rejection.RecordedAt.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.RecordedAt.IsZero() {
		row.RecordedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r.storeError("vote_repo_record_rejection_failed", err,
			"vote_id", row.VoteID,
			"reason", row.Reason,
		)
	}
	return nil
}

func (r *Repository) ListRejections(ctx context.Context, limit int) ([]entities.VoteRejection, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []rejectionModel
	if err := r.db.WithContext(ctx).
		Order("recorded_at DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.storeError("vote_repo_list_rejections_failed", err, "limit", limit)
	}
	items := make([]entities.VoteRejection, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) Get(ctx context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	var rows []idempotencyModel
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Limit(1).
		Find(&rows).Error; err != nil {
		return ports.IdempotencyRecord{}, false, r.storeError("vote_repo_idempotency_get_failed", err,
			"idempotency_key", strings.TrimSpace(key),
		)
	}
	if len(rows) == 0 {
		return ports.IdempotencyRecord{}, false, nil
	}
	row := rows[0]
	if !row.ExpiresAt.IsZero() && now.UTC().After(row.ExpiresAt.UTC()) {
		if err := r.db.WithContext(ctx).
			Where("idempotency_key = ?", row.Key).
			Delete(&idempotencyModel{}).Error; err != nil {
			return ports.IdempotencyRecord{}, false, r.storeError("vote_repo_idempotency_expire_delete_failed", err,
				"idempotency_key", row.Key,
			)
		}
		return ports.IdempotencyRecord{}, false, nil
	}
	return ports.IdempotencyRecord{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		VoteID:      row.VoteID,
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

func (r *Repository) Put(ctx context.Context, record ports.IdempotencyRecord) error {
	row := idempotencyModel{
		Key:         strings.TrimSpace(record.Key),
		RequestHash: strings.TrimSpace(record.RequestHash),
		VoteID:      strings.TrimSpace(record.VoteID),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.storeError("vote_repo_idempotency_put_failed", create.Error, "idempotency_key", row.Key)
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing idempotencyModel
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", row.Key).
		First(&existing).Error; err != nil {
		return r.storeError("vote_repo_idempotency_load_existing_failed", err, "idempotency_key", row.Key)
	}
	if existing.RequestHash != row.RequestHash || existing.VoteID != row.VoteID {
		return domainerrors.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string, voteID string) error {
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND vote_id = ?", strings.TrimSpace(key), strings.TrimSpace(voteID)).
		Delete(&idempotencyModel{}).Error; err != nil {
		return r.storeError("vote_repo_idempotency_delete_failed", err,
			"idempotency_key", strings.TrimSpace(key),
			"vote_id", strings.TrimSpace(voteID),
		)
	}
	return nil
}

// storeError logs err and tags it as a transient store failure. Callers retry
// on it; domain errors never reach this path.
func (r *Repository) storeError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "vote-ingestion/vote-pipeline",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("vote repository operation failed", fields...)
	return fmt.Errorf("%w: %w", domainerrors.ErrStoreUnavailable, err)
}

type counterModel struct {
	CandidateID string    `gorm:"column:candidate_id;primaryKey"`
	Count       int64     `gorm:"column:vote_count;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (counterModel) TableName() string {
	return "candidate_counters"
}

func (m counterModel) toEntity() entities.CandidateCounter {
	return entities.CandidateCounter{
		CandidateID: m.CandidateID,
		Count:       m.Count,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

type ledgerModel struct {
	VoteID      string    `gorm:"column:vote_id;primaryKey"`
	CandidateID string    `gorm:"column:candidate_id;index"`
	AppliedAt   time.Time `gorm:"column:applied_at"`
	// Withdrawn rows hold the vote id without a counter increment.
	Withdrawn bool `gorm:"column:withdrawn;not null;default:false"`
}

func (ledgerModel) TableName() string {
	return "vote_ledger"
}

type rejectionModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	VoteID      string    `gorm:"column:vote_id;index"`
	CandidateID string    `gorm:"column:candidate_id"`
	Reason      string    `gorm:"column:reason"`
	Attempt     int       `gorm:"column:attempt"`
	Payload     []byte    `gorm:"column:payload"`
	RecordedAt  time.Time `gorm:"column:recorded_at;index"`
}

func (rejectionModel) TableName() string {
	return "vote_rejections"
}

func (m rejectionModel) toEntity() entities.VoteRejection {
	return entities.VoteRejection{
		RejectionID: m.ID,
		VoteID:      m.VoteID,
		CandidateID: m.CandidateID,
		Reason:      entities.RejectionReason(m.Reason),
		Attempt:     m.Attempt,
		Payload:     append([]byte(nil), m.Payload...),
		RecordedAt:  m.RecordedAt.UTC(),
	}
}

type idempotencyModel struct {
	Key         string    `gorm:"column:idempotency_key;primaryKey"`
	RequestHash string    `gorm:"column:request_hash"`
	VoteID      string    `gorm:"column:vote_id"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string {
	return "vote_submission_idempotency"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ports.VoteLedger = (*Repository)(nil)
var _ ports.VoteWithdrawals = (*Repository)(nil)
var _ ports.CounterStore = (*Repository)(nil)
var _ ports.RejectionStore = (*Repository)(nil)
var _ ports.IdempotencyStore = (*Repository)(nil)
