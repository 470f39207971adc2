package ports

import (
	"context"
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
)

// VoteLedger answers whether a vote id has already been counted or withdrawn.
type VoteLedger interface {
	HasApplied(ctx context.Context, voteID string) (bool, error)
}

// VoteWithdrawals retires a vote id the gateway is about to report as not
// accepted. WithdrawVote returns false when the id was already counted. Once
// withdrawn, the id reads as applied and any later apply is a duplicate.
type VoteWithdrawals interface {
	WithdrawVote(ctx context.Context, voteID string, at time.Time) (bool, error)
}

// CounterStore owns candidate counters. ApplyVote must insert the ledger entry
// and increment the counter as one atomic unit: a concurrent apply of the same
// vote id observes ApplyDuplicate, an unknown candidate yields
// ErrCandidateNotFound with nothing written.
type CounterStore interface {
	CreateCandidate(ctx context.Context, candidateID string, createdAt time.Time) (entities.CandidateCounter, error)
	ApplyVote(ctx context.Context, entry entities.LedgerEntry) (entities.ApplyOutcome, error)
	ListCounts(ctx context.Context) ([]entities.CandidateCounter, error)
}

type RejectionStore interface {
	RecordRejection(ctx context.Context, rejection entities.VoteRejection) error
	ListRejections(ctx context.Context, limit int) ([]entities.VoteRejection, error)
}

type IdempotencyRecord struct {
	Key         string
	RequestHash string
	VoteID      string
	ExpiresAt   time.Time
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string, now time.Time) (IdempotencyRecord, bool, error)
	Put(ctx context.Context, record IdempotencyRecord) error
	// Delete drops key only while it still maps to voteID.
	Delete(ctx context.Context, key string, voteID string) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// Message is what the gateway hands to the broker. Key carries the vote id so
// brokers that partition or deduplicate by key can use it.
type Message struct {
	Key  string
	Body []byte
}

type Delivery struct {
	MessageID string
	Topic     string
	Body      []byte
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt int
}

type Disposition int

const (
	// Ack removes the message from the group.
	Ack Disposition = iota
	// Retry asks for redelivery; counts against the retry budget.
	Retry
	// Reject marks a permanent failure without requeue intent. The broker's
	// dead-letter policy decides what happens next.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

type DeliveryHandler func(ctx context.Context, delivery Delivery) Disposition

type SubscribeOptions struct {
	Concurrency int
}

type VotePublisher interface {
	Publish(ctx context.Context, topic string, message Message) error
}

type VoteSubscriber interface {
	Subscribe(ctx context.Context, topic string, group string, opts SubscribeOptions, handler DeliveryHandler) error
}

// TracePropagator moves trace context in and out of message envelopes.
// Extract never fails: missing or malformed input returns ctx unchanged.
type TracePropagator interface {
	Inject(ctx context.Context) []byte
	Extract(ctx context.Context, carrier []byte) context.Context
}

type PipelineMetrics interface {
	VoteSubmitted(outcome string)
	VoteApplied(candidateID string)
	VoteDuplicate()
	VoteRejected(reason entities.RejectionReason)
	ApplyObserved(duration time.Duration)
}

type NoopMetrics struct{}

func (NoopMetrics) VoteSubmitted(string) {}
func (NoopMetrics) VoteApplied(string) {}
func (NoopMetrics) VoteDuplicate() {}
func (NoopMetrics) VoteRejected(entities.RejectionReason) {}
func (NoopMetrics) ApplyObserved(time.Duration) {}
