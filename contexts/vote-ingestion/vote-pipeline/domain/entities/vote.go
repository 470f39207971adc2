package entities

import "time"

// VoteMessage is the unit of work placed on the broker. VoteID is the
// idempotency key and never changes once assigned by the gateway.
type VoteMessage struct {
	VoteID       string
	CandidateID  string
	CastAt       time.Time
	TraceContext []byte
}

// LedgerEntry is durable proof that VoteID has been counted.
type LedgerEntry struct {
	VoteID      string
	CandidateID string
	AppliedAt   time.Time
}

type CandidateCounter struct {
	CandidateID string
	Count       int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ApplyOutcome string

const (
	ApplyApplied   ApplyOutcome = "applied"
	ApplyDuplicate ApplyOutcome = "duplicate"
)

type RejectionReason string

const (
	RejectionUnknownCandidate RejectionReason = "unknown_candidate"
	RejectionMalformedMessage RejectionReason = "malformed_message"
	RejectionDeadLettered     RejectionReason = "dead_lettered"
)

// VoteRejection records a message that can never be applied. VoteID and
// CandidateID are empty when the payload could not be decoded.
type VoteRejection struct {
	RejectionID string
	VoteID      string
	CandidateID string
	Reason      RejectionReason
	Attempt     int
	Payload     []byte
	RecordedAt  time.Time
}
