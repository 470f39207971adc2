package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const VoteSchemaVersion = 1

var ErrInvalidEnvelope = errors.New("invalid vote envelope")

// VoteEnvelope is the wire format of a vote on the broker.
// TraceContext is opaque to the broker and encodes as base64 in JSON.
type VoteEnvelope struct {
	VoteID        string    `json:"vote_id"`
	CandidateID   string    `json:"candidate_id"`
	CastAt        time.Time `json:"cast_at"`
	TraceContext  []byte    `json:"trace_context,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	SourceService string    `json:"source_service,omitempty"`
}

func EncodeVoteEnvelope(envelope VoteEnvelope) ([]byte, error) {
	if envelope.SchemaVersion == 0 {
		envelope.SchemaVersion = VoteSchemaVersion
	}
	envelope.CastAt = envelope.CastAt.UTC()
	return json.Marshal(envelope)
}

// DecodeVoteEnvelope parses and validates a broker payload. Any failure wraps
// ErrInvalidEnvelope so callers can route the message to the poison path.
func DecodeVoteEnvelope(payload []byte) (VoteEnvelope, error) {
	var envelope VoteEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return VoteEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	envelope.VoteID = strings.TrimSpace(envelope.VoteID)
	envelope.CandidateID = strings.TrimSpace(envelope.CandidateID)
	if envelope.VoteID == "" {
		return VoteEnvelope{}, fmt.Errorf("%w: vote_id is required", ErrInvalidEnvelope)
	}
	if envelope.CandidateID == "" {
		return VoteEnvelope{}, fmt.Errorf("%w: candidate_id is required", ErrInvalidEnvelope)
	}
	if envelope.SchemaVersion > VoteSchemaVersion {
		return VoteEnvelope{}, fmt.Errorf("%w: unsupported schema_version %d", ErrInvalidEnvelope, envelope.SchemaVersion)
	}
	envelope.CastAt = envelope.CastAt.UTC()
	return envelope, nil
}
