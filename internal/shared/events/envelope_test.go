package events

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeVoteEnvelopeStampsSchemaVersion(t *testing.T) {
	castAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	payload, err := EncodeVoteEnvelope(VoteEnvelope{
		VoteID:       "vote-1",
		CandidateID:  "alice",
		CastAt:       castAt,
		TraceContext: []byte(`{"traceparent":"00-x"}`),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(payload), `"schema_version":1`) {
		t.Fatalf("expected schema_version 1 in %s", payload)
	}
	if !strings.Contains(string(payload), `"cast_at":"2026-03-01T08:30:00Z"`) {
		t.Fatalf("expected UTC cast_at in %s", payload)
	}

	decoded, err := DecodeVoteEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.VoteID != "vote-1" || decoded.CandidateID != "alice" {
		t.Fatalf("unexpected decoded envelope %+v", decoded)
	}
	if !bytes.Equal(decoded.TraceContext, []byte(`{"traceparent":"00-x"}`)) {
		t.Fatalf("expected trace context to survive the wire, got %q", decoded.TraceContext)
	}
}

func TestDecodeVoteEnvelopeAcceptsMissingTraceContext(t *testing.T) {
	decoded, err := DecodeVoteEnvelope([]byte(`{"vote_id":"v","candidate_id":"c","cast_at":"2026-03-01T08:30:00Z"}`))
	if err != nil {
		t.Fatalf("expected envelope without trace context to decode, got %v", err)
	}
	if len(decoded.TraceContext) != 0 {
		t.Fatalf("expected empty trace context, got %q", decoded.TraceContext)
	}
}

func TestDecodeVoteEnvelopeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{{`,
		"missing vote":      `{"candidate_id":"alice"}`,
		"blank candidate":   `{"vote_id":"v","candidate_id":"  "}`,
		"future schema":     `{"vote_id":"v","candidate_id":"c","schema_version":9}`,
		"bad trace context": `{"vote_id":"v","candidate_id":"c","trace_context":"%%%"}`,
	}
	for name, payload := range cases {
		if _, err := DecodeVoteEnvelope([]byte(payload)); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", name, err)
		}
	}
}
