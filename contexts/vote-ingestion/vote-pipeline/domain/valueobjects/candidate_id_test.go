package valueobjects

import (
	"errors"
	"strings"
	"testing"

	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
)

func TestNewCandidateIDAcceptsWellFormedValues(t *testing.T) {
	for _, raw := range []string{"alice", "bob-2", "team.red", "42", "  carol  ", "ns:candidate_7"} {
		id, err := NewCandidateID(raw)
		if err != nil {
			t.Fatalf("expected %q to be accepted, got %v", raw, err)
		}
		if id.String() != strings.TrimSpace(raw) {
			t.Fatalf("expected trimmed id %q, got %q", strings.TrimSpace(raw), id)
		}
	}
}

func TestNewCandidateIDRejectsMalformedValues(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"-leading-dash",
		"has space",
		"slash/inside",
		"emoji🙂",
		strings.Repeat("a", 65),
	}
	for _, raw := range cases {
		_, err := NewCandidateID(raw)
		if !errors.Is(err, domainerrors.ErrInvalidCandidateFormat) {
			t.Fatalf("expected invalid candidate format for %q, got %v", raw, err)
		}
	}
}
