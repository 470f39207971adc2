package valueobjects

import (
	"fmt"
	"regexp"
	"strings"

	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"

	"github.com/go-playground/validator/v10"
)

const candidateIDTag = "candidate_id"

var (
	candidateIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
	validate           = newValidator()
)

// CandidateID is a format-checked candidate identifier. Existence is not
// checked here: the candidate may be created concurrently with the vote.
type CandidateID string

func NewCandidateID(v string) (CandidateID, error) {
	value := strings.TrimSpace(v)
	if err := validate.Var(value, "required,max=64,"+candidateIDTag); err != nil {
		return "", fmt.Errorf("%w: %q", domainerrors.ErrInvalidCandidateFormat, v)
	}
	return CandidateID(value), nil
}

func (c CandidateID) String() string {
	return string(c)
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation(candidateIDTag, func(fl validator.FieldLevel) bool {
		return candidateIDPattern.MatchString(fl.Field().String())
	})
	return v
}
