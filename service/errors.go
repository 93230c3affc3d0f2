package service

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

type ValidationReason string

const (
	ReasonMissingAnswer   ValidationReason = "missing_required_answer"
	ReasonUnknownQuestion ValidationReason = "unknown_question"
)

// ValidationError is one problem with a ballot. The vote is not sealed.
type ValidationError struct {
	QuestionID string           `json:"question_id"`
	Reason     ValidationReason `json:"reason"`
}

func (e ValidationError) Error() string {
	switch e.Reason {
	case ReasonMissingAnswer:
		return fmt.Sprintf("question %s requires an answer", e.QuestionID)
	case ReasonUnknownQuestion:
		return fmt.Sprintf("question %s is not part of the election", e.QuestionID)
	}
	return fmt.Sprintf("question %s: %s", e.QuestionID, e.Reason)
}

// ValidationErrors is every problem found in a ballot, never just the first.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "ballot has no problems"
	}
	return v.multi().Error()
}

func (v ValidationErrors) multi() *multierror.Error {
	var result *multierror.Error
	for _, e := range v {
		result = multierror.Append(result, e)
	}
	if result != nil {
		result.ErrorFormat = formatValidation
	}
	return result
}

func (v ValidationErrors) Unwrap() []error {
	return v.multi().WrappedErrors()
}

func (v ValidationErrors) QuestionIDs() []string {
	ids := make([]string, len(v))
	for i, e := range v {
		ids[i] = e.QuestionID
	}
	return ids
}

func formatValidation(errs []error) string {
	points := make([]string, len(errs))
	for i, err := range errs {
		points[i] = err.Error()
	}
	return fmt.Sprintf("ballot has %d problem(s): %s", len(errs), strings.Join(points, "; "))
}
