package engine

import (
	"fmt"

	"teammanage/internal/domain"
)

// ValidationError indicates malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ForbiddenError indicates the acting user lacks approval authority.
type ForbiddenError struct {
	UserID string
	StepID int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("user %s is not an approver for step %d", e.UserID, e.StepID)
}

// PreconditionError indicates the operation requires a state not currently
// held, e.g. approving a task that has no current step.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return e.Reason
}

// IsApprover reports whether userID may approve the step. Pure capability
// check over the step's approval set.
func IsApprover(approvals []domain.StepApproval, userID string) bool {
	for _, a := range approvals {
		if a.ApproverID == userID {
			return true
		}
	}
	return false
}
