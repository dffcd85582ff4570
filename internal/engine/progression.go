package engine

import (
	"context"

	"teammanage/internal/domain"
	"teammanage/internal/events"
	"teammanage/internal/repo"
)

// AssignFirstStep binds a task to the lowest-ordered step of its module's
// workflow and marks the task in progress. A task that already has a current
// step is left untouched and reported with already=true.
func (e Engine) AssignFirstStep(ctx context.Context, taskID int64, actorID string) (step domain.WorkflowStep, already bool, err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStep{}, false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.WorkflowStep{}, false, err
	}
	if t.IsDeleted {
		return domain.WorkflowStep{}, false, repo.ErrNotFound
	}
	if t.CurrentStepID != nil {
		cur, err := e.Repo.GetStepTx(ctx, tx, *t.CurrentStepID)
		if err != nil {
			return domain.WorkflowStep{}, false, err
		}
		return cur, true, nil
	}
	m, err := e.Repo.GetModuleTx(ctx, tx, t.ModuleID)
	if err != nil {
		return domain.WorkflowStep{}, false, err
	}
	if m.WorkflowID == nil {
		return domain.WorkflowStep{}, false, PreconditionError{Reason: "module has no workflow"}
	}
	steps, err := e.Repo.ListStepsTx(ctx, tx, *m.WorkflowID)
	if err != nil {
		return domain.WorkflowStep{}, false, err
	}
	if len(steps) == 0 {
		return domain.WorkflowStep{}, false, PreconditionError{Reason: "workflow has no steps"}
	}

	first := steps[0]
	now := e.nowRFC3339()
	if err := e.Repo.BindStepCASTx(ctx, tx, taskID, nil, &first.ID, domain.StatusInProgress, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.WorkflowStep{}, false, PreconditionError{Reason: "task was bound concurrently"}
		}
		return domain.WorkflowStep{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "task.assign_step", m.ProjectID, events.KindTask, itoa(taskID), actorID,
		events.EventPayload{"step_id": first.ID, "step": first.Name}); err != nil {
		return domain.WorkflowStep{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowStep{}, false, err
	}
	return first, false, nil
}

// ApproveCurrentStep approves a task's current step on behalf of one of its
// approvers and advances the task. The last step clears the pointer and marks
// the task done. The pointer is re-checked at write time, so a concurrent
// approval that already moved it is rejected instead of overwritten.
func (e Engine) ApproveCurrentStep(ctx context.Context, taskID int64, actingUserID string) (next *domain.WorkflowStep, done bool, err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, false, err
	}
	if t.IsDeleted {
		return nil, false, repo.ErrNotFound
	}
	if t.CurrentStepID == nil {
		return nil, false, PreconditionError{Reason: "assign workflow before approving"}
	}
	cur, err := e.Repo.GetStepTx(ctx, tx, *t.CurrentStepID)
	if err != nil {
		return nil, false, err
	}
	approvals, err := e.Repo.ListApprovalsTx(ctx, tx, cur.ID)
	if err != nil {
		return nil, false, err
	}
	if !IsApprover(approvals, actingUserID) {
		return nil, false, ForbiddenError{UserID: actingUserID, StepID: cur.ID}
	}

	now := e.nowRFC3339()
	completedAt := cur.CompletedAt
	if completedAt == nil {
		completedAt = &now
	}
	if err := e.Repo.UpdateStepStatusTx(ctx, tx, cur.ID, domain.StepApproved, completedAt, now); err != nil {
		return nil, false, err
	}

	steps, err := e.Repo.ListStepsTx(ctx, tx, cur.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	// Steps are ordered by (order, id); the successor is whatever follows the
	// current step in that sequence.
	for i, s := range steps {
		if s.ID == cur.ID && i+1 < len(steps) {
			n := steps[i+1]
			next = &n
			break
		}
	}

	m, err := e.Repo.GetModuleTx(ctx, tx, t.ModuleID)
	if err != nil {
		return nil, false, err
	}
	if next != nil {
		err = e.Repo.BindStepCASTx(ctx, tx, taskID, &cur.ID, &next.ID, domain.StatusInProgress, now)
	} else {
		done = true
		err = e.Repo.BindStepCASTx(ctx, tx, taskID, &cur.ID, nil, domain.StatusDone, now)
	}
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, false, PreconditionError{Reason: "task's current step has already moved"}
		}
		return nil, false, err
	}

	payload := events.EventPayload{"approved_step_id": cur.ID, "approved_step": cur.Name}
	if next != nil {
		payload["next_step_id"] = next.ID
		payload["next_step"] = next.Name
	} else {
		payload["workflow_complete"] = true
	}
	if err := e.Events.Append(ctx, tx, "task.approve_step", m.ProjectID, events.KindTask, itoa(taskID), actingUserID, payload); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return next, done, nil
}

// GetCurrentStep returns the task's current step with resolved approvers, or
// nil when the task has no current step. The nil result is a normal outcome,
// not an error.
func (e Engine) GetCurrentStep(ctx context.Context, taskID int64) (*domain.WorkflowStep, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.CurrentStepID == nil {
		return nil, nil
	}
	step, err := e.Repo.GetStep(ctx, *t.CurrentStepID)
	if err != nil {
		return nil, err
	}
	approvals, err := e.Repo.ListApprovals(ctx, step.ID)
	if err != nil {
		return nil, err
	}
	step.Approvals = approvals
	return &step, nil
}
