package engine

import (
	"context"
	"database/sql"
	"sort"

	"teammanage/internal/domain"
	"teammanage/internal/events"
	"teammanage/internal/repo"
)

// stepRank orders step statuses from least to most advanced. Transitions may
// only move up the lattice.
var stepRank = map[string]int{
	domain.StepPending:    0,
	domain.StepInProgress: 1,
	domain.StepTesting:    2,
	domain.StepApproved:   3,
}

// StepInput describes one step of a workflow being created.
type StepInput struct {
	Name        string
	Order       int
	ApproverIDs []string
}

// WorkflowCreateOptions are parameters for creating a workflow.
type WorkflowCreateOptions struct {
	ModuleID int64
	Name     string
	Steps    []StepInput
	ActorID  string
}

// CreateWorkflow creates an approval workflow and binds it to its module.
// Steps without a name or without at least one approver are dropped rather
// than failing the request. A module already bound to a workflow rejects the
// create; rebinding is not supported.
func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if opts.Name == "" {
		return domain.Workflow{}, ValidationError{Field: "name", Reason: "required"}
	}
	if len(opts.Steps) == 0 {
		return domain.Workflow{}, ValidationError{Field: "steps", Reason: "at least one step required"}
	}
	steps := make([]StepInput, 0, len(opts.Steps))
	for _, s := range opts.Steps {
		if s.Name == "" || len(s.ApproverIDs) == 0 {
			continue
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return domain.Workflow{}, ValidationError{Field: "steps", Reason: "no step has both a name and an approver"}
	}
	if e.Config != nil && len(e.Config.Workflow.StepCatalog) > 0 {
		allowed := make(map[string]bool, len(e.Config.Workflow.StepCatalog))
		for _, n := range e.Config.Workflow.StepCatalog {
			allowed[n] = true
		}
		for _, s := range steps {
			if !allowed[s.Name] {
				return domain.Workflow{}, ValidationError{Field: "steps", Reason: "step name not in catalog: " + s.Name}
			}
		}
	}
	for _, s := range steps {
		for _, uid := range s.ApproverIDs {
			if _, err := e.Repo.GetUser(ctx, uid); err != nil {
				if err == repo.ErrNotFound {
					return domain.Workflow{}, ValidationError{Field: "steps", Reason: "unknown approver " + uid}
				}
				return domain.Workflow{}, err
			}
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetModuleTx(ctx, tx, opts.ModuleID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if m.IsDeleted {
		return domain.Workflow{}, repo.ErrNotFound
	}
	if m.WorkflowID != nil {
		return domain.Workflow{}, PreconditionError{Reason: "module already has a workflow"}
	}

	now := e.nowRFC3339()
	w := domain.Workflow{ModuleID: opts.ModuleID, Name: opts.Name, CreatedAt: now, UpdatedAt: now}
	wfID, err := e.Repo.InsertWorkflowTx(ctx, tx, w)
	if err != nil {
		return domain.Workflow{}, err
	}
	w.ID = wfID
	for _, s := range steps {
		step := domain.WorkflowStep{
			WorkflowID: wfID,
			Name:       s.Name,
			Order:      s.Order,
			Status:     domain.StepPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		stepID, err := e.Repo.InsertStepTx(ctx, tx, step)
		if err != nil {
			return domain.Workflow{}, err
		}
		for _, uid := range s.ApproverIDs {
			if err := e.Repo.InsertApprovalTx(ctx, tx, stepID, uid); err != nil {
				return domain.Workflow{}, err
			}
		}
	}
	if err := e.Repo.SetModuleWorkflowTx(ctx, tx, opts.ModuleID, &wfID, now); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.create", m.ProjectID, events.KindWorkflow, itoa(wfID), opts.ActorID,
		events.EventPayload{"name": opts.Name, "module_id": opts.ModuleID, "steps": len(steps)}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return e.GetWorkflow(ctx, wfID)
}

// GetWorkflow returns a workflow with its ordered steps and resolved approvers.
func (e Engine) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	return e.loadSteps(ctx, w)
}

// GetWorkflowByModule returns the module's workflow with ordered steps and
// resolved approvers.
func (e Engine) GetWorkflowByModule(ctx context.Context, moduleID int64) (domain.Workflow, error) {
	if _, err := e.Repo.GetModule(ctx, moduleID); err != nil {
		return domain.Workflow{}, err
	}
	w, err := e.Repo.GetWorkflowByModule(ctx, moduleID)
	if err != nil {
		return domain.Workflow{}, err
	}
	return e.loadSteps(ctx, w)
}

func (e Engine) loadSteps(ctx context.Context, w domain.Workflow) (domain.Workflow, error) {
	steps, err := e.Repo.ListSteps(ctx, w.ID)
	if err != nil {
		return domain.Workflow{}, err
	}
	for i := range steps {
		approvals, err := e.Repo.ListApprovals(ctx, steps[i].ID)
		if err != nil {
			return domain.Workflow{}, err
		}
		steps[i].Approvals = approvals
	}
	w.Steps = steps
	return w, nil
}

// UpdateStepStatus sets a step's status on behalf of one of its approvers.
// Transitions are forward-only on the step lattice; approving stamps the
// completion time.
func (e Engine) UpdateStepStatus(ctx context.Context, stepID int64, newStatus, actingUserID string) (domain.WorkflowStep, error) {
	rank, ok := stepRank[newStatus]
	if !ok {
		return domain.WorkflowStep{}, ValidationError{Field: "status", Reason: "unknown status " + newStatus}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	defer tx.Rollback()

	step, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	approvals, err := e.Repo.ListApprovalsTx(ctx, tx, stepID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if !IsApprover(approvals, actingUserID) {
		return domain.WorkflowStep{}, ForbiddenError{UserID: actingUserID, StepID: stepID}
	}
	if rank < stepRank[step.Status] {
		return domain.WorkflowStep{}, PreconditionError{Reason: "step status cannot move backward from " + step.Status + " to " + newStatus}
	}

	now := e.nowRFC3339()
	completedAt := step.CompletedAt
	if newStatus == domain.StepApproved && completedAt == nil {
		completedAt = &now
	}
	if err := e.Repo.UpdateStepStatusTx(ctx, tx, stepID, newStatus, completedAt, now); err != nil {
		return domain.WorkflowStep{}, err
	}
	projectID, err := e.stepProjectTx(ctx, tx, step.WorkflowID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_status", projectID, events.KindStep, itoa(stepID), actingUserID,
		events.EventPayload{"status": newStatus}); err != nil {
		return domain.WorkflowStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowStep{}, err
	}
	step.Status = newStatus
	step.CompletedAt = completedAt
	step.UpdatedAt = now
	step.Approvals = approvals
	return step, nil
}

// ReplaceApprovers removes a step's whole approval set and installs a single
// new approver.
func (e Engine) ReplaceApprovers(ctx context.Context, stepID int64, newApproverID, actorID string) error {
	if newApproverID == "" {
		return ValidationError{Field: "approver_id", Reason: "required"}
	}
	if _, err := e.Repo.GetUser(ctx, newApproverID); err != nil {
		if err == repo.ErrNotFound {
			return ValidationError{Field: "approver_id", Reason: "unknown user " + newApproverID}
		}
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	step, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteApprovalsTx(ctx, tx, stepID); err != nil {
		return err
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, stepID, newApproverID); err != nil {
		return err
	}
	projectID, err := e.stepProjectTx(ctx, tx, step.WorkflowID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "workflow.replace_approvers", projectID, events.KindStep, itoa(stepID), actorID,
		events.EventPayload{"approver_id": newApproverID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) stepProjectTx(ctx context.Context, tx *sql.Tx, workflowID int64) (int64, error) {
	var projectID int64
	err := tx.QueryRowContext(ctx, `SELECT m.project_id FROM workflows w JOIN modules m ON m.id=w.module_id WHERE w.id=?`, workflowID).Scan(&projectID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return projectID, err
}
