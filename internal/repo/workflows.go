package repo

import (
	"context"
	"database/sql"

	"teammanage/internal/domain"
)

const stepCols = `id,workflow_id,name,step_order,status,completed_at,created_at,updated_at`

func scanStep(row rowScanner) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var completedAt sql.NullString
	err := row.Scan(&s.ID, &s.WorkflowID, &s.Name, &s.Order, &s.Status, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflows(module_id,name,created_at,updated_at) VALUES (?,?,?,?)`,
		w.ModuleID, w.Name, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_id,name,step_order,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.WorkflowID, s.Name, s.Order, s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, stepID int64, approverID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workflow_step_approvals(step_id,approver_id) VALUES (?,?)`, stepID, approverID)
	return err
}

func (r Repo) DeleteApprovalsTx(ctx context.Context, tx *sql.Tx, stepID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM workflow_step_approvals WHERE step_id=?`, stepID)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.DB.QueryRowContext(ctx, `SELECT id,module_id,name,created_at,updated_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.ModuleID, &w.Name, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// GetWorkflowByModule returns the workflow row referencing a module. When the
// module has been bound to more than one workflow over time, the newest wins.
func (r Repo) GetWorkflowByModule(ctx context.Context, moduleID int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.DB.QueryRowContext(ctx, `SELECT id,module_id,name,created_at,updated_at FROM workflows WHERE module_id=? ORDER BY id DESC LIMIT 1`, moduleID).
		Scan(&w.ID, &w.ModuleID, &w.Name, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkflowByModuleTx(ctx context.Context, tx *sql.Tx, moduleID int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := tx.QueryRowContext(ctx, `SELECT id,module_id,name,created_at,updated_at FROM workflows WHERE module_id=? ORDER BY id DESC LIMIT 1`, moduleID).
		Scan(&w.ID, &w.ModuleID, &w.Name, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// ListSteps returns a workflow's steps ordered by step_order then id, the
// processing sequence used everywhere steps are walked.
func (r Repo) ListSteps(ctx context.Context, workflowID int64) ([]domain.WorkflowStep, error) {
	return listSteps(ctx, r.DB.QueryContext, workflowID)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, workflowID int64) ([]domain.WorkflowStep, error) {
	return listSteps(ctx, tx.QueryContext, workflowID)
}

func listSteps(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), workflowID int64) ([]domain.WorkflowStep, error) {
	rows, err := query(ctx, `SELECT `+stepCols+` FROM workflow_steps WHERE workflow_id=? ORDER BY step_order ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.WorkflowStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM workflow_steps WHERE id=?`, id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkflowStep, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepCols+` FROM workflow_steps WHERE id=?`, id))
}

func (r Repo) UpdateStepStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string, completedAt *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET status=?, completed_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApprovals resolves a step's approvals to approver display identity.
func (r Repo) ListApprovals(ctx context.Context, stepID int64) ([]domain.StepApproval, error) {
	return listApprovals(ctx, r.DB.QueryContext, stepID)
}

func (r Repo) ListApprovalsTx(ctx context.Context, tx *sql.Tx, stepID int64) ([]domain.StepApproval, error) {
	return listApprovals(ctx, tx.QueryContext, stepID)
}

func listApprovals(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), stepID int64) ([]domain.StepApproval, error) {
	rows, err := query(ctx, `SELECT a.step_id, a.approver_id, COALESCE(u.full_name,''), COALESCE(u.role,'')
FROM workflow_step_approvals a LEFT JOIN users u ON u.id=a.approver_id
WHERE a.step_id=? ORDER BY a.approver_id`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepApproval
	for rows.Next() {
		var a domain.StepApproval
		if err := rows.Scan(&a.StepID, &a.ApproverID, &a.ApproverName, &a.Role); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
