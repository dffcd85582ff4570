package repo

import (
	"context"
	"database/sql"
	"strings"

	"teammanage/internal/domain"
)

const taskCols = `id,module_id,title,note,status,start_date,end_date,assigned_user_id,current_step_id,is_deleted,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var note, startDate, endDate, assignee sql.NullString
	var currentStep sql.NullInt64
	err := row.Scan(&t.ID, &t.ModuleID, &t.Title, &note, &t.Status, &startDate, &endDate, &assignee, &currentStep, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if note.Valid {
		t.Note = note.String
	}
	if startDate.Valid {
		t.StartDate = &startDate.String
	}
	if endDate.Valid {
		t.EndDate = &endDate.String
	}
	if assignee.Valid {
		t.AssignedUserID = &assignee.String
	}
	if currentStep.Valid {
		t.CurrentStepID = &currentStep.Int64
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(module_id,title,note,status,start_date,end_date,assigned_user_id,current_step_id,is_deleted,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,0,?,?)`,
		t.ModuleID, t.Title, nullable(t.Note), t.Status, nullableStringPtr(t.StartDate), nullableStringPtr(t.EndDate),
		nullableStringPtr(t.AssignedUserID), nullableInt64Ptr(t.CurrentStepID), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	ModuleID       int64
	Status         string
	AssignedUserID string
	IncludeDeleted bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ModuleID != 0 {
		clauses = append(clauses, "module_id=?")
		args = append(args, f.ModuleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedUserID != "" {
		clauses = append(clauses, "assigned_user_id=?")
		args = append(args, f.AssignedUserID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, note=?, status=?, start_date=?, end_date=?, assigned_user_id=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Note), t.Status, nullableStringPtr(t.StartDate), nullableStringPtr(t.EndDate),
		nullableStringPtr(t.AssignedUserID), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ToggleTaskDeletedTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET is_deleted = 1-is_deleted, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT is_deleted FROM tasks WHERE id=?`, id).Scan(&deleted)
	return deleted, err
}

func (r Repo) HardDeleteTaskTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindStepCASTx moves a task's current-step pointer from fromStep to toStep,
// setting status alongside. The WHERE clause re-checks the pointer at write
// time, so a pointer that has already moved makes this return ErrNotFound
// without touching the row. Callers treat that as a lost race.
func (r Repo) BindStepCASTx(ctx context.Context, tx *sql.Tx, taskID int64, fromStep, toStep *int64, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET current_step_id=?, status=?, updated_at=? WHERE id=? AND current_step_id IS ?`,
		nullableInt64Ptr(toStep), status, updatedAt, taskID, nullableInt64Ptr(fromStep))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
