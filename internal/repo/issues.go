package repo

import (
	"context"
	"database/sql"
	"strings"

	"teammanage/internal/domain"
)

const issueCols = `id,task_id,title,description,status,is_deleted,created_at,updated_at`

func scanIssue(row rowScanner) (domain.Issue, error) {
	var i domain.Issue
	err := row.Scan(&i.ID, &i.TaskID, &i.Title, &i.Description, &i.Status, &i.IsDeleted, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO issues(task_id,title,description,status,is_deleted,created_at,updated_at) VALUES (?,?,?,?,0,?,?)`,
		i.TaskID, i.Title, i.Description, i.Status, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetIssue(ctx context.Context, id int64) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

type IssueFilters struct {
	TaskID         int64
	Status         string
	IncludeDeleted bool
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.TaskID != 0 {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+issueCols+` FROM issues `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, nil
}

func (r Repo) UpdateIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, status=?, updated_at=? WHERE id=?`,
		i.Title, i.Description, i.Status, i.UpdatedAt, i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ToggleIssueDeletedTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET is_deleted = 1-is_deleted, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT is_deleted FROM issues WHERE id=?`, id).Scan(&deleted)
	return deleted, err
}
