package engine

import (
	"context"
	"database/sql"

	"teammanage/internal/domain"
	"teammanage/internal/events"
	"teammanage/internal/repo"
)

// IssueCreateOptions are parameters for reporting an issue against a task.
type IssueCreateOptions struct {
	TaskID      int64
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if opts.Title == "" {
		return domain.Issue{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Description == "" {
		return domain.Issue{}, ValidationError{Field: "description", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Issue{}, err
	}
	if t.IsDeleted {
		return domain.Issue{}, repo.ErrNotFound
	}
	now := e.nowRFC3339()
	i := domain.Issue{
		TaskID:      opts.TaskID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := e.Repo.InsertIssueTx(ctx, tx, i)
	if err != nil {
		return domain.Issue{}, err
	}
	i.ID = id
	projectID, err := e.taskProjectTx(ctx, tx, t.ModuleID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.create", projectID, events.KindIssue, itoa(id), opts.ActorID,
		events.EventPayload{"title": opts.Title, "task_id": opts.TaskID}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// IssueUpdateOptions are parameters for updating an issue. Zero-valued
// fields keep their current value; status moves through the same
// not_started/in_progress/done set as tasks.
type IssueUpdateOptions struct {
	IssueID     int64
	Title       string
	Description string
	Status      string
	ActorID     string
}

func (e Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	if opts.Status != "" && !validStatus(opts.Status) {
		return domain.Issue{}, ValidationError{Field: "status", Reason: "unknown status " + opts.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	i, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if i.IsDeleted {
		return domain.Issue{}, repo.ErrNotFound
	}
	if opts.Title != "" {
		i.Title = opts.Title
	}
	if opts.Description != "" {
		i.Description = opts.Description
	}
	if opts.Status != "" {
		i.Status = opts.Status
	}
	i.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateIssueTx(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, i.TaskID)
	if err != nil {
		return domain.Issue{}, err
	}
	projectID, err := e.taskProjectTx(ctx, tx, t.ModuleID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.update", projectID, events.KindIssue, itoa(i.ID), opts.ActorID,
		events.EventPayload{"status": i.Status}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// DeleteIssue toggles the soft-delete flag; applying it twice restores.
func (e Engine) DeleteIssue(ctx context.Context, id int64, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	i, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	deleted, err := e.Repo.ToggleIssueDeletedTx(ctx, tx, id, e.nowRFC3339())
	if err != nil {
		return false, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, i.TaskID)
	if err != nil {
		return false, err
	}
	projectID, err := e.taskProjectTx(ctx, tx, t.ModuleID)
	if err != nil {
		return false, err
	}
	evt := "issue.delete"
	if !deleted {
		evt = "issue.restore"
	}
	if err := e.Events.Append(ctx, tx, evt, projectID, events.KindIssue, itoa(id), actorID, nil); err != nil {
		return false, err
	}
	return deleted, tx.Commit()
}

func (e Engine) taskProjectTx(ctx context.Context, tx *sql.Tx, moduleID int64) (int64, error) {
	var projectID int64
	err := tx.QueryRowContext(ctx, `SELECT project_id FROM modules WHERE id=?`, moduleID).Scan(&projectID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return projectID, err
}
