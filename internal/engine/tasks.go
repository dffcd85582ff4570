package engine

import (
	"context"
	"time"

	"teammanage/internal/domain"
	"teammanage/internal/events"
	"teammanage/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ModuleID       int64
	Title          string
	Note           string
	StartDate      *string
	EndDate        *string
	AssignedUserID *string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, ValidationError{Field: "title", Reason: "required"}
	}
	if err := validateDates(opts.StartDate, opts.EndDate); err != nil {
		return domain.Task{}, err
	}
	m, err := e.Repo.GetModule(ctx, opts.ModuleID)
	if err != nil {
		return domain.Task{}, err
	}
	if m.IsDeleted {
		return domain.Task{}, repo.ErrNotFound
	}
	if opts.AssignedUserID != nil {
		if err := e.requireMember(ctx, opts.ModuleID, *opts.AssignedUserID); err != nil {
			return domain.Task{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	t := domain.Task{
		ModuleID:       opts.ModuleID,
		Title:          opts.Title,
		Note:           opts.Note,
		Status:         domain.StatusNotStarted,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
		AssignedUserID: opts.AssignedUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, "task.create", m.ProjectID, events.KindTask, itoa(id), opts.ActorID,
		events.EventPayload{"title": opts.Title, "module_id": opts.ModuleID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions are parameters for updating a task. Zero-valued fields
// keep their current value; ClearAssignee drops the assignment.
type TaskUpdateOptions struct {
	TaskID         int64
	Title          string
	Note           *string
	Status         string
	StartDate      *string
	EndDate        *string
	AssignedUserID *string
	ClearAssignee  bool
	ActorID        string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Status != "" && !validStatus(opts.Status) {
		return domain.Task{}, ValidationError{Field: "status", Reason: "unknown status " + opts.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Note != nil {
		t.Note = *opts.Note
	}
	if opts.Status != "" {
		t.Status = opts.Status
	}
	if opts.StartDate != nil {
		t.StartDate = opts.StartDate
	}
	if opts.EndDate != nil {
		t.EndDate = opts.EndDate
	}
	if opts.ClearAssignee {
		t.AssignedUserID = nil
	} else if opts.AssignedUserID != nil {
		t.AssignedUserID = opts.AssignedUserID
	}
	if err := validateDates(t.StartDate, t.EndDate); err != nil {
		return domain.Task{}, err
	}
	if t.AssignedUserID != nil {
		if err := e.requireMember(ctx, t.ModuleID, *t.AssignedUserID); err != nil {
			return domain.Task{}, err
		}
	}
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	m, err := e.Repo.GetModuleTx(ctx, tx, t.ModuleID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.update", m.ProjectID, events.KindTask, itoa(t.ID), opts.ActorID,
		events.EventPayload{"status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask toggles the soft-delete flag; applying it twice restores.
func (e Engine) DeleteTask(ctx context.Context, id int64, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	deleted, err := e.Repo.ToggleTaskDeletedTx(ctx, tx, id, e.nowRFC3339())
	if err != nil {
		return false, err
	}
	m, err := e.Repo.GetModuleTx(ctx, tx, t.ModuleID)
	if err != nil {
		return false, err
	}
	evt := "task.delete"
	if !deleted {
		evt = "task.restore"
	}
	if err := e.Events.Append(ctx, tx, evt, m.ProjectID, events.KindTask, itoa(id), actorID, nil); err != nil {
		return false, err
	}
	return deleted, tx.Commit()
}

// HardDeleteTask removes the row permanently. Unlike the soft-delete
// toggle there is no way back.
func (e Engine) HardDeleteTask(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	m, err := e.Repo.GetModuleTx(ctx, tx, t.ModuleID)
	if err != nil {
		return err
	}
	if err := e.Repo.HardDeleteTaskTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.hard_delete", m.ProjectID, events.KindTask, itoa(id), actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) requireMember(ctx context.Context, moduleID int64, userID string) error {
	members, err := e.Repo.ListMemberIDs(ctx, moduleID)
	if err != nil {
		return err
	}
	for _, uid := range members {
		if uid == userID {
			return nil
		}
	}
	return ValidationError{Field: "assigned_user_id", Reason: "user is not a member of the module"}
}

func validateDates(start, end *string) error {
	parse := func(field string, v *string) (time.Time, error) {
		if v == nil || *v == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339, *v)
		if err != nil {
			return time.Time{}, ValidationError{Field: field, Reason: "must be RFC 3339"}
		}
		return ts, nil
	}
	s, err := parse("start_date", start)
	if err != nil {
		return err
	}
	t, err := parse("end_date", end)
	if err != nil {
		return err
	}
	if !s.IsZero() && !t.IsZero() && t.Before(s) {
		return ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	return nil
}
