package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"teammanage/internal/config"
	"teammanage/internal/domain"
	"teammanage/internal/events"
	"teammanage/internal/hierarchy"
	"teammanage/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func validStatus(s string) bool {
	switch s {
	case domain.StatusNotStarted, domain.StatusInProgress, domain.StatusDone:
		return true
	}
	return false
}

// CreateProject initializes a new project with migrations already run.
func (e Engine) CreateProject(ctx context.Context, name, startDate, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, ValidationError{Field: "name", Reason: "required"}
	}
	now := e.nowRFC3339()
	p := domain.Project{Name: name, StartDate: startDate, CreatedAt: now, UpdatedAt: now}
	id, err := e.Repo.InsertProject(ctx, p)
	if err != nil {
		return domain.Project{}, err
	}
	p.ID = id
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.create", id, events.KindProject, itoa(id), actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ModuleCreateOptions are parameters for creating a module.
type ModuleCreateOptions struct {
	ProjectID      int64
	Name           string
	ParentModuleID *int64
	MemberIDs      []string
	ActorID        string
}

// CreateModule persists a module and assigns its hierarchical code. The code
// embeds the generated identifier, so the row is written with a placeholder
// first and updated once the id is known.
func (e Engine) CreateModule(ctx context.Context, opts ModuleCreateOptions) (domain.Module, error) {
	if opts.Name == "" {
		return domain.Module{}, ValidationError{Field: "name", Reason: "required"}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Module{}, err
	}
	for _, uid := range opts.MemberIDs {
		if _, err := e.Repo.GetUser(ctx, uid); err != nil {
			if err == repo.ErrNotFound {
				return domain.Module{}, ValidationError{Field: "member_ids", Reason: "unknown user " + uid}
			}
			return domain.Module{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Module{}, err
	}
	defer tx.Rollback()

	if opts.ParentModuleID != nil {
		parent, err := e.Repo.GetModuleTx(ctx, tx, *opts.ParentModuleID)
		if err != nil {
			return domain.Module{}, err
		}
		if parent.IsDeleted {
			return domain.Module{}, repo.ErrNotFound
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Module{}, ValidationError{Field: "parent_module_id", Reason: "parent belongs to a different project"}
		}
	}

	now := e.nowRFC3339()
	m := domain.Module{
		ProjectID:      opts.ProjectID,
		Name:           opts.Name,
		ParentModuleID: opts.ParentModuleID,
		Status:         domain.StatusNotStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := e.Repo.InsertModuleTx(ctx, tx, m)
	if err != nil {
		return domain.Module{}, err
	}
	m.ID = id

	code, err := e.generateCode(ctx, tx, opts.ParentModuleID, id)
	if err != nil {
		return domain.Module{}, err
	}
	m.Code = code
	if err := e.Repo.UpdateModuleCodeTx(ctx, tx, id, code, now); err != nil {
		return domain.Module{}, err
	}
	for _, uid := range opts.MemberIDs {
		if err := e.Repo.AddMemberTx(ctx, tx, id, uid, now); err != nil {
			return domain.Module{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "module.create", opts.ProjectID, events.KindModule, itoa(id), opts.ActorID,
		events.EventPayload{"name": opts.Name, "code": code}); err != nil {
		return domain.Module{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Module{}, err
	}
	return m, nil
}

// generateCode computes a module's dotted code from its parent. A missing or
// malformed parent code degrades to a root-style code rather than failing the
// create; the condition is logged as a data-quality signal.
func (e Engine) generateCode(ctx context.Context, tx *sql.Tx, parentID *int64, moduleID int64) (string, error) {
	if parentID == nil {
		return hierarchy.RootCode(moduleID).String(), nil
	}
	parent, err := e.Repo.GetModuleTx(ctx, tx, *parentID)
	if err == repo.ErrNotFound {
		log.Printf("module %d: parent %d missing, assigning root-style code", moduleID, *parentID)
		return hierarchy.RootCode(moduleID).String(), nil
	}
	if err != nil {
		return "", err
	}
	parentCode, err := hierarchy.Parse(parent.Code)
	if err != nil {
		log.Printf("module %d: parent %d has malformed code %q, assigning root-style code", moduleID, *parentID, parent.Code)
		return hierarchy.RootCode(moduleID).String(), nil
	}
	ordinal, err := e.Repo.NextChildOrdinalTx(ctx, tx, *parentID)
	if err != nil {
		return "", err
	}
	return hierarchy.ChildCode(parentCode, ordinal).String(), nil
}

// GetModuleTree returns the project's module forest with member counts.
func (e Engine) GetModuleTree(ctx context.Context, projectID int64) ([]*hierarchy.Node, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	mods, err := e.Repo.ListModules(ctx, repo.ModuleFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.CountMembersByModule(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return hierarchy.BuildForest(mods, counts), nil
}

func (e Engine) GetModule(ctx context.Context, id int64) (domain.Module, []string, error) {
	m, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return domain.Module{}, nil, err
	}
	members, err := e.Repo.ListMemberIDs(ctx, id)
	if err != nil {
		return domain.Module{}, nil, err
	}
	return m, members, nil
}

// ModuleUpdateOptions are parameters for updating a module. A nil MemberIDs
// leaves membership untouched; a non-nil slice replaces the full set.
type ModuleUpdateOptions struct {
	ModuleID  int64
	Name      string
	Status    string
	MemberIDs *[]string
	ActorID   string
}

func (e Engine) UpdateModule(ctx context.Context, opts ModuleUpdateOptions) (domain.Module, error) {
	if opts.Status != "" && !validStatus(opts.Status) {
		return domain.Module{}, ValidationError{Field: "status", Reason: "unknown status " + opts.Status}
	}
	if opts.MemberIDs != nil {
		for _, uid := range *opts.MemberIDs {
			if _, err := e.Repo.GetUser(ctx, uid); err != nil {
				if err == repo.ErrNotFound {
					return domain.Module{}, ValidationError{Field: "member_ids", Reason: "unknown user " + uid}
				}
				return domain.Module{}, err
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Module{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetModuleTx(ctx, tx, opts.ModuleID)
	if err != nil {
		return domain.Module{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateModuleTx(ctx, tx, opts.ModuleID, opts.Name, opts.Status, now); err != nil {
		return domain.Module{}, err
	}
	if opts.MemberIDs != nil {
		if err := e.reconcileMembers(ctx, tx, opts.ModuleID, *opts.MemberIDs, now); err != nil {
			return domain.Module{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "module.update", m.ProjectID, events.KindModule, itoa(m.ID), opts.ActorID,
		events.EventPayload{"name": opts.Name, "status": opts.Status}); err != nil {
		return domain.Module{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Module{}, err
	}
	return e.Repo.GetModule(ctx, opts.ModuleID)
}

// reconcileMembers replaces the membership set: members absent from incoming
// are removed, incoming ids not already present are added.
func (e Engine) reconcileMembers(ctx context.Context, tx *sql.Tx, moduleID int64, incoming []string, now string) error {
	existing, err := e.Repo.ListMemberIDsTx(ctx, tx, moduleID)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(incoming))
	for _, uid := range incoming {
		want[uid] = true
	}
	have := make(map[string]bool, len(existing))
	for _, uid := range existing {
		have[uid] = true
		if !want[uid] {
			if err := e.Repo.RemoveMemberTx(ctx, tx, moduleID, uid); err != nil {
				return err
			}
		}
	}
	for _, uid := range incoming {
		if !have[uid] {
			if err := e.Repo.AddMemberTx(ctx, tx, moduleID, uid, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteModule toggles the soft-delete flag. Applying it twice restores the
// module. Children and tasks are not cascaded.
func (e Engine) DeleteModule(ctx context.Context, id int64, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetModuleTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	deleted, err := e.Repo.ToggleModuleDeletedTx(ctx, tx, id, e.nowRFC3339())
	if err != nil {
		return false, err
	}
	evt := "module.delete"
	if !deleted {
		evt = "module.restore"
	}
	if err := e.Events.Append(ctx, tx, evt, m.ProjectID, events.KindModule, itoa(id), actorID, nil); err != nil {
		return false, err
	}
	return deleted, tx.Commit()
}

// HardDeleteModule physically removes the module row. Modules that still have
// child modules or tasks are rejected; memberships and the sibling counter go
// with the row, and an attached workflow is removed explicitly.
func (e Engine) HardDeleteModule(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetModuleTx(ctx, tx, id)
	if err != nil {
		return err
	}
	var children int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM modules WHERE parent_module_id=?`, id).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return PreconditionError{Reason: "module has child modules"}
	}
	var tasks int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE module_id=?`, id).Scan(&tasks); err != nil {
		return err
	}
	if tasks > 0 {
		return PreconditionError{Reason: "module has tasks"}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE modules SET workflow_id=NULL WHERE id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE module_id=?`, id); err != nil {
		return err
	}
	if err := e.Repo.HardDeleteModuleTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "module.hard_delete", m.ProjectID, events.KindModule, itoa(id), actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RebuildAllCodes recomputes every module's code from scratch, walking the
// forest root-to-leaf so each parent's code is correct before its children
// are coded. Soft-deleted modules are recoded too, so restoring one never
// surfaces a stale code. Sibling ordinals restart from 1 in id order, and
// the per-parent counters are re-pinned so future children continue the
// sequence.
func (e Engine) RebuildAllCodes(ctx context.Context, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	mods, err := e.Repo.ListModulesTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	listed := make(map[int64]bool, len(mods))
	for _, m := range mods {
		listed[m.ID] = true
	}
	children := make(map[int64][]int64)
	codes := make(map[int64]hierarchy.Code, len(mods))
	var queue []int64
	for _, m := range mods {
		if m.ParentModuleID != nil && listed[*m.ParentModuleID] {
			children[*m.ParentModuleID] = append(children[*m.ParentModuleID], m.ID)
			continue
		}
		if m.ParentModuleID != nil {
			// Parent is deleted or gone; degrade to a root-style code.
			log.Printf("module %d: parent %d not rebuildable, assigning root-style code", m.ID, *m.ParentModuleID)
		}
		codes[m.ID] = hierarchy.RootCode(m.ID)
		queue = append(queue, m.ID)
	}

	now := e.nowRFC3339()
	count := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		code := codes[id]
		if err := e.Repo.UpdateModuleCodeTx(ctx, tx, id, code.String(), now); err != nil {
			return 0, err
		}
		count++
		for i, kid := range children[id] {
			codes[kid] = hierarchy.ChildCode(code, int64(i)+1)
			queue = append(queue, kid)
		}
	}

	if err := e.Repo.ResetChildSeqTx(ctx, tx); err != nil {
		return 0, err
	}
	for parentID, kids := range children {
		if err := e.Repo.SetChildSeqTx(ctx, tx, parentID, int64(len(kids))); err != nil {
			return 0, err
		}
	}
	if err := e.Events.Append(ctx, tx, "module.rebuild_codes", 0, events.KindModule, "", actorID,
		events.EventPayload{"count": count}); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func itoa(v int64) string {
	return fmt.Sprintf("%d", v)
}
