package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"teammanage/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const moduleCols = `id,project_id,code,name,parent_module_id,status,workflow_id,is_deleted,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (domain.Module, error) {
	var m domain.Module
	var parentID, workflowID sql.NullInt64
	err := row.Scan(&m.ID, &m.ProjectID, &m.Code, &m.Name, &parentID, &m.Status, &workflowID, &m.IsDeleted, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if parentID.Valid {
		m.ParentModuleID = &parentID.Int64
	}
	if workflowID.Valid {
		m.WorkflowID = &workflowID.Int64
	}
	return m, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(name,start_date,is_deleted,created_at,updated_at) VALUES (?,?,0,?,?)`,
		p.Name, nullable(p.StartDate), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	var start sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,start_date,is_deleted,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &start, &p.IsDeleted, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if start.Valid {
		p.StartDate = start.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,start_date,is_deleted,created_at,updated_at FROM projects WHERE is_deleted=0 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var start sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &start, &p.IsDeleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if start.Valid {
			p.StartDate = start.String
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) InsertModuleTx(ctx context.Context, tx *sql.Tx, m domain.Module) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO modules(project_id,code,name,parent_module_id,status,workflow_id,is_deleted,created_at,updated_at) VALUES (?,?,?,?,?,?,0,?,?)`,
		m.ProjectID, m.Code, m.Name, nullableInt64Ptr(m.ParentModuleID), m.Status, nullableInt64Ptr(m.WorkflowID), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetModule(ctx context.Context, id int64) (domain.Module, error) {
	return scanModule(r.DB.QueryRowContext(ctx, `SELECT `+moduleCols+` FROM modules WHERE id=?`, id))
}

func (r Repo) GetModuleTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Module, error) {
	return scanModule(tx.QueryRowContext(ctx, `SELECT `+moduleCols+` FROM modules WHERE id=?`, id))
}

type ModuleFilters struct {
	ProjectID      int64
	ParentModuleID *int64
	IncludeDeleted bool
}

func (r Repo) ListModules(ctx context.Context, f ModuleFilters) ([]domain.Module, error) {
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ParentModuleID != nil {
		clauses = append(clauses, "parent_module_id=?")
		args = append(args, *f.ParentModuleID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+moduleCols+` FROM modules `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// ListModulesTx returns every non-deleted module ordered by id, for whole-tree
// code rebuilds.
// ListModulesTx returns every module row, soft-deleted ones included, so a
// whole-tree recode also fixes rows that may later be restored.
func (r Repo) ListModulesTx(ctx context.Context, tx *sql.Tx) ([]domain.Module, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+moduleCols+` FROM modules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) UpdateModuleCodeTx(ctx context.Context, tx *sql.Tx, id int64, code, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE modules SET code=?, updated_at=? WHERE id=?`, code, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateModuleTx(ctx context.Context, tx *sql.Tx, id int64, name, status, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != "" {
		fields = append(fields, "name=?")
		args = append(args, name)
	}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE modules SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetModuleWorkflowTx(ctx context.Context, tx *sql.Tx, moduleID int64, workflowID *int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE modules SET workflow_id=?, updated_at=? WHERE id=?`, nullableInt64Ptr(workflowID), updatedAt, moduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleModuleDeletedTx flips the soft-delete flag and returns the new value.
func (r Repo) ToggleModuleDeletedTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE modules SET is_deleted = 1-is_deleted, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT is_deleted FROM modules WHERE id=?`, id).Scan(&deleted)
	return deleted, err
}

func (r Repo) HardDeleteModuleTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM modules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextChildOrdinalTx atomically claims the next sibling ordinal under a
// parent. The per-parent counter makes concurrent child creation produce
// distinct codes.
func (r Repo) NextChildOrdinalTx(ctx context.Context, tx *sql.Tx, parentID int64) (int64, error) {
	var ordinal int64
	err := tx.QueryRowContext(ctx, `INSERT INTO module_child_seq(parent_id,next_ordinal) VALUES (?,1)
ON CONFLICT(parent_id) DO UPDATE SET next_ordinal=next_ordinal+1 RETURNING next_ordinal`, parentID).Scan(&ordinal)
	return ordinal, err
}

// SetChildSeqTx pins a parent's counter, used after a whole-tree rebuild so
// future children continue from the rebuilt ordinals.
func (r Repo) SetChildSeqTx(ctx context.Context, tx *sql.Tx, parentID, next int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO module_child_seq(parent_id,next_ordinal) VALUES (?,?)
ON CONFLICT(parent_id) DO UPDATE SET next_ordinal=excluded.next_ordinal`, parentID, next)
	return err
}

func (r Repo) ResetChildSeqTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM module_child_seq`)
	return err
}

func (r Repo) ListMemberIDs(ctx context.Context, moduleID int64) ([]string, error) {
	return listMemberIDs(ctx, r.DB.QueryContext, moduleID)
}

func (r Repo) ListMemberIDsTx(ctx context.Context, tx *sql.Tx, moduleID int64) ([]string, error) {
	return listMemberIDs(ctx, tx.QueryContext, moduleID)
}

func listMemberIDs(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), moduleID int64) ([]string, error) {
	rows, err := query(ctx, `SELECT user_id FROM module_members WHERE module_id=? AND is_deleted=0 ORDER BY user_id`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, moduleID int64, userID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO module_members(module_id,user_id,is_deleted,created_at) VALUES (?,?,0,?)
ON CONFLICT(module_id,user_id) DO UPDATE SET is_deleted=0`, moduleID, userID, createdAt)
	return err
}

func (r Repo) RemoveMemberTx(ctx context.Context, tx *sql.Tx, moduleID int64, userID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE module_members SET is_deleted=1 WHERE module_id=? AND user_id=?`, moduleID, userID)
	return err
}

// CountMembersByModule returns active member counts keyed by module id for
// one project's modules.
func (r Repo) CountMembersByModule(ctx context.Context, projectID int64) (map[int64]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT mm.module_id, count(*)
FROM module_members mm JOIN modules m ON m.id=mm.module_id
WHERE m.project_id=? AND mm.is_deleted=0 GROUP BY mm.module_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]int{}
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		res[id] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var pid sql.NullInt64
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &pid, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if pid.Valid {
			e.ProjectID = pid.Int64
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
