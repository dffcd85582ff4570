package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"teammanage/internal/config"
	"teammanage/internal/db"
	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/migrate"
	"teammanage/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	ProjectID int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("demo")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "alice", FullName: "Alice", Role: "admin", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "bob", FullName: "Bob", Role: "dev", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "carol", FullName: "Carol", Role: "tester", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
	} {
		if err := eng.Repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	p, err := eng.CreateProject(ctx, "demo", "", "alice")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, ProjectID: p.ID}
}

func (env testEnv) mustCreateModule(t *testing.T, name string, parent *int64, members ...string) domain.Module {
	t.Helper()
	m, err := env.Engine.CreateModule(env.Ctx, engine.ModuleCreateOptions{
		ProjectID:      env.ProjectID,
		Name:           name,
		ParentModuleID: parent,
		MemberIDs:      members,
		ActorID:        "alice",
	})
	if err != nil {
		t.Fatalf("create module %s: %v", name, err)
	}
	return m
}

func TestModuleCodes(t *testing.T) {
	env := newTestEnv(t)

	a := env.mustCreateModule(t, "A", nil)
	if want := fmt.Sprintf("%d.0.0", a.ID); a.Code != want {
		t.Fatalf("root code: got %s, want %s", a.Code, want)
	}
	b := env.mustCreateModule(t, "B", &a.ID)
	if want := fmt.Sprintf("%d.1.0", a.ID); b.Code != want {
		t.Fatalf("first child: got %s, want %s", b.Code, want)
	}
	c := env.mustCreateModule(t, "C", &a.ID)
	if want := fmt.Sprintf("%d.2.0", a.ID); c.Code != want {
		t.Fatalf("second child: got %s, want %s", c.Code, want)
	}
	d := env.mustCreateModule(t, "D", &b.ID)
	if want := fmt.Sprintf("%d.1.1", a.ID); d.Code != want {
		t.Fatalf("grandchild: got %s, want %s", d.Code, want)
	}
}

func TestCreateModuleValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreateModule(env.Ctx, engine.ModuleCreateOptions{ProjectID: env.ProjectID, ActorID: "alice"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("blank name: got %v", err)
	}

	_, err = env.Engine.CreateModule(env.Ctx, engine.ModuleCreateOptions{ProjectID: 999, Name: "X", ActorID: "alice"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project: got %v", err)
	}

	_, err = env.Engine.CreateModule(env.Ctx, engine.ModuleCreateOptions{
		ProjectID: env.ProjectID, Name: "X", MemberIDs: []string{"ghost"}, ActorID: "alice",
	})
	if !errors.As(err, &verr) || verr.Field != "member_ids" {
		t.Fatalf("unknown member: got %v", err)
	}
}

func TestGetModuleTree(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateModule(t, "A", nil, "alice", "bob")
	b := env.mustCreateModule(t, "B", &a.ID)
	env.mustCreateModule(t, "C", &a.ID)
	env.mustCreateModule(t, "D", &b.ID)
	env.mustCreateModule(t, "E", nil)

	roots, err := env.Engine.GetModuleTree(env.Ctx, env.ProjectID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].Module.ID != a.ID || roots[0].MemberCount != 2 {
		t.Fatalf("root A wrong: %+v", roots[0])
	}
	if len(roots[0].Children) != 2 {
		t.Fatalf("A should have 2 children, got %d", len(roots[0].Children))
	}
	if len(roots[0].Children[0].Children) != 1 {
		t.Fatal("D not under B")
	}
}

func TestUpdateModuleReconcilesMembers(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil, "alice", "bob")

	members := []string{"bob", "carol"}
	if _, err := env.Engine.UpdateModule(env.Ctx, engine.ModuleUpdateOptions{
		ModuleID: m.ID, Name: "M2", Status: "in_progress", MemberIDs: &members, ActorID: "alice",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ids, err := env.Engine.GetModule(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "M2" || got.Status != "in_progress" {
		t.Fatalf("attributes not updated: %+v", got)
	}
	if len(ids) != 2 || ids[0] != "bob" || ids[1] != "carol" {
		t.Fatalf("members not reconciled: %v", ids)
	}
}

func TestDeleteModuleToggles(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil)

	deleted, err := env.Engine.DeleteModule(env.Ctx, m.ID, "alice")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = env.Engine.DeleteModule(env.Ctx, m.ID, "alice")
	if err != nil || deleted {
		t.Fatalf("restore: deleted=%v err=%v", deleted, err)
	}
}

func TestHardDeleteModuleGuards(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateModule(t, "A", nil, "alice")
	b := env.mustCreateModule(t, "B", &a.ID)

	var perr engine.PreconditionError
	if err := env.Engine.HardDeleteModule(env.Ctx, a.ID, "alice"); !errors.As(err, &perr) {
		t.Fatalf("expected precondition error for module with children, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: b.ID, Title: "t", ActorID: "alice"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := env.Engine.HardDeleteModule(env.Ctx, b.ID, "alice"); !errors.As(err, &perr) {
		t.Fatalf("expected precondition error for module with tasks, got %v", err)
	}

	c := env.mustCreateModule(t, "C", nil)
	if err := env.Engine.HardDeleteModule(env.Ctx, c.ID, "alice"); err != nil {
		t.Fatalf("leaf hard delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetModule(env.Ctx, c.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("module should be gone, got %v", err)
	}
}

func TestRebuildAllCodes(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateModule(t, "A", nil)
	b := env.mustCreateModule(t, "B", &a.ID)
	c := env.mustCreateModule(t, "C", &a.ID)
	d := env.mustCreateModule(t, "D", &b.ID)

	// Corrupt every stored code, then rebuild from structure alone.
	if _, err := env.Engine.DB.Exec(`UPDATE modules SET code='broken'`); err != nil {
		t.Fatalf("corrupt codes: %v", err)
	}
	count, err := env.Engine.RebuildAllCodes(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 4 {
		t.Fatalf("rebuilt %d modules, want 4", count)
	}
	for id, want := range map[int64]string{
		a.ID: fmt.Sprintf("%d.0.0", a.ID),
		b.ID: fmt.Sprintf("%d.1.0", a.ID),
		c.ID: fmt.Sprintf("%d.2.0", a.ID),
		d.ID: fmt.Sprintf("%d.1.1", a.ID),
	} {
		m, err := env.Engine.Repo.GetModule(env.Ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if m.Code != want {
			t.Fatalf("module %d: got %s, want %s", id, m.Code, want)
		}
	}

	// Counters continue from the rebuilt ordinals.
	e := env.mustCreateModule(t, "E", &a.ID)
	if want := fmt.Sprintf("%d.3.0", a.ID); e.Code != want {
		t.Fatalf("post-rebuild child: got %s, want %s", e.Code, want)
	}
}

func TestCreateModuleDegradedParentCode(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateModule(t, "A", nil)

	// A malformed parent code must not block the create.
	if _, err := env.Engine.DB.Exec(`UPDATE modules SET code='garbled' WHERE id=?`, a.ID); err != nil {
		t.Fatalf("corrupt parent code: %v", err)
	}
	b := env.mustCreateModule(t, "B", &a.ID)
	if want := fmt.Sprintf("%d.0.0", b.ID); b.Code != want {
		t.Fatalf("degraded code: got %s, want %s", b.Code, want)
	}
}

func TestRebuildKeepsSoftDeletedLineage(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreateModule(t, "A", nil)
	b := env.mustCreateModule(t, "B", &a.ID)

	if _, err := env.Engine.DeleteModule(env.Ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	count, err := env.Engine.RebuildAllCodes(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 2 {
		t.Fatalf("rebuilt %d modules, want 2", count)
	}
	child, err := env.Engine.Repo.GetModule(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("%d.1.0", a.ID); child.Code != want {
		t.Fatalf("child under soft-deleted parent: got %s, want %s", child.Code, want)
	}

	// Restoring the parent surfaces a current code, not a stale one.
	if _, err := env.Engine.DeleteModule(env.Ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	parent, err := env.Engine.Repo.GetModule(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("%d.0.0", a.ID); parent.Code != want {
		t.Fatalf("restored parent code: got %s, want %s", parent.Code, want)
	}
}

func TestTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil, "alice")

	var verr engine.ValidationError
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("blank title: got %v", err)
	}

	start := "2024-02-01T00:00:00Z"
	end := "2024-01-01T00:00:00Z"
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", StartDate: &start, EndDate: &end, ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "end_date" {
		t.Fatalf("end before start: got %v", err)
	}

	bob := "bob"
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", AssignedUserID: &bob, ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "assigned_user_id" {
		t.Fatalf("non-member assignee: got %v", err)
	}

	alice := "alice"
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", AssignedUserID: &alice, ActorID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.StatusNotStarted || task.CurrentStepID != nil {
		t.Fatalf("new task state wrong: %+v", task)
	}
}
