package engine_test

import (
	"errors"
	"testing"

	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/repo"
)

func TestIssueValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	var verr engine.ValidationError
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{TaskID: task.ID, Description: "d", ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("blank title: got %v", err)
	}
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{TaskID: task.ID, Title: "broken", ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "description" {
		t.Fatalf("blank description: got %v", err)
	}
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{TaskID: 999, Title: "broken", Description: "d", ActorID: "alice"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown task: got %v", err)
	}

	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{IssueID: 1, Status: "bogus", ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "status" {
		t.Fatalf("bad status: got %v", err)
	}
}

func TestIssueLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	i, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		TaskID: task.ID, Title: "login fails", Description: "401 on valid creds", ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if i.Status != domain.StatusNotStarted || i.TaskID != task.ID {
		t.Fatalf("new issue state: %+v", i)
	}

	i, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		IssueID: i.ID, Description: "401 on valid creds, api key path only", Status: domain.StatusInProgress, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if i.Status != domain.StatusInProgress || i.Title != "login fails" {
		t.Fatalf("partial update wrong: %+v", i)
	}

	issues, err := env.Engine.Repo.ListIssues(env.Ctx, repo.IssueFilters{TaskID: task.ID})
	if err != nil || len(issues) != 1 {
		t.Fatalf("list: n=%d err=%v", len(issues), err)
	}
	issues, err = env.Engine.Repo.ListIssues(env.Ctx, repo.IssueFilters{TaskID: task.ID, Status: domain.StatusDone})
	if err != nil || len(issues) != 0 {
		t.Fatalf("status filter: n=%d err=%v", len(issues), err)
	}

	deleted, err := env.Engine.DeleteIssue(env.Ctx, i.ID, "bob")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	issues, _ = env.Engine.Repo.ListIssues(env.Ctx, repo.IssueFilters{TaskID: task.ID})
	if len(issues) != 0 {
		t.Fatalf("deleted issue still listed: %+v", issues)
	}
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{IssueID: i.ID, Title: "x", ActorID: "bob"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update deleted issue: got %v", err)
	}
	deleted, err = env.Engine.DeleteIssue(env.Ctx, i.ID, "bob")
	if err != nil || deleted {
		t.Fatalf("restore: deleted=%v err=%v", deleted, err)
	}
}
