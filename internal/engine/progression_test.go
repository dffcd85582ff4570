package engine_test

import (
	"errors"
	"testing"
	"time"

	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/repo"
)

// workflowEnv is a module with a three-step workflow and one task under it.
// Approvers: alice on Design, bob on Review, carol on Release.
type workflowEnv struct {
	testEnv
	Module   domain.Module
	Workflow domain.Workflow
	Task     domain.Task
}

func newWorkflowEnv(t *testing.T) workflowEnv {
	t.Helper()
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil, "alice", "bob", "carol")
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		ModuleID: m.ID,
		Name:     "release-train",
		Steps: []engine.StepInput{
			{Name: "Design", Order: 1, ApproverIDs: []string{"alice"}},
			{Name: "Review", Order: 2, ApproverIDs: []string{"bob"}},
			{Name: "Release", Order: 3, ApproverIDs: []string{"carol"}},
		},
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "ship it", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return workflowEnv{testEnv: env, Module: m, Workflow: w, Task: task}
}

func TestCreateWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil)

	var verr engine.ValidationError
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{ModuleID: m.ID, ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("blank name: got %v", err)
	}
	_, err = env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{ModuleID: m.ID, Name: "w", ActorID: "alice"})
	if !errors.As(err, &verr) || verr.Field != "steps" {
		t.Fatalf("empty steps: got %v", err)
	}
	_, err = env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		ModuleID: 999, Name: "w",
		Steps:   []engine.StepInput{{Name: "S", Order: 1, ApproverIDs: []string{"alice"}}},
		ActorID: "alice",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown module: got %v", err)
	}
}

func TestCreateWorkflowDropsInvalidSteps(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "M", nil)

	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		ModuleID: m.ID,
		Name:     "w",
		Steps: []engine.StepInput{
			{Name: "", Order: 1, ApproverIDs: []string{"alice"}},
			{Name: "NoApprovers", Order: 2},
			{Name: "Kept", Order: 3, ApproverIDs: []string{"bob"}},
		},
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(w.Steps) != 1 || w.Steps[0].Name != "Kept" {
		t.Fatalf("invalid steps not dropped: %+v", w.Steps)
	}
	if w.Steps[0].Status != domain.StepPending {
		t.Fatalf("new step status: %s", w.Steps[0].Status)
	}
}

func TestCreateWorkflowRejectsSecondBinding(t *testing.T) {
	env := newWorkflowEnv(t)
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		ModuleID: env.Module.ID,
		Name:     "another",
		Steps:    []engine.StepInput{{Name: "S", Order: 1, ApproverIDs: []string{"alice"}}},
		ActorID:  "alice",
	})
	var perr engine.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestGetWorkflowByModule(t *testing.T) {
	env := newWorkflowEnv(t)
	w, err := env.Engine.GetWorkflowByModule(env.Ctx, env.Module.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(w.Steps) != 3 {
		t.Fatalf("got %d steps", len(w.Steps))
	}
	for i, name := range []string{"Design", "Review", "Release"} {
		if w.Steps[i].Name != name {
			t.Fatalf("step %d: got %s, want %s", i, w.Steps[i].Name, name)
		}
	}
	if len(w.Steps[0].Approvals) != 1 || w.Steps[0].Approvals[0].ApproverName != "Alice" {
		t.Fatalf("approver identity not resolved: %+v", w.Steps[0].Approvals)
	}

	other := env.mustCreateModule(t, "bare", nil)
	if _, err := env.Engine.GetWorkflowByModule(env.Ctx, other.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("module without workflow: got %v", err)
	}
}

func TestAssignFirstStepIdempotent(t *testing.T) {
	env := newWorkflowEnv(t)

	step, already, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice")
	if err != nil || already {
		t.Fatalf("first assign: already=%v err=%v", already, err)
	}
	if step.Name != "Design" {
		t.Fatalf("bound to %s, want Design", step.Name)
	}
	again, already, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice")
	if err != nil || !already {
		t.Fatalf("second assign: already=%v err=%v", already, err)
	}
	if again.ID != step.ID {
		t.Fatalf("re-assign moved the pointer: %d != %d", again.ID, step.ID)
	}

	task, err := env.Engine.Repo.GetTask(env.Ctx, env.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusInProgress || task.CurrentStepID == nil || *task.CurrentStepID != step.ID {
		t.Fatalf("task state after assign: %+v", task)
	}
}

func TestAssignFirstStepRequiresWorkflow(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustCreateModule(t, "bare", nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "t", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.AssignFirstStep(env.Ctx, task.ID, "alice")
	var perr engine.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestApproveAdvancesToCompletion(t *testing.T) {
	env := newWorkflowEnv(t)
	if _, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	next, done, err := env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "alice")
	if err != nil || done {
		t.Fatalf("approve Design: done=%v err=%v", done, err)
	}
	if next == nil || next.Name != "Review" {
		t.Fatalf("after Design: %+v", next)
	}
	next, done, err = env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "bob")
	if err != nil || done {
		t.Fatalf("approve Review: done=%v err=%v", done, err)
	}
	if next == nil || next.Name != "Release" {
		t.Fatalf("after Review: %+v", next)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, env.Task.ID)
	if task.Status != domain.StatusInProgress {
		t.Fatalf("mid-flow status: %s", task.Status)
	}

	next, done, err = env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "carol")
	if err != nil || !done || next != nil {
		t.Fatalf("approve Release: next=%v done=%v err=%v", next, done, err)
	}
	task, err = env.Engine.Repo.GetTask(env.Ctx, env.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusDone || task.CurrentStepID != nil {
		t.Fatalf("final task state: %+v", task)
	}

	w, _ := env.Engine.GetWorkflowByModule(env.Ctx, env.Module.ID)
	for _, s := range w.Steps {
		if s.Status != domain.StepApproved || s.CompletedAt == nil {
			t.Fatalf("step %s not approved/stamped: %+v", s.Name, s)
		}
	}
}

func TestApproveForbiddenLeavesStateUnchanged(t *testing.T) {
	env := newWorkflowEnv(t)
	if _, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	before, _ := env.Engine.Repo.GetTask(env.Ctx, env.Task.ID)

	_, _, err := env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "bob")
	var ferr engine.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	after, _ := env.Engine.Repo.GetTask(env.Ctx, env.Task.ID)
	if after.Status != before.Status || *after.CurrentStepID != *before.CurrentStepID {
		t.Fatalf("state changed on forbidden approve: %+v -> %+v", before, after)
	}
	step, _ := env.Engine.Repo.GetStep(env.Ctx, *after.CurrentStepID)
	if step.Status == domain.StepApproved {
		t.Fatal("step approved despite forbidden caller")
	}
}

func TestApproveWithoutCurrentStep(t *testing.T) {
	env := newWorkflowEnv(t)
	_, _, err := env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "alice")
	var perr engine.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestApproveRejectsMovedPointer(t *testing.T) {
	env := newWorkflowEnv(t)
	if _, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	// Pointer cleared out of band, as a concurrent completion would.
	if _, err := env.Engine.DB.Exec(`UPDATE tasks SET current_step_id=NULL WHERE id=?`, env.Task.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "alice")
	var perr engine.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestBindStepCASRejectsStaleExpectation(t *testing.T) {
	env := newWorkflowEnv(t)
	step, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	review := env.Workflow.Steps[1]

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.BindStepCASTx(env.Ctx, tx, env.Task.ID, &review.ID, nil, domain.StatusDone, "2024-01-02T00:00:00Z")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stale expectation: got %v", err)
	}
	if err := env.Engine.Repo.BindStepCASTx(env.Ctx, tx, env.Task.ID, &step.ID, &review.ID, domain.StatusInProgress, "2024-01-02T00:00:00Z"); err != nil {
		t.Fatalf("matching expectation: %v", err)
	}
}

func TestApprovePreservesCompletionTime(t *testing.T) {
	env := newWorkflowEnv(t)
	if _, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	design := env.Workflow.Steps[0]
	step, err := env.Engine.UpdateStepStatus(env.Ctx, design.ID, domain.StepApproved, "alice")
	if err != nil || step.CompletedAt == nil {
		t.Fatalf("pre-approve step: %+v err=%v", step, err)
	}
	stamped := *step.CompletedAt

	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	if _, _, err := env.Engine.ApproveCurrentStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := env.Engine.Repo.GetStep(env.Ctx, design.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || *got.CompletedAt != stamped {
		t.Fatalf("completion time rewritten: got %v, want %s", got.CompletedAt, stamped)
	}
}

func TestGetCurrentStep(t *testing.T) {
	env := newWorkflowEnv(t)

	step, err := env.Engine.GetCurrentStep(env.Ctx, env.Task.ID)
	if err != nil || step != nil {
		t.Fatalf("unbound task: step=%v err=%v", step, err)
	}
	if _, _, err := env.Engine.AssignFirstStep(env.Ctx, env.Task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	step, err = env.Engine.GetCurrentStep(env.Ctx, env.Task.ID)
	if err != nil || step == nil {
		t.Fatalf("bound task: step=%v err=%v", step, err)
	}
	if step.Name != "Design" || len(step.Approvals) != 1 {
		t.Fatalf("current step projection: %+v", step)
	}
}

func TestUpdateStepStatusForwardOnly(t *testing.T) {
	env := newWorkflowEnv(t)
	design := env.Workflow.Steps[0]

	step, err := env.Engine.UpdateStepStatus(env.Ctx, design.ID, domain.StepTesting, "alice")
	if err != nil || step.Status != domain.StepTesting {
		t.Fatalf("to testing: %v", err)
	}
	_, err = env.Engine.UpdateStepStatus(env.Ctx, design.ID, domain.StepPending, "alice")
	var perr engine.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("backward transition: got %v", err)
	}
	step, err = env.Engine.UpdateStepStatus(env.Ctx, design.ID, domain.StepApproved, "alice")
	if err != nil || step.CompletedAt == nil {
		t.Fatalf("approve: step=%+v err=%v", step, err)
	}

	_, err = env.Engine.UpdateStepStatus(env.Ctx, design.ID, domain.StepApproved, "bob")
	var ferr engine.ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("non-approver: got %v", err)
	}
}

func TestReplaceApprovers(t *testing.T) {
	env := newWorkflowEnv(t)
	design := env.Workflow.Steps[0]

	if err := env.Engine.ReplaceApprovers(env.Ctx, design.ID, "carol", "alice"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	approvals, err := env.Engine.Repo.ListApprovals(env.Ctx, design.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || approvals[0].ApproverID != "carol" {
		t.Fatalf("approvals after replace: %+v", approvals)
	}

	var verr engine.ValidationError
	if err := env.Engine.ReplaceApprovers(env.Ctx, design.ID, "ghost", "alice"); !errors.As(err, &verr) {
		t.Fatalf("unknown approver: got %v", err)
	}
	if err := env.Engine.ReplaceApprovers(env.Ctx, 999, "carol", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown step: got %v", err)
	}
}
