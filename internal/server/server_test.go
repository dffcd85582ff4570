package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"teammanage/internal/config"
	"teammanage/internal/db"
	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/migrate"
)

type testServer struct {
	URL       string
	ProjectID int64
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("demo")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	seed := []domain.User{
		{ID: "root", FullName: "Root", Role: "admin", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "alice", FullName: "Alice", Role: "dev", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "bob", FullName: "Bob", Role: "tester", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "carol", FullName: "Carol", Role: "dev", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"},
	}
	for _, u := range seed {
		if err := e.Repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	project, err := e.CreateProject(ctx, "demo", "", "root")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyUserIDHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		ProjectID: project.ID,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "alice",
		"role":    "dev",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "alice" || me.Role != "dev" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func createModule(t *testing.T, srv *testServer, name string, parentID *int64, members []string) ModuleResponse {
	t.Helper()
	body := map[string]any{
		"project_id": srv.ProjectID,
		"name":       name,
	}
	if parentID != nil {
		body["parent_module_id"] = *parentID
	}
	if len(members) > 0 {
		body["member_ids"] = members
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/modules", body, asUser("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create module %s status %d: %s", name, res.StatusCode, string(data))
	}
	var m ModuleResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal module: %v", err)
	}
	return m
}

func TestModuleTreeEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	root := createModule(t, srv, "Platform", nil, []string{"alice"})
	child := createModule(t, srv, "API", &root.ID, nil)
	createModule(t, srv, "Docs", &root.ID, nil)

	wantRoot := fmt.Sprintf("%d.0.0", root.ID)
	if root.Code != wantRoot {
		t.Fatalf("root code %q, want %q", root.Code, wantRoot)
	}
	wantChild := fmt.Sprintf("%d.1.0", root.ID)
	if child.Code != wantChild {
		t.Fatalf("child code %q, want %q", child.Code, wantChild)
	}

	url := fmt.Sprintf("%s/v0/projects/%d/modules/tree", srv.URL, srv.ProjectID)
	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tree status %d: %s", res.StatusCode, string(data))
	}
	var tree []ModuleTreeNode
	if err := json.Unmarshal(data, &tree); err != nil {
		t.Fatalf("unmarshal tree: %v", err)
	}
	if len(tree) != 1 {
		t.Fatalf("expected one root, got %d", len(tree))
	}
	if len(tree[0].Children) != 2 {
		t.Fatalf("expected two children, got %d", len(tree[0].Children))
	}
	if tree[0].MemberCount != 1 {
		t.Fatalf("expected member count 1, got %d", tree[0].MemberCount)
	}
}

func TestHardDeleteRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	root := createModule(t, srv, "Platform", nil, nil)
	createModule(t, srv, "API", &root.ID, nil)

	url := fmt.Sprintf("%s/v0/modules/%d/hard", srv.URL, root.ID)
	res, _ := doJSON(t, srv.Client(), http.MethodDelete, url, nil, asUser("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodDelete, url, nil, asUser("root"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while children exist, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkflowApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	mod := createModule(t, srv, "Payments", nil, []string{"alice", "bob", "carol"})

	wfURL := fmt.Sprintf("%s/v0/modules/%d/workflow", srv.URL, mod.ID)
	res, data := doJSON(t, client, http.MethodPost, wfURL, map[string]any{
		"name": "release-train",
		"steps": []map[string]any{
			{"name": "Design", "order": 1, "approver_ids": []string{"alice"}},
			{"name": "Review", "order": 2, "approver_ids": []string{"bob"}},
		},
	}, asUser("root"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}

	// A second workflow on the same module must be rejected.
	res, _ = doJSON(t, client, http.MethodPost, wfURL, map[string]any{
		"name":  "other",
		"steps": []map[string]any{{"name": "X", "order": 1, "approver_ids": []string{"alice"}}},
	}, asUser("root"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on rebind, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"module_id": mod.ID,
		"title":     "ship it",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	assignURL := fmt.Sprintf("%s/v0/tasks/%d/assign-step", srv.URL, task.ID)
	res, data = doJSON(t, client, http.MethodPost, assignURL, nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign step status %d: %s", res.StatusCode, string(data))
	}
	var assigned AssignStepResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assign: %v", err)
	}
	if assigned.StepName != "Design" || assigned.AlreadyBound {
		t.Fatalf("unexpected assign response: %+v", assigned)
	}

	approveURL := fmt.Sprintf("%s/v0/tasks/%d/approve", srv.URL, task.ID)

	// Bob cannot approve Design.
	res, _ = doJSON(t, client, http.MethodPost, approveURL, nil, asUser("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong approver, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, approveURL, nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve Design status %d: %s", res.StatusCode, string(data))
	}
	var step1 ApproveStepResponse
	if err := json.Unmarshal(data, &step1); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if step1.WorkflowComplete || step1.NextStepName == nil || *step1.NextStepName != "Review" {
		t.Fatalf("unexpected approve response: %+v", step1)
	}

	res, data = doJSON(t, client, http.MethodPost, approveURL, nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve Review status %d: %s", res.StatusCode, string(data))
	}
	var step2 ApproveStepResponse
	if err := json.Unmarshal(data, &step2); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if !step2.WorkflowComplete || step2.TaskStatus != "done" {
		t.Fatalf("expected completed workflow, got %+v", step2)
	}

	// Approving past the end conflicts.
	res, _ = doJSON(t, client, http.MethodPost, approveURL, nil, asUser("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/tasks/%d", srv.URL, task.ID), nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var final TaskResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal final task: %v", err)
	}
	if final.Status != "done" || final.CurrentStepID != nil {
		t.Fatalf("expected done task with no current step, got %+v", final)
	}
}

func TestRebuildCodesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	root := createModule(t, srv, "Platform", nil, nil)
	createModule(t, srv, "API", &root.ID, nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/modules/rebuild-codes", nil, asUser("root"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebuild status %d: %s", res.StatusCode, string(data))
	}
	var out map[string]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal rebuild: %v", err)
	}
	if out["updated"] != 2 {
		t.Fatalf("expected 2 updated modules, got %d", out["updated"])
	}
}

func TestIssueEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	mod := createModule(t, srv, "Platform", nil, []string{"alice"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"module_id": mod.ID, "title": "ship login"}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/issues", srv.URL, task.ID),
		map[string]any{"title": "login fails", "description": "401 on valid creds"}, asUser("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if issue.TaskID != task.ID || issue.Status != "not_started" {
		t.Fatalf("new issue state: %+v", issue)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/issues", srv.URL, task.ID),
		map[string]any{"title": "no description", "description": ""}, asUser("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("blank description status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID),
		map[string]any{"status": "in_progress"}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update issue status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/tasks/%d/issues", srv.URL, task.ID), nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list issues status %d: %s", res.StatusCode, string(data))
	}
	var issues []IssueResponse
	if err := json.Unmarshal(data, &issues); err != nil {
		t.Fatalf("unmarshal issues: %v", err)
	}
	if len(issues) != 1 || issues[0].Status != "in_progress" {
		t.Fatalf("issue list: %+v", issues)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete issue status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/tasks/%d/issues", srv.URL, task.ID), nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list after delete status %d", res.StatusCode)
	}
	issues = nil
	if err := json.Unmarshal(data, &issues); err != nil {
		t.Fatalf("unmarshal issues: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("deleted issue still listed: %+v", issues)
	}
}

func TestAccountSweeperStopsOnCancel(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("demo"))
	ctx := context.Background()
	stale := domain.User{ID: "ghost", FullName: "Ghost", Role: "viewer", CreatedAt: "2024-01-01T00:00:00Z"}
	kept := domain.User{ID: "real", FullName: "Real", Role: "dev", Verified: true, CreatedAt: "2024-01-01T00:00:00Z"}
	for _, u := range []domain.User{stale, kept} {
		if err := e.Repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	e.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	s := &accountSweeper{engine: e, ttl: 24 * time.Hour, interval: time.Hour}
	s.sweep()
	if _, err := e.Repo.GetUser(ctx, "ghost"); err == nil {
		t.Fatal("unverified account survived the sweep")
	}
	if _, err := e.Repo.GetUser(ctx, "real"); err != nil {
		t.Fatalf("verified account removed: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		s.run(cancelled)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
