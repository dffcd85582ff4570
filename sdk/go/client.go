package teammanagesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TeamManage HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Module represents the API module model.
type Module struct {
	ID             int64    `json:"id"`
	ProjectID      int64    `json:"project_id"`
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	ParentModuleID *int64   `json:"parent_module_id,omitempty"`
	Status         string   `json:"status"`
	WorkflowID     *int64   `json:"workflow_id,omitempty"`
	MemberIDs      []string `json:"member_ids"`
}

// ModuleTreeNode is one node of the project's module tree.
type ModuleTreeNode struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Status      string           `json:"status"`
	MemberCount int              `json:"member_count"`
	Children    []ModuleTreeNode `json:"children"`
}

// Step represents a workflow step with its approvers.
type Step struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Order       int     `json:"order"`
	Status      string  `json:"status"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Approvers   []struct {
		UserID   string `json:"user_id"`
		FullName string `json:"full_name,omitempty"`
	} `json:"approvers"`
}

// Workflow represents an approval workflow bound to a module.
type Workflow struct {
	ID       int64  `json:"id"`
	ModuleID int64  `json:"module_id"`
	Name     string `json:"name"`
	Steps    []Step `json:"steps"`
}

// StepSpec defines one step when creating a workflow.
type StepSpec struct {
	Name        string   `json:"name"`
	Order       int      `json:"order"`
	ApproverIDs []string `json:"approver_ids,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID             int64   `json:"id"`
	ModuleID       int64   `json:"module_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	CurrentStepID  *int64  `json:"current_step_id,omitempty"`
}

type Issue struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// AssignStepResult reports the step a task was bound to.
type AssignStepResult struct {
	StepID       int64  `json:"step_id"`
	StepName     string `json:"step_name"`
	AlreadyBound bool   `json:"already_bound"`
}

// ApproveResult reports the outcome of an approval.
type ApproveResult struct {
	NextStepID       *int64  `json:"next_step_id,omitempty"`
	NextStepName     *string `json:"next_step_name,omitempty"`
	WorkflowComplete bool    `json:"workflow_complete"`
	TaskStatus       string  `json:"task_status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development JWT and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID, role string) error {
	body := map[string]any{"user_id": userID, "role": role}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateModule creates a module, optionally under a parent.
func (c *Client) CreateModule(ctx context.Context, projectID int64, name string, parentID *int64, memberIDs []string) (Module, error) {
	body := map[string]any{
		"project_id": projectID,
		"name":       name,
	}
	if parentID != nil {
		body["parent_module_id"] = *parentID
	}
	if len(memberIDs) > 0 {
		body["member_ids"] = memberIDs
	}
	var resp Module
	err := c.do(ctx, http.MethodPost, "v0/modules", body, &resp)
	return resp, err
}

// ModuleTree returns the project's module forest.
func (c *Client) ModuleTree(ctx context.Context, projectID int64) ([]ModuleTreeNode, error) {
	var resp []ModuleTreeNode
	endpoint := fmt.Sprintf("v0/projects/%d/modules/tree", projectID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateWorkflow binds a new workflow to a module.
func (c *Client) CreateWorkflow(ctx context.Context, moduleID int64, name string, steps []StepSpec) (Workflow, error) {
	body := map[string]any{"name": name, "steps": steps}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/modules/%d/workflow", moduleID)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetWorkflow fetches the workflow bound to a module.
func (c *Client) GetWorkflow(ctx context.Context, moduleID int64) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("v0/modules/%d/workflow", moduleID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task inside a module.
func (c *Client) CreateTask(ctx context.Context, moduleID int64, title string) (Task, error) {
	body := map[string]any{"module_id": moduleID, "title": title}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

func (c *Client) CreateIssue(ctx context.Context, taskID int64, title, description string) (Issue, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Issue
	endpoint := fmt.Sprintf("v0/tasks/%d/issues", taskID)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Issues lists the open issues reported against a task.
func (c *Client) Issues(ctx context.Context, taskID int64) ([]Issue, error) {
	var resp []Issue
	endpoint := fmt.Sprintf("v0/tasks/%d/issues", taskID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignStep binds a task to the first step of its module's workflow.
func (c *Client) AssignStep(ctx context.Context, taskID int64) (AssignStepResult, error) {
	var resp AssignStepResult
	endpoint := fmt.Sprintf("v0/tasks/%d/assign-step", taskID)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Approve signs off the task's current step as the authenticated user.
func (c *Client) Approve(ctx context.Context, taskID int64) (ApproveResult, error) {
	var resp ApproveResult
	endpoint := fmt.Sprintf("v0/tasks/%d/approve", taskID)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CurrentStep returns the step a task is waiting on, if bound.
func (c *Client) CurrentStep(ctx context.Context, taskID int64) (*Step, error) {
	var resp struct {
		Bound bool  `json:"bound"`
		Step  *Step `json:"step,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/tasks/%d/current-step", taskID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Step, nil
}

// Events returns recent events, optionally scoped to a project.
func (c *Client) Events(ctx context.Context, projectID int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if projectID > 0 {
		params.Set("project_id", fmt.Sprintf("%d", projectID))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if enc := params.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
