package server

import (
	"encoding/json"

	"teammanage/internal/domain"
	"teammanage/internal/hierarchy"
)

// Request payloads

type CreateProjectRequest struct {
	Name      string  `json:"name"`
	StartDate *string `json:"start_date,omitempty" format:"date-time"`
}

type CreateModuleRequest struct {
	ProjectID      int64    `json:"project_id"`
	Name           string   `json:"name"`
	ParentModuleID *int64   `json:"parent_module_id,omitempty"`
	MemberIDs      []string `json:"member_ids,omitempty"`
}

type UpdateModuleRequest struct {
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status,omitempty" enum:"not_started,in_progress,done"`
	MemberIDs *[]string `json:"member_ids,omitempty"`
}

type WorkflowStepRequest struct {
	Name        string   `json:"name"`
	Order       int      `json:"order"`
	ApproverIDs []string `json:"approver_ids,omitempty"`
}

type CreateWorkflowRequest struct {
	Name  string                `json:"name"`
	Steps []WorkflowStepRequest `json:"steps"`
}

type UpdateStepStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,testing,approved"`
}

type ReplaceApproversRequest struct {
	ApproverID string `json:"approver_id"`
}

type CreateTaskRequest struct {
	ModuleID       int64   `json:"module_id"`
	Title          string  `json:"title"`
	Note           string  `json:"note,omitempty"`
	StartDate      *string `json:"start_date,omitempty" format:"date-time"`
	EndDate        *string `json:"end_date,omitempty" format:"date-time"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title          string  `json:"title,omitempty"`
	Note           *string `json:"note,omitempty"`
	Status         string  `json:"status,omitempty" enum:"not_started,in_progress,done"`
	StartDate      *string `json:"start_date,omitempty" format:"date-time"`
	EndDate        *string `json:"end_date,omitempty" format:"date-time"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	ClearAssignee  bool    `json:"clear_assignee,omitempty"`
}

type CreateIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type UpdateIssueRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" enum:"not_started,in_progress,done"`
}

type UpsertUserRequest struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role" enum:"admin,dev,tester,viewer"`
	Verified bool   `json:"verified"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty" enum:"admin,dev,tester,viewer"`
}

// Response payloads

type ProjectResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date,omitempty" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ModuleResponse struct {
	ID             int64    `json:"id"`
	ProjectID      int64    `json:"project_id"`
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	ParentModuleID *int64   `json:"parent_module_id,omitempty"`
	Status         string   `json:"status" enum:"not_started,in_progress,done"`
	WorkflowID     *int64   `json:"workflow_id,omitempty"`
	IsDeleted      bool     `json:"is_deleted"`
	MemberIDs      []string `json:"member_ids"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type ModuleTreeNode struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Status      string           `json:"status" enum:"not_started,in_progress,done"`
	MemberCount int              `json:"member_count"`
	Children    []ModuleTreeNode `json:"children"`
}

type ApproverResponse struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

type StepResponse struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Order       int                `json:"order"`
	Status      string             `json:"status" enum:"pending,in_progress,testing,approved"`
	CompletedAt *string            `json:"completed_at,omitempty" format:"date-time"`
	Approvers   []ApproverResponse `json:"approvers"`
}

type WorkflowResponse struct {
	ID        int64          `json:"id"`
	ModuleID  int64          `json:"module_id"`
	Name      string         `json:"name"`
	Steps     []StepResponse `json:"steps"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID             int64   `json:"id"`
	ModuleID       int64   `json:"module_id"`
	Title          string  `json:"title"`
	Note           string  `json:"note,omitempty"`
	Status         string  `json:"status" enum:"not_started,in_progress,done"`
	StartDate      *string `json:"start_date,omitempty" format:"date-time"`
	EndDate        *string `json:"end_date,omitempty" format:"date-time"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	CurrentStepID  *int64  `json:"current_step_id,omitempty"`
	IsDeleted      bool    `json:"is_deleted"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type IssueResponse struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"not_started,in_progress,done"`
	IsDeleted   bool   `json:"is_deleted"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AssignStepResponse struct {
	StepID       int64  `json:"step_id"`
	StepName     string `json:"step_name"`
	AlreadyBound bool   `json:"already_bound"`
}

type ApproveStepResponse struct {
	NextStepID       *int64  `json:"next_step_id,omitempty"`
	NextStepName     *string `json:"next_step_name,omitempty"`
	WorkflowComplete bool    `json:"workflow_complete"`
	TaskStatus       string  `json:"task_status" enum:"not_started,in_progress,done"`
}

type CurrentStepResponse struct {
	Bound bool          `json:"bound"`
	Step  *StepResponse `json:"step,omitempty"`
}

type UserResponse struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Role      string `json:"role" enum:"admin,dev,tester,viewer"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	Source string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		StartDate: p.StartDate,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

func moduleResponse(m domain.Module, memberIDs []string) ModuleResponse {
	return ModuleResponse{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		Code:           m.Code,
		Name:           m.Name,
		ParentModuleID: m.ParentModuleID,
		Status:         m.Status,
		WorkflowID:     m.WorkflowID,
		IsDeleted:      m.IsDeleted,
		MemberIDs:      nonNilSlice(memberIDs),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func treeResponse(nodes []*hierarchy.Node) []ModuleTreeNode {
	out := make([]ModuleTreeNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, ModuleTreeNode{
			ID:          n.Module.ID,
			Code:        n.Module.Code,
			Name:        n.Module.Name,
			Status:      n.Module.Status,
			MemberCount: n.MemberCount,
			Children:    treeResponse(n.Children),
		})
	}
	return out
}

func stepResponse(s domain.WorkflowStep) StepResponse {
	approvers := make([]ApproverResponse, 0, len(s.Approvals))
	for _, a := range s.Approvals {
		approvers = append(approvers, ApproverResponse{UserID: a.ApproverID, FullName: a.ApproverName, Role: a.Role})
	}
	return StepResponse{
		ID:          s.ID,
		Name:        s.Name,
		Order:       s.Order,
		Status:      s.Status,
		CompletedAt: s.CompletedAt,
		Approvers:   approvers,
	}
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	steps := make([]StepResponse, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, stepResponse(s))
	}
	return WorkflowResponse{
		ID:        w.ID,
		ModuleID:  w.ModuleID,
		Name:      w.Name,
		Steps:     steps,
		CreatedAt: w.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		ModuleID:       t.ModuleID,
		Title:          t.Title,
		Note:           t.Note,
		Status:         t.Status,
		StartDate:      t.StartDate,
		EndDate:        t.EndDate,
		AssignedUserID: t.AssignedUserID,
		CurrentStepID:  t.CurrentStepID,
		IsDeleted:      t.IsDeleted,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse(i)
}

func mapIssues(in []domain.Issue) []IssueResponse {
	out := make([]IssueResponse, 0, len(in))
	for _, i := range in {
		out = append(out, issueResponse(i))
	}
	return out
}

func userResponse(u domain.User) UserResponse {
	return UserResponse(u)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
