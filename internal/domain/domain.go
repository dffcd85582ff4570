package domain

// Process status values shared by modules and tasks.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Workflow step status values, ordered from least to most advanced.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepTesting    = "testing"
	StepApproved   = "approved"
)

type Project struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date,omitempty" format:"date-time"`
	IsDeleted bool   `json:"is_deleted"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Module struct {
	ID             int64  `json:"id"`
	ProjectID      int64  `json:"project_id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	ParentModuleID *int64 `json:"parent_module_id,omitempty"`
	Status         string `json:"status" enum:"not_started,in_progress,done"`
	WorkflowID     *int64 `json:"workflow_id,omitempty"`
	IsDeleted      bool   `json:"is_deleted"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type ModuleMember struct {
	ModuleID  int64  `json:"module_id"`
	UserID    string `json:"user_id"`
	IsDeleted bool   `json:"is_deleted"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Workflow struct {
	ID        int64          `json:"id"`
	ModuleID  int64          `json:"module_id"`
	Name      string         `json:"name"`
	Steps     []WorkflowStep `json:"steps,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type WorkflowStep struct {
	ID          int64          `json:"id"`
	WorkflowID  int64          `json:"workflow_id"`
	Name        string         `json:"name"`
	Order       int            `json:"order"`
	Status      string         `json:"status" enum:"pending,in_progress,testing,approved"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Approvals   []StepApproval `json:"approvals,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// StepApproval grants one user the right to approve one step.
type StepApproval struct {
	StepID       int64  `json:"step_id"`
	ApproverID   string `json:"approver_id"`
	ApproverName string `json:"approver_name,omitempty"`
	Role         string `json:"role,omitempty"`
}

type Task struct {
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

// Issue is a defect or blocker reported against a task.
type Issue struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"not_started,in_progress,done"`
	IsDeleted   bool   `json:"is_deleted"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Role      string `json:"role" enum:"admin,dev,tester,viewer"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
