package domain

// Project statuses. A project stays in draft until every coverage request
// of its external case has an assigned commitment; projects without an
// external case never leave draft.
const (
	ProjectDraft     = "draft"
	ProjectPlanned   = "planned"
	ProjectExecuting = "executing"
	ProjectComplete  = "complete"
)

// Local task statuses.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// Commitment statuses.
const (
	CommitmentPending  = "pending"
	CommitmentAssigned = "assigned"
)

type Project struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	StartDate      string  `json:"start_date,omitempty" format:"date-time"`
	EndDate        string  `json:"end_date,omitempty" format:"date-time"`
	Status         string  `json:"status" enum:"draft,planned,executing,complete"`
	ExternalCaseID *string `json:"external_case_id,omitempty"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             int64    `json:"id"`
	ProjectID      int64    `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status" enum:"todo,in_progress,done,cancelled"`
	Assignee       *string  `json:"assignee,omitempty"`
	DueDate        string   `json:"due_date,omitempty" format:"date-time"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Commitment struct {
	ID             int64   `json:"id"`
	ProjectID      int64   `json:"project_id"`
	TaskID         string  `json:"task_id"`
	OrganizationID string  `json:"organization_id"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status" enum:"pending,assigned"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	DoneAt         *string `json:"done_at,omitempty" format:"date-time"`
}

// CoverageRequest is a task delegated to the external workflow engine.
// It is never persisted locally; the full batch lives as a JSON array in a
// single case variable, and each entry is keyed by TaskID.
type CoverageRequest struct {
	TaskID            string   `json:"task_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	DueDate           string   `json:"due_date,omitempty" format:"date-time"`
	EstimatedHours    *float64 `json:"estimated_hours,omitempty"`
	RequiredSkills    []string `json:"required_skills"`
	UrgencyLevel      string   `json:"urgency_level" enum:"low,medium,high"`
	IsCoverageRequest bool     `json:"is_coverage_request"`
}

// CoverageTaskView is the merged read model for one coverage request: the
// blob entry plus the per-task status and assignment variables.
type CoverageTaskView struct {
	CoverageRequest
	Status               string `json:"status" enum:"todo,in_progress,done"`
	AssignedCommitmentID *int64 `json:"assigned_commitment_id,omitempty"`
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
