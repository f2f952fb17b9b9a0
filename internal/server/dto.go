package server

import (
	"casebridge/internal/domain"
	"casebridge/internal/engine"
)

// Request payloads

type TaskRequest struct {
	Title             string   `json:"title"`
	Description       *string  `json:"description,omitempty"`
	DueDate           *string  `json:"due_date,omitempty" format:"date"`
	EstimatedHours    *float64 `json:"estimated_hours,omitempty"`
	RequiredSkills    []string `json:"required_skills,omitempty"`
	UrgencyLevel      *string  `json:"urgency_level,omitempty" enum:"low,medium,high"`
	IsCoverageRequest bool     `json:"is_coverage_request,omitempty"`
}

type CreateProjectRequest struct {
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	StartDate   *string       `json:"start_date,omitempty" format:"date"`
	EndDate     *string       `json:"end_date,omitempty" format:"date"`
	Tasks       []TaskRequest `json:"tasks,omitempty"`
}

type ResubmitCoverageRequest struct {
	Tasks []TaskRequest `json:"tasks"`
}

type TakeTaskRequest struct {
	OrganizationID string `json:"organization_id,omitempty"`
}

type ProposeCommitmentRequest struct {
	OrganizationID string  `json:"organization_id,omitempty"`
	Description    *string `json:"description,omitempty"`
}

// Responses

type ProjectResponse struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	StartDate      string  `json:"start_date,omitempty"`
	EndDate        string  `json:"end_date,omitempty"`
	Status         string  `json:"status" enum:"draft,planned,executing,complete"`
	ExternalCaseID *string `json:"external_case_id,omitempty"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at"`
}

type TaskResponse struct {
	ID             int64    `json:"id"`
	ProjectID      int64    `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status" enum:"todo,in_progress,done,cancelled"`
	Assignee       *string  `json:"assignee,omitempty"`
	DueDate        string   `json:"due_date,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type CoverageTaskResponse struct {
	TaskID               string   `json:"task_id"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	DueDate              string   `json:"due_date"`
	EstimatedHours       *float64 `json:"estimated_hours,omitempty"`
	RequiredSkills       []string `json:"required_skills"`
	UrgencyLevel         string   `json:"urgency_level"`
	Status               string   `json:"status"`
	AssignedCommitmentID *int64   `json:"assigned_commitment_id,omitempty"`
}

type CommitmentResponse struct {
	ID             int64   `json:"id"`
	ProjectID      int64   `json:"project_id"`
	TaskID         string  `json:"task_id"`
	OrganizationID string  `json:"organization_id"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status" enum:"pending,assigned"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	DoneAt         *string `json:"done_at,omitempty"`
}

type SubmissionReportResponse struct {
	Submitted             bool   `json:"submitted"`
	CaseID                string `json:"case_id,omitempty"`
	TotalCoverageRequests int    `json:"total_coverage_requests"`
	Error                 string `json:"error,omitempty"`
}

type CreateProjectResponse struct {
	Project    ProjectResponse          `json:"project"`
	LocalTasks []TaskResponse           `json:"local_tasks"`
	Submission SubmissionReportResponse `json:"submission"`
}

type TaskFailureResponse struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type ExecuteProjectResponse struct {
	Project  ProjectResponse       `json:"project"`
	Failures []TaskFailureResponse `json:"failures,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id"`
	EntityKind string `json:"entity_kind,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		Status:         p.Status,
		ExternalCaseID: p.ExternalCaseID,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         t.Status,
		Assignee:       t.Assignee,
		DueDate:        t.DueDate,
		EstimatedHours: t.EstimatedHours,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func coverageResponse(v domain.CoverageTaskView) CoverageTaskResponse {
	return CoverageTaskResponse{
		TaskID:               v.TaskID,
		Title:                v.Title,
		Description:          v.Description,
		DueDate:              v.DueDate,
		EstimatedHours:       v.EstimatedHours,
		RequiredSkills:       v.RequiredSkills,
		UrgencyLevel:         v.UrgencyLevel,
		Status:               v.Status,
		AssignedCommitmentID: v.AssignedCommitmentID,
	}
}

func mapCoverage(items []domain.CoverageTaskView) []CoverageTaskResponse {
	out := make([]CoverageTaskResponse, 0, len(items))
	for _, v := range items {
		out = append(out, coverageResponse(v))
	}
	return out
}

func commitmentResponse(c domain.Commitment) CommitmentResponse {
	return CommitmentResponse{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		TaskID:         c.TaskID,
		OrganizationID: c.OrganizationID,
		Description:    c.Description,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		DoneAt:         c.DoneAt,
	}
}

func mapCommitments(items []domain.Commitment) []CommitmentResponse {
	out := make([]CommitmentResponse, 0, len(items))
	for _, c := range items {
		out = append(out, commitmentResponse(c))
	}
	return out
}

func submissionResponse(r engine.SubmissionReport) SubmissionReportResponse {
	return SubmissionReportResponse{
		Submitted:             r.Submitted,
		CaseID:                r.CaseID,
		TotalCoverageRequests: r.TotalCoverageRequests,
		Error:                 r.Error,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}

func taskInputs(items []TaskRequest) []engine.TaskInput {
	out := make([]engine.TaskInput, 0, len(items))
	for _, t := range items {
		in := engine.TaskInput{
			Title:             t.Title,
			RequiredSkills:    t.RequiredSkills,
			EstimatedHours:    t.EstimatedHours,
			IsCoverageRequest: t.IsCoverageRequest,
		}
		if t.Description != nil {
			in.Description = *t.Description
		}
		if t.DueDate != nil {
			in.DueDate = *t.DueDate
		}
		if t.UrgencyLevel != nil {
			in.UrgencyLevel = *t.UrgencyLevel
		}
		out = append(out, in)
	}
	return out
}
