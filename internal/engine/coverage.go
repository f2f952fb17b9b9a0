package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"casebridge/internal/domain"
	"casebridge/internal/events"
	"casebridge/internal/gateway"
	"casebridge/internal/repo"
)

// Case variable layout. One case per project: the batch blob plus one
// status and one commitment variable per coverage request. A missing
// status variable means todo; a missing commitment variable means the
// task is still unassigned.
const (
	varCoverageRequests = "coverageRequests"
	varProjectID        = "projectId"
	varCreatedBy        = "createdBy"
	varTotalRequests    = "totalCoverageRequests"
	varSubmittedAt      = "submittedAt"
)

func taskStatusVar(taskID string) string     { return "task_status_" + taskID }
func taskCommitmentVar(taskID string) string { return "task_commitment_" + taskID }

// submitCoverageRequests creates the project's single case and
// delivers the serialized batch through the first ready work item.
func (e Engine) submitCoverageRequests(ctx context.Context, projectID int64, actorID string, inputs []TaskInput) (string, error) {
	entries := make([]domain.CoverageRequest, 0, len(inputs))
	for _, in := range inputs {
		entries = append(entries, e.coverageEntry(in))
	}

	caseID, err := e.deliverBatch(ctx, projectID, actorID, entries)
	if err != nil {
		e.appendEvent(ctx, "case.submit_failed", projectID, "case", caseID, actorID, events.EventPayload{
			"error": err.Error(),
		})
		return "", err
	}

	if err := e.Repo.SetExternalCaseID(ctx, projectID, caseID); err != nil {
		return "", err
	}
	e.appendEvent(ctx, "case.submitted", projectID, "case", caseID, actorID, events.EventPayload{
		"totalCoverageRequests": len(entries),
	})
	return caseID, nil
}

func (e Engine) deliverBatch(ctx context.Context, projectID int64, actorID string, entries []domain.CoverageRequest) (string, error) {
	s, err := e.session(ctx)
	if err != nil {
		return "", err
	}
	caseID, err := e.Gateway.CreateCase(ctx, s, nil)
	if err != nil {
		return "", err
	}
	task, err := e.Gateway.WaitReadyTask(ctx, s, caseID)
	if err != nil {
		return caseID, err
	}
	err = e.Gateway.CompleteTask(ctx, s, task.ID, map[string]gateway.Variable{
		varCoverageRequests: gateway.JSONVar(entries),
		varProjectID:        gateway.NumberVar(float64(projectID)),
		varCreatedBy:        gateway.StringVar(actorID),
		varTotalRequests:    gateway.NumberVar(float64(len(entries))),
		varSubmittedAt:      gateway.StringVar(e.nowString()),
	})
	if err != nil {
		return caseID, err
	}
	return caseID, nil
}

// coverageEntry applies submission defaults and issues the entry's id.
func (e Engine) coverageEntry(in TaskInput) domain.CoverageRequest {
	entry := domain.CoverageRequest{
		TaskID:            uuid.NewString(),
		Title:             in.Title,
		Description:       in.Description,
		DueDate:           in.DueDate,
		EstimatedHours:    in.EstimatedHours,
		RequiredSkills:    in.RequiredSkills,
		UrgencyLevel:      in.UrgencyLevel,
		IsCoverageRequest: true,
	}
	if entry.DueDate == "" {
		days := 30
		if e.Config != nil && e.Config.Defaults.DueInDays > 0 {
			days = e.Config.Defaults.DueInDays
		}
		entry.DueDate = e.now().UTC().AddDate(0, 0, days).Format("2006-01-02")
	}
	if entry.UrgencyLevel == "" {
		entry.UrgencyLevel = "medium"
		if e.Config != nil && e.Config.Defaults.Urgency != "" {
			entry.UrgencyLevel = e.Config.Defaults.Urgency
		}
	}
	if entry.RequiredSkills == nil {
		entry.RequiredSkills = []string{}
	}
	return entry
}

// ResubmitCoverage recovers a project whose creation-time submission
// failed. Allowed only while no case id is stored.
func (e Engine) ResubmitCoverage(ctx context.Context, projectID int64, actorID string, tasks []TaskInput) (SubmissionReport, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return SubmissionReport{}, err
	}
	if p.ExternalCaseID != nil {
		return SubmissionReport{}, &ConflictError{Message: fmt.Sprintf("project %d already has case %s", projectID, *p.ExternalCaseID)}
	}
	if len(tasks) == 0 {
		return SubmissionReport{}, &ValidationError{Field: "tasks", Message: "at least one coverage request is required"}
	}
	for i, t := range tasks {
		if t.Title == "" {
			return SubmissionReport{}, &ValidationError{Field: fmt.Sprintf("tasks[%d].title", i), Message: "title is required"}
		}
		if !validUrgency(t.UrgencyLevel) {
			return SubmissionReport{}, &ValidationError{Field: fmt.Sprintf("tasks[%d].urgencyLevel", i), Message: "must be low, medium or high"}
		}
	}

	caseID, err := e.submitCoverageRequests(ctx, projectID, actorID, tasks)
	if err != nil {
		return SubmissionReport{}, err
	}
	return SubmissionReport{Submitted: true, CaseID: caseID, TotalCoverageRequests: len(tasks)}, nil
}

// readCoverageState loads the batch blob plus the per-task status and
// commitment variables of a case.
func (e Engine) readCoverageState(ctx context.Context, s gateway.Session, caseID string) ([]domain.CoverageRequest, map[string]string, map[string]int64, error) {
	vars, err := e.Gateway.ReadCaseVariables(ctx, s, caseID)
	if err != nil {
		return nil, nil, nil, err
	}
	blob, ok := vars[varCoverageRequests]
	if !ok {
		return nil, map[string]string{}, map[string]int64{}, nil
	}
	var entries []domain.CoverageRequest
	if err := blob.DecodeJSON(&entries); err != nil {
		return nil, nil, nil, fmt.Errorf("case %s: decode coverage blob: %w", caseID, err)
	}

	statuses := make(map[string]string, len(entries))
	assigned := map[string]int64{}
	for _, entry := range entries {
		statuses[entry.TaskID] = domain.TaskTodo
		if v, ok := vars[taskStatusVar(entry.TaskID)]; ok && v.String() != "" {
			statuses[entry.TaskID] = v.String()
		}
		if v, ok := vars[taskCommitmentVar(entry.TaskID)]; ok {
			assigned[entry.TaskID] = int64(v.Number())
		}
	}
	return entries, statuses, assigned, nil
}

// ListCoverage returns the coverage-request view of a project: blob
// entries joined with their external status and assigned commitment.
func (e Engine) ListCoverage(ctx context.Context, projectID int64) ([]domain.CoverageTaskView, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ExternalCaseID == nil {
		return []domain.CoverageTaskView{}, nil
	}
	s, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	entries, statuses, assigned, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
	if err != nil {
		return nil, err
	}
	views := make([]domain.CoverageTaskView, 0, len(entries))
	for _, entry := range entries {
		view := domain.CoverageTaskView{
			CoverageRequest: entry,
			Status:          statuses[entry.TaskID],
		}
		if id, ok := assigned[entry.TaskID]; ok {
			cid := id
			view.AssignedCommitmentID = &cid
		}
		views = append(views, view)
	}
	return views, nil
}

// ProposeCommitment records a pending proposal by an organization for
// one coverage request. Competing proposals per task are allowed.
func (e Engine) ProposeCommitment(ctx context.Context, projectID int64, taskID, organizationID, description string) (domain.Commitment, error) {
	if organizationID == "" {
		return domain.Commitment{}, &ValidationError{Field: "organizationId", Message: "organization is required"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if p.ExternalCaseID == nil {
		return domain.Commitment{}, repo.ErrNotFound
	}
	s, err := e.session(ctx)
	if err != nil {
		return domain.Commitment{}, err
	}
	entries, _, _, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if !containsTask(entries, taskID) {
		return domain.Commitment{}, repo.ErrNotFound
	}

	now := e.nowString()
	c := domain.Commitment{
		ProjectID:      projectID,
		TaskID:         taskID,
		OrganizationID: organizationID,
		Description:    description,
		Status:         domain.CommitmentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.ID, err = e.Repo.InsertCommitment(ctx, c)
	if err != nil {
		return domain.Commitment{}, err
	}
	e.appendEvent(ctx, "commitment.proposed", projectID, "commitment", strconv.FormatInt(c.ID, 10), organizationID, events.EventPayload{
		"taskId": taskID,
	})
	return c, nil
}

// AssignCommitment picks the winning proposal for one coverage request.
// The whole check-then-act runs under the project lock so that two
// assigns racing on the last two tasks advance the project exactly
// once.
func (e Engine) AssignCommitment(ctx context.Context, projectID int64, taskID string, commitmentID int64, actorID string) (domain.Commitment, error) {
	lock := e.locks.project(projectID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if c.ProjectID != projectID || c.TaskID != taskID {
		return domain.Commitment{}, &ValidationError{Field: "commitmentId", Message: "commitment does not belong to this task"}
	}
	if c.Status != domain.CommitmentPending {
		return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("commitment %d is already %s", commitmentID, c.Status)}
	}
	siblings, err := e.Repo.ListCommitmentsByTask(ctx, projectID, taskID)
	if err != nil {
		return domain.Commitment{}, err
	}
	for _, sib := range siblings {
		if sib.Status == domain.CommitmentAssigned {
			return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("task %s already has assigned commitment %d", taskID, sib.ID)}
		}
	}

	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if p.ExternalCaseID == nil {
		return domain.Commitment{}, repo.ErrNotFound
	}
	s, err := e.session(ctx)
	if err != nil {
		return domain.Commitment{}, err
	}

	// External side first: assignment marker on the case, then the
	// engine-level task assignment.
	if err := e.Gateway.AssignTask(ctx, s, taskID, c.OrganizationID); err != nil {
		return domain.Commitment{}, err
	}
	if err := e.Gateway.WriteCaseVariable(ctx, s, *p.ExternalCaseID, taskCommitmentVar(taskID), gateway.NumberVar(float64(commitmentID))); err != nil {
		return domain.Commitment{}, err
	}

	now := e.nowString()
	moved, err := e.Repo.SetCommitmentStatus(ctx, commitmentID, domain.CommitmentPending, domain.CommitmentAssigned, now)
	if err != nil {
		return domain.Commitment{}, err
	}
	if !moved {
		return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("commitment %d changed concurrently", commitmentID)}
	}
	c.Status = domain.CommitmentAssigned
	c.UpdatedAt = now
	e.appendEvent(ctx, "commitment.assigned", projectID, "commitment", strconv.FormatInt(commitmentID, 10), actorID, events.EventPayload{
		"taskId":         taskID,
		"organizationId": c.OrganizationID,
	})

	entries, _, assigned, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
	if err != nil {
		return c, err
	}
	unassigned := 0
	for _, entry := range entries {
		if _, ok := assigned[entry.TaskID]; !ok {
			unassigned++
		}
	}
	if unassigned == 0 {
		if err := e.advanceFromIntake(ctx, s, p, actorID); err != nil {
			return c, err
		}
	}
	return c, nil
}

// MarkCommitmentDone closes the commitment's coverage task on the
// external side and re-evaluates project completion.
func (e Engine) MarkCommitmentDone(ctx context.Context, commitmentID int64, actorID string) (domain.Commitment, error) {
	c, err := e.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if c.Status != domain.CommitmentAssigned {
		return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("commitment %d is not assigned", commitmentID)}
	}
	if c.DoneAt != nil {
		return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("commitment %d is already done", commitmentID)}
	}
	p, err := e.Repo.GetProject(ctx, c.ProjectID)
	if err != nil {
		return domain.Commitment{}, err
	}
	if p.ExternalCaseID == nil {
		return domain.Commitment{}, repo.ErrNotFound
	}
	s, err := e.session(ctx)
	if err != nil {
		return domain.Commitment{}, err
	}
	if err := e.Gateway.WriteCaseVariable(ctx, s, *p.ExternalCaseID, taskStatusVar(c.TaskID), gateway.StringVar(domain.TaskDone)); err != nil {
		return domain.Commitment{}, err
	}
	now := e.nowString()
	stamped, err := e.Repo.MarkCommitmentDoneAt(ctx, commitmentID, now)
	if err != nil {
		return domain.Commitment{}, err
	}
	if !stamped {
		return domain.Commitment{}, &ConflictError{Message: fmt.Sprintf("commitment %d is already done", commitmentID)}
	}
	c.DoneAt = &now
	c.UpdatedAt = now
	e.appendEvent(ctx, "commitment.done", c.ProjectID, "commitment", strconv.FormatInt(commitmentID, 10), actorID, events.EventPayload{
		"taskId": c.TaskID,
	})
	if _, err := e.RecomputeCompletion(ctx, c.ProjectID, actorID); err != nil {
		return c, err
	}
	return c, nil
}

// RecomputeCompletion unions local tasks with the case's coverage
// tasks and finalizes the project when every member is done. An empty
// union never completes a project.
func (e Engine) RecomputeCompletion(ctx context.Context, projectID int64, actorID string) (bool, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if p.Status == domain.ProjectComplete {
		return true, nil
	}

	local, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return false, err
	}
	total := len(local)
	allDone := true
	for _, t := range local {
		if t.Status != domain.TaskDone {
			allDone = false
		}
	}

	if p.ExternalCaseID != nil {
		s, err := e.session(ctx)
		if err != nil {
			return false, err
		}
		entries, statuses, _, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
		if err != nil {
			return false, err
		}
		total += len(entries)
		for _, entry := range entries {
			if statuses[entry.TaskID] != domain.TaskDone {
				allDone = false
			}
		}
	}

	if total == 0 || !allDone {
		return false, nil
	}
	if p.Status != domain.ProjectExecuting {
		// All work is done but the lifecycle has not reached executing;
		// the explicit execute call still gates completion.
		return false, nil
	}

	if _, err := e.finalizeCompletion(ctx, p, actorID); err != nil {
		var invalid *InvalidStateTransitionError
		if errors.As(err, &invalid) {
			// Another recompute finalized first.
			cur, gerr := e.Repo.GetProject(ctx, projectID)
			if gerr == nil && cur.Status == domain.ProjectComplete {
				return true, nil
			}
		}
		return false, err
	}
	return true, nil
}

// appendEvent records an event in its own transaction, for operations
// whose state changes already committed or live externally.
func (e Engine) appendEvent(ctx context.Context, eventType string, projectID int64, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger().Printf("WARNING: audit event %s for project %d dropped: %v", eventType, projectID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, eventType, projectID, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Printf("WARNING: audit event %s for project %d dropped: %v", eventType, projectID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger().Printf("WARNING: audit event %s for project %d dropped: %v", eventType, projectID, err)
	}
}

func containsTask(entries []domain.CoverageRequest, taskID string) bool {
	for _, entry := range entries {
		if entry.TaskID == taskID {
			return true
		}
	}
	return false
}
