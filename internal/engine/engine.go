package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"casebridge/internal/config"
	"casebridge/internal/domain"
	"casebridge/internal/events"
	"casebridge/internal/gateway"
	"casebridge/internal/repo"
)

// Caseflow is the slice of the workflow gateway the engine drives.
// Satisfied by gateway.Client and gateway.Mock.
type Caseflow interface {
	Authenticate(ctx context.Context, creds gateway.Credentials) (gateway.Session, error)
	CreateCase(ctx context.Context, s gateway.Session, variables map[string]gateway.Variable) (string, error)
	ListHumanTasks(ctx context.Context, s gateway.Session, caseID string) ([]gateway.HumanTask, error)
	ReadCaseVariables(ctx context.Context, s gateway.Session, caseID string) (map[string]gateway.Variable, error)
	WriteCaseVariable(ctx context.Context, s gateway.Session, caseID, name string, v gateway.Variable) error
	AssignTask(ctx context.Context, s gateway.Session, taskID, userID string) error
	CompleteTask(ctx context.Context, s gateway.Session, taskID string, variables map[string]gateway.Variable) error
	WaitReadyTask(ctx context.Context, s gateway.Session, caseID string) (gateway.HumanTask, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gateway Caseflow
	Config  *config.Config
	Now     func() time.Time
	Logger  *log.Logger

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config, gw Caseflow) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Gateway: gw,
		Config:  cfg,
		Now:     time.Now,
		locks:   newLockTable(),
	}
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) session(ctx context.Context) (gateway.Session, error) {
	creds := gateway.Credentials{}
	if e.Config != nil {
		creds.Username = e.Config.Engine.Username
		creds.Password = e.Config.Engine.Password
	}
	return e.Gateway.Authenticate(ctx, creds)
}

// lockTable serializes check-then-act sequences per project. Assigning
// the last two coverage tasks concurrently must advance the project
// exactly once.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[int64]*sync.Mutex{}}
}

func (t *lockTable) project(id int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// TaskInput is one task submitted at project creation. Coverage
// requests are delegated to the workflow engine; the rest become local
// rows.
type TaskInput struct {
	Title             string
	Description       string
	DueDate           string
	EstimatedHours    *float64
	RequiredSkills    []string
	UrgencyLevel      string
	IsCoverageRequest bool
}

type ProjectCreateOptions struct {
	Name        string
	Description string
	StartDate   string
	EndDate     string
	ActorID     string
	Tasks       []TaskInput
}

// SubmissionReport describes the outcome of the coverage batch
// submission. A failed submission never rolls back the committed
// project row; the caller recovers with ResubmitCoverage.
type SubmissionReport struct {
	Submitted             bool   `json:"submitted"`
	CaseID                string `json:"caseId,omitempty"`
	TotalCoverageRequests int    `json:"totalCoverageRequests"`
	Error                 string `json:"error,omitempty"`
}

type CreateProjectResult struct {
	Project    domain.Project
	LocalTasks []domain.Task
	Submission SubmissionReport
}

func validUrgency(u string) bool {
	switch u {
	case "", "low", "medium", "high":
		return true
	}
	return false
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (CreateProjectResult, error) {
	if opts.Name == "" {
		return CreateProjectResult{}, &ValidationError{Field: "name", Message: "name is required"}
	}
	var coverage []TaskInput
	var local []TaskInput
	for i, t := range opts.Tasks {
		if t.Title == "" {
			return CreateProjectResult{}, &ValidationError{Field: fmt.Sprintf("tasks[%d].title", i), Message: "title is required"}
		}
		if !validUrgency(t.UrgencyLevel) {
			return CreateProjectResult{}, &ValidationError{Field: fmt.Sprintf("tasks[%d].urgencyLevel", i), Message: "must be low, medium or high"}
		}
		if t.IsCoverageRequest {
			coverage = append(coverage, t)
		} else {
			local = append(local, t)
		}
	}

	now := e.nowString()
	p := domain.Project{
		Name:        opts.Name,
		Description: opts.Description,
		StartDate:   opts.StartDate,
		EndDate:     opts.EndDate,
		Status:      domain.ProjectDraft,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateProjectResult{}, err
	}
	defer tx.Rollback()

	p.ID, err = e.Repo.InsertProject(ctx, tx, p)
	if err != nil {
		return CreateProjectResult{}, fmt.Errorf("insert project: %w", err)
	}

	var localTasks []domain.Task
	for _, in := range local {
		t := domain.Task{
			ProjectID:      p.ID,
			Title:          in.Title,
			Description:    in.Description,
			Status:         domain.TaskTodo,
			DueDate:        in.DueDate,
			EstimatedHours: in.EstimatedHours,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		t.ID, err = e.Repo.InsertTask(ctx, tx, t)
		if err != nil {
			return CreateProjectResult{}, fmt.Errorf("insert task: %w", err)
		}
		localTasks = append(localTasks, t)
	}

	err = e.Events.Append(ctx, tx, "project.created", p.ID, "project", strconv.FormatInt(p.ID, 10), opts.ActorID, events.EventPayload{
		"name":             p.Name,
		"localTasks":       len(localTasks),
		"coverageRequests": len(coverage),
	})
	if err != nil {
		return CreateProjectResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateProjectResult{}, err
	}

	res := CreateProjectResult{
		Project:    p,
		LocalTasks: localTasks,
		Submission: SubmissionReport{TotalCoverageRequests: len(coverage)},
	}
	if len(coverage) == 0 {
		return res, nil
	}

	// The project row is committed; the case submission happens outside
	// the transaction and its failure is reported, not rolled back.
	caseID, err := e.submitCoverageRequests(ctx, p.ID, opts.ActorID, coverage)
	if err != nil {
		res.Submission.Error = err.Error()
		return res, nil
	}
	res.Submission.Submitted = true
	res.Submission.CaseID = caseID
	res.Project.ExternalCaseID = &caseID
	return res, nil
}

// ExecuteResult carries the updated project and any per-task failures
// from the best-effort external marking.
type ExecuteResult struct {
	Project domain.Project
	Report  *PartialFailure
}

func (e Engine) ExecuteProject(ctx context.Context, projectID int64, actorID string) (ExecuteResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if p.ExternalCaseID == nil {
		return ExecuteResult{}, &InvalidStateTransitionError{From: p.Status, To: domain.ProjectExecuting}
	}
	if p.Status != domain.ProjectPlanned {
		return ExecuteResult{}, &InvalidStateTransitionError{From: p.Status, To: domain.ProjectExecuting}
	}

	if err := e.transition(ctx, p.ID, domain.ProjectPlanned, domain.ProjectExecuting, "project.executed", actorID); err != nil {
		return ExecuteResult{}, err
	}
	p.Status = domain.ProjectExecuting

	// Local status is flipped; the external markings below are
	// best-effort per task and never abort the operation.
	var failures []TaskFailure
	s, err := e.session(ctx)
	if err != nil {
		failures = append(failures, TaskFailure{TaskID: "*", Reason: err.Error()})
	} else {
		entries, _, _, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
		if err != nil {
			failures = append(failures, TaskFailure{TaskID: "*", Reason: err.Error()})
		} else {
			for _, entry := range entries {
				err := e.Gateway.WriteCaseVariable(ctx, s, *p.ExternalCaseID, taskStatusVar(entry.TaskID), gateway.StringVar(domain.TaskInProgress))
				if err != nil {
					failures = append(failures, TaskFailure{TaskID: entry.TaskID, Reason: err.Error()})
				}
			}
		}
		if err := e.completeReadyWorkItem(ctx, s, *p.ExternalCaseID, nil); err != nil {
			failures = append(failures, TaskFailure{TaskID: "case", Reason: err.Error()})
		}
	}

	res := ExecuteResult{Project: p}
	if len(failures) > 0 {
		res.Report = &PartialFailure{Op: "execute", Failures: failures}
	}
	return res, nil
}

func (e Engine) CompleteProject(ctx context.Context, projectID int64, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status == domain.ProjectComplete {
		return p, nil
	}
	if p.ExternalCaseID == nil || p.Status != domain.ProjectExecuting {
		return domain.Project{}, &InvalidStateTransitionError{From: p.Status, To: domain.ProjectComplete}
	}
	return e.finalizeCompletion(ctx, p, actorID)
}

func (e Engine) finalizeCompletion(ctx context.Context, p domain.Project, actorID string) (domain.Project, error) {
	if err := e.transition(ctx, p.ID, domain.ProjectExecuting, domain.ProjectComplete, "project.completed", actorID); err != nil {
		return domain.Project{}, err
	}
	p.Status = domain.ProjectComplete

	if s, err := e.session(ctx); err == nil {
		// Best-effort: the local flip already committed.
		_ = e.completeReadyWorkItem(ctx, s, *p.ExternalCaseID, nil)
	}
	return p, nil
}

// advanceFromIntake moves draft to planned and closes the case's
// current work item. No-op when the project already reached planned
// or later.
func (e Engine) advanceFromIntake(ctx context.Context, s gateway.Session, p domain.Project, actorID string) error {
	if p.Status != domain.ProjectDraft {
		return nil
	}
	if err := e.transition(ctx, p.ID, domain.ProjectDraft, domain.ProjectPlanned, "project.planned", actorID); err != nil {
		return err
	}
	return e.completeReadyWorkItem(ctx, s, *p.ExternalCaseID, nil)
}

// transition performs the guarded status update plus its event in one
// transaction. Zero rows affected means another caller moved the
// project first.
func (e Engine) transition(ctx context.Context, projectID int64, from, to, eventType, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	moved, err := e.Repo.SetProjectStatus(ctx, tx, projectID, from, to)
	if err != nil {
		return err
	}
	if !moved {
		cur, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		return &InvalidStateTransitionError{From: cur.Status, To: to}
	}
	err = e.Events.Append(ctx, tx, eventType, projectID, "project", strconv.FormatInt(projectID, 10), actorID, events.EventPayload{
		"from": from,
		"to":   to,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// completeReadyWorkItem closes one case work item: the first task
// reporting ready, else the first listed.
func (e Engine) completeReadyWorkItem(ctx context.Context, s gateway.Session, caseID string, variables map[string]gateway.Variable) error {
	tasks, err := e.Gateway.ListHumanTasks(ctx, s, caseID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("case %s has no open work item", caseID)
	}
	pick := tasks[0]
	for _, t := range tasks {
		if t.State == gateway.TaskStateReady {
			pick = t
			break
		}
	}
	return e.Gateway.CompleteTask(ctx, s, pick.ID, variables)
}

// TakeTask claims a local task for an organization. Coverage-request
// ids are rejected; those are assigned through commitments.
func (e Engine) TakeTask(ctx context.Context, projectID int64, taskRef, organizationID string) (domain.Task, error) {
	if organizationID == "" {
		return domain.Task{}, &ValidationError{Field: "organizationId", Message: "organization is required"}
	}
	taskID, numErr := strconv.ParseInt(taskRef, 10, 64)
	if numErr != nil {
		if err := e.rejectCoverageRef(ctx, projectID, taskRef); err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, repo.ErrNotFound
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ProjectID != projectID {
		return domain.Task{}, repo.ErrNotFound
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	taken, err := e.Repo.TakeTask(ctx, tx, taskID, organizationID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !taken {
		return domain.Task{}, &ConflictError{Message: fmt.Sprintf("task %d is already taken", taskID)}
	}
	err = e.Events.Append(ctx, tx, "task.taken", projectID, "task", taskRef, organizationID, events.EventPayload{
		"assignee": organizationID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	t.Assignee = &organizationID
	t.Status = domain.TaskInProgress
	t.UpdatedAt = now
	return t, nil
}

// rejectCoverageRef returns WrongChannel when ref names a coverage
// request of the project's case, ErrNotFound otherwise.
func (e Engine) rejectCoverageRef(ctx context.Context, projectID int64, ref string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.ExternalCaseID == nil {
		return repo.ErrNotFound
	}
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	entries, _, _, err := e.readCoverageState(ctx, s, *p.ExternalCaseID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.TaskID == ref {
			return &WrongChannelError{TaskID: ref, Reason: "coverage requests are fulfilled through commitments"}
		}
	}
	return repo.ErrNotFound
}

func (e Engine) MarkTaskDone(ctx context.Context, projectID int64, taskRef, actorID string) (domain.Task, error) {
	taskID, numErr := strconv.ParseInt(taskRef, 10, 64)
	if numErr != nil {
		if err := e.rejectCoverageRef(ctx, projectID, taskRef); err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, repo.ErrNotFound
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ProjectID != projectID {
		return domain.Task{}, repo.ErrNotFound
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	done, err := e.Repo.MarkTaskDone(ctx, tx, taskID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !done {
		return domain.Task{}, &ConflictError{Message: fmt.Sprintf("task %d is not in progress", taskID)}
	}
	err = e.Events.Append(ctx, tx, "task.done", projectID, "task", taskRef, actorID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	t.Status = domain.TaskDone
	t.UpdatedAt = now

	if _, err := e.RecomputeCompletion(ctx, projectID, actorID); err != nil {
		return t, fmt.Errorf("task done, completion recompute failed: %w", err)
	}
	return t, nil
}
