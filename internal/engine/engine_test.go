package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"
	"testing"

	"casebridge/internal/config"
	"casebridge/internal/db"
	"casebridge/internal/domain"
	"casebridge/internal/gateway"
	"casebridge/internal/migrate"
	"casebridge/internal/repo"
)

func newTestEngine(t *testing.T) (Engine, *gateway.Mock) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mock := gateway.NewMock()
	return New(conn, config.Default(), mock), mock
}

func createProject(t *testing.T, e Engine, tasks ...TaskInput) CreateProjectResult {
	t.Helper()
	res, err := e.CreateProject(context.Background(), ProjectCreateOptions{
		Name:    "night shift coverage",
		ActorID: "alice",
		Tasks:   tasks,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return res
}

func localTask(title string) TaskInput {
	return TaskInput{Title: title}
}

func coverageTask(title string) TaskInput {
	return TaskInput{Title: title, IsCoverageRequest: true}
}

func TestCreateProjectSplitsTaskChannels(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, localTask("prep roster"), localTask("book rooms"), coverageTask("cover ward 3"))

	if len(res.LocalTasks) != 2 {
		t.Fatalf("expected 2 local tasks, got %d", len(res.LocalTasks))
	}
	if !res.Submission.Submitted || res.Submission.CaseID == "" {
		t.Fatalf("expected submitted case, got %+v", res.Submission)
	}

	p, err := e.Repo.GetProject(ctx, res.Project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != domain.ProjectDraft {
		t.Fatalf("expected draft, got %s", p.Status)
	}
	if p.ExternalCaseID == nil || *p.ExternalCaseID != res.Submission.CaseID {
		t.Fatalf("case id not stored: %+v", p.ExternalCaseID)
	}

	stored, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("coverage request leaked into local store: %d rows", len(stored))
	}

	coverage, err := e.ListCoverage(ctx, p.ID)
	if err != nil {
		t.Fatalf("list coverage: %v", err)
	}
	if len(coverage) != 1 || coverage[0].Title != "cover ward 3" {
		t.Fatalf("unexpected coverage view: %+v", coverage)
	}
	if coverage[0].Status != domain.TaskTodo {
		t.Fatalf("expected todo, got %s", coverage[0].Status)
	}
	if coverage[0].DueDate == "" || coverage[0].UrgencyLevel != "medium" {
		t.Fatalf("defaults not applied: %+v", coverage[0])
	}
}

func TestCreateProjectWithoutCoverageSkipsCase(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, localTask("only local"))
	if res.Submission.Submitted || res.Submission.CaseID != "" {
		t.Fatalf("no case expected: %+v", res.Submission)
	}

	p, _ := e.Repo.GetProject(ctx, res.Project.ID)
	if p.ExternalCaseID != nil {
		t.Fatalf("external case id must stay null")
	}

	_, err := e.ExecuteProject(ctx, p.ID, "alice")
	var invalid *InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateTransition, got %v", err)
	}
}

func TestSubmissionFailureKeepsLocalState(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	mock.FailCreateCase = &gateway.UnavailableError{Op: "create case", Err: errors.New("engine down")}
	res := createProject(t, e, localTask("prep roster"), coverageTask("cover ward 3"))

	if res.Submission.Submitted || res.Submission.Error == "" {
		t.Fatalf("expected failed submission report, got %+v", res.Submission)
	}

	p, err := e.Repo.GetProject(ctx, res.Project.ID)
	if err != nil {
		t.Fatalf("project row must survive submission failure: %v", err)
	}
	if p.ExternalCaseID != nil {
		t.Fatalf("case id must stay null after failure")
	}
	tasks, _ := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: p.ID})
	if len(tasks) != 1 {
		t.Fatalf("local tasks must survive submission failure")
	}

	mock.FailCreateCase = nil
	report, err := e.ResubmitCoverage(ctx, p.ID, "alice", []TaskInput{coverageTask("cover ward 3")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !report.Submitted || report.CaseID == "" {
		t.Fatalf("expected successful resubmission, got %+v", report)
	}

	_, err = e.ResubmitCoverage(ctx, p.ID, "alice", []TaskInput{coverageTask("again")})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on second resubmit, got %v", err)
	}
}

func TestCommitmentReconciliation(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("cover ward 3"))
	coverage, err := e.ListCoverage(ctx, res.Project.ID)
	if err != nil || len(coverage) != 1 {
		t.Fatalf("coverage view: %v %+v", err, coverage)
	}
	taskID := coverage[0].TaskID

	winner, err := e.ProposeCommitment(ctx, res.Project.ID, taskID, "org-a", "we can cover this")
	if err != nil {
		t.Fatalf("propose winner: %v", err)
	}
	loser, err := e.ProposeCommitment(ctx, res.Project.ID, taskID, "org-b", "us too")
	if err != nil {
		t.Fatalf("propose loser: %v", err)
	}

	assigned, err := e.AssignCommitment(ctx, res.Project.ID, taskID, winner.ID, "alice")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != domain.CommitmentAssigned {
		t.Fatalf("expected assigned, got %s", assigned.Status)
	}
	if mock.Assignments[taskID] != "org-a" {
		t.Fatalf("external assignment not recorded: %+v", mock.Assignments)
	}

	p, _ := e.Repo.GetProject(ctx, res.Project.ID)
	if p.Status != domain.ProjectPlanned {
		t.Fatalf("last assignment must advance project to planned, got %s", p.Status)
	}

	kept, _ := e.Repo.GetCommitment(ctx, loser.ID)
	if kept.Status != domain.CommitmentPending {
		t.Fatalf("losing proposal must stay pending, got %s", kept.Status)
	}

	_, err = e.AssignCommitment(ctx, res.Project.ID, taskID, loser.ID, "alice")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict assigning over a winner, got %v", err)
	}
}

func TestAdvanceFromIntakeFiresOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("shift a"), coverageTask("shift b"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)
	if len(coverage) != 2 {
		t.Fatalf("expected 2 coverage tasks, got %d", len(coverage))
	}

	for _, c := range coverage {
		commit, err := e.ProposeCommitment(ctx, res.Project.ID, c.TaskID, "org-a", "")
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		if _, err := e.AssignCommitment(ctx, res.Project.ID, c.TaskID, commit.ID, "alice"); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	p, _ := e.Repo.GetProject(ctx, res.Project.ID)
	if p.Status != domain.ProjectPlanned {
		t.Fatalf("expected planned, got %s", p.Status)
	}

	evts, err := e.Repo.LatestEvents(ctx, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	planned := 0
	for _, evt := range evts {
		if evt.Type == "project.planned" {
			planned++
		}
	}
	if planned != 1 {
		t.Fatalf("project.planned must fire exactly once, got %d", planned)
	}
}

func TestConcurrentAssignsAdvanceOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("shift a"), coverageTask("shift b"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)
	if len(coverage) != 2 {
		t.Fatalf("expected 2 coverage tasks, got %d", len(coverage))
	}

	commits := make([]int64, len(coverage))
	for i, c := range coverage {
		commit, err := e.ProposeCommitment(ctx, res.Project.ID, c.TaskID, "org-a", "")
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		commits[i] = commit.ID
	}

	errs := make(chan error, len(coverage))
	var wg sync.WaitGroup
	for i, c := range coverage {
		wg.Add(1)
		go func(taskID string, commitID int64) {
			defer wg.Done()
			_, err := e.AssignCommitment(ctx, res.Project.ID, taskID, commitID, "alice")
			errs <- err
		}(c.TaskID, commits[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	p, _ := e.Repo.GetProject(ctx, res.Project.ID)
	if p.Status != domain.ProjectPlanned {
		t.Fatalf("expected planned, got %s", p.Status)
	}
	evts, err := e.Repo.LatestEvents(ctx, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	planned := 0
	for _, evt := range evts {
		if evt.Type == "project.planned" {
			planned++
		}
	}
	if planned != 1 {
		t.Fatalf("racing assigns must advance the project exactly once, got %d project.planned events", planned)
	}
}

func TestTakeTaskSingleAssignment(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, localTask("prep roster"))
	taskID := res.LocalTasks[0].ID

	taken, err := e.TakeTask(ctx, res.Project.ID, itoa(taskID), "org-a")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken.Status != domain.TaskInProgress || taken.Assignee == nil || *taken.Assignee != "org-a" {
		t.Fatalf("unexpected task after take: %+v", taken)
	}

	_, err = e.TakeTask(ctx, res.Project.ID, itoa(taskID), "org-b")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second take must conflict, got %v", err)
	}

	stored, _ := e.Repo.GetTask(ctx, taskID)
	if *stored.Assignee != "org-a" {
		t.Fatalf("loser must not overwrite assignee")
	}
}

func TestConcurrentTakesHaveOneWinner(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, localTask("prep roster"))
	taskID := itoa(res.LocalTasks[0].ID)

	orgs := []string{"org-a", "org-b"}
	errs := make(chan error, len(orgs))
	var wg sync.WaitGroup
	for _, org := range orgs {
		wg.Add(1)
		go func(org string) {
			defer wg.Done()
			_, err := e.TakeTask(ctx, res.Project.ID, taskID, org)
			errs <- err
		}(org)
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("loser must see ConflictError, got %v", err)
			}
			conflicts++
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}

	stored, _ := e.Repo.GetTask(ctx, res.LocalTasks[0].ID)
	if stored.Assignee == nil || stored.Status != domain.TaskInProgress {
		t.Fatalf("winner's claim not recorded: %+v", stored)
	}
}

func TestTakeCoverageTaskIsWrongChannel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("cover ward 3"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)

	_, err := e.TakeTask(ctx, res.Project.ID, coverage[0].TaskID, "org-a")
	var wrong *WrongChannelError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected WrongChannel, got %v", err)
	}
}

func TestCompletionFlipsOnLastDone(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, localTask("prep roster"), coverageTask("cover ward 3"))
	projectID := res.Project.ID

	coverage, _ := e.ListCoverage(ctx, projectID)
	commit, err := e.ProposeCommitment(ctx, projectID, coverage[0].TaskID, "org-a", "")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := e.AssignCommitment(ctx, projectID, coverage[0].TaskID, commit.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	exec, err := e.ExecuteProject(ctx, projectID, "alice")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Project.Status != domain.ProjectExecuting {
		t.Fatalf("expected executing, got %s", exec.Project.Status)
	}
	if exec.Report != nil {
		t.Fatalf("unexpected execute failures: %+v", exec.Report)
	}
	if v, ok := mock.Variable(res.Submission.CaseID, "task_status_"+coverage[0].TaskID); !ok || v.String() != domain.TaskInProgress {
		t.Fatalf("external task not marked in progress")
	}

	localID := res.LocalTasks[0].ID
	if _, err := e.TakeTask(ctx, projectID, itoa(localID), "org-a"); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := e.MarkTaskDone(ctx, projectID, itoa(localID), "org-a"); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	p, _ := e.Repo.GetProject(ctx, projectID)
	if p.Status != domain.ProjectExecuting {
		t.Fatalf("project must not complete while coverage task is open, got %s", p.Status)
	}

	if _, err := e.MarkCommitmentDone(ctx, commit.ID, "org-a"); err != nil {
		t.Fatalf("commitment done: %v", err)
	}
	p, _ = e.Repo.GetProject(ctx, projectID)
	if p.Status != domain.ProjectComplete {
		t.Fatalf("last done must complete the project, got %s", p.Status)
	}

	again, err := e.CompleteProject(ctx, projectID, "alice")
	if err != nil {
		t.Fatalf("complete must be idempotent: %v", err)
	}
	if again.Status != domain.ProjectComplete {
		t.Fatalf("expected complete, got %s", again.Status)
	}
}

func TestCommitmentDoneIsStampedOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("cover ward 3"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)
	commit, err := e.ProposeCommitment(ctx, res.Project.ID, coverage[0].TaskID, "org-a", "")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := e.AssignCommitment(ctx, res.Project.ID, coverage[0].TaskID, commit.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	done, err := e.MarkCommitmentDone(ctx, commit.ID, "org-a")
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if done.DoneAt == nil {
		t.Fatalf("done marker not returned: %+v", done)
	}
	stored, _ := e.Repo.GetCommitment(ctx, commit.ID)
	if stored.DoneAt == nil || *stored.DoneAt != *done.DoneAt {
		t.Fatalf("done marker not persisted: %+v", stored)
	}
	if stored.Status != domain.CommitmentAssigned {
		t.Fatalf("done-ness must not change status, got %s", stored.Status)
	}

	_, err = e.MarkCommitmentDone(ctx, commit.ID, "org-a")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second mark done must conflict, got %v", err)
	}
}

func TestDroppedAuditEventIsLogged(t *testing.T) {
	e, _ := newTestEngine(t)

	var buf bytes.Buffer
	e.Logger = log.New(&buf, "", 0)
	e.DB.Close()

	e.appendEvent(context.Background(), "project.created", 1, "project", "1", "alice", nil)
	if !strings.Contains(buf.String(), "dropped") {
		t.Fatalf("expected a dropped-event warning, got %q", buf.String())
	}
}

func TestExecuteCollectsPerTaskFailures(t *testing.T) {
	e, mock := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("shift a"), coverageTask("shift b"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)
	for _, c := range coverage {
		commit, _ := e.ProposeCommitment(ctx, res.Project.ID, c.TaskID, "org-a", "")
		if _, err := e.AssignCommitment(ctx, res.Project.ID, c.TaskID, commit.ID, "alice"); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	broken := "task_status_" + coverage[0].TaskID
	mock.FailWriteVar = map[string]error{
		broken: &gateway.UnavailableError{Op: "write variable", Err: errors.New("flaky")},
	}

	exec, err := e.ExecuteProject(ctx, res.Project.ID, "alice")
	if err != nil {
		t.Fatalf("execute must not abort on per-task failure: %v", err)
	}
	if exec.Project.Status != domain.ProjectExecuting {
		t.Fatalf("local flip must commit, got %s", exec.Project.Status)
	}
	if exec.Report == nil || len(exec.Report.Failures) != 1 {
		t.Fatalf("expected one collected failure, got %+v", exec.Report)
	}
	if exec.Report.Failures[0].TaskID != coverage[0].TaskID {
		t.Fatalf("failure attributed to wrong task: %+v", exec.Report.Failures)
	}
	if v, ok := mock.Variable(res.Submission.CaseID, "task_status_"+coverage[1].TaskID); !ok || v.String() != domain.TaskInProgress {
		t.Fatalf("healthy task must still be marked")
	}
}

func TestEmptyProjectNeverCompletes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e)
	done, err := e.RecomputeCompletion(ctx, res.Project.ID, "alice")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if done {
		t.Fatalf("empty task union must not complete a project")
	}
	p, _ := e.Repo.GetProject(ctx, res.Project.ID)
	if p.Status != domain.ProjectDraft {
		t.Fatalf("expected draft, got %s", p.Status)
	}
}

func TestCompleteRequiresExecuting(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := createProject(t, e, coverageTask("cover ward 3"))
	coverage, _ := e.ListCoverage(ctx, res.Project.ID)
	commit, _ := e.ProposeCommitment(ctx, res.Project.ID, coverage[0].TaskID, "org-a", "")
	if _, err := e.AssignCommitment(ctx, res.Project.ID, coverage[0].TaskID, commit.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := e.CompleteProject(ctx, res.Project.ID, "alice")
	var invalid *InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateTransition from planned, got %v", err)
	}
	if invalid.From != domain.ProjectPlanned {
		t.Fatalf("expected from=planned, got %s", invalid.From)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
