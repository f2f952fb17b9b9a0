package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Mock is an in-memory stand-in for the workflow engine. Each case
// walks a fixed sequence of human tasks; completing the current task
// readies the next one.
type Mock struct {
	mu     sync.Mutex
	nextID int
	cases  map[string]*mockCase

	// Stages each new case walks through. Defaults to a small intake
	// pipeline when empty.
	Stages []string

	// Failure injection.
	FailAuth       bool
	FailCreateCase error
	FailWriteVar   map[string]error // keyed by variable name
	FailComplete   error

	Assignments map[string]string // task id -> user id
}

type mockCase struct {
	variables map[string]Variable
	stages    []string
	stage     int
	taskSeq   int
}

func NewMock() *Mock {
	return &Mock{
		cases:       map[string]*mockCase{},
		Assignments: map[string]string{},
	}
}

func (m *Mock) stagesOrDefault() []string {
	if len(m.Stages) > 0 {
		return m.Stages
	}
	return []string{"intake", "review", "execution", "closeout"}
}

func (m *Mock) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	if m.FailAuth {
		return Session{}, &AuthError{Status: http.StatusUnauthorized, Message: "bad credentials"}
	}
	return Session{Token: "mock-token"}, nil
}

func (m *Mock) CreateCase(ctx context.Context, s Session, variables map[string]Variable) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateCase != nil {
		return "", m.FailCreateCase
	}
	m.nextID++
	id := fmt.Sprintf("case-%d", m.nextID)
	vars := map[string]Variable{}
	for name, v := range variables {
		vars[name] = v
	}
	m.cases[id] = &mockCase{variables: vars, stages: m.stagesOrDefault()}
	return id, nil
}

func (m *Mock) ListHumanTasks(ctx context.Context, s Session, caseID string) ([]HumanTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(caseID)
	if err != nil {
		return nil, err
	}
	if c.stage >= len(c.stages) {
		return nil, nil
	}
	return []HumanTask{{
		ID:    fmt.Sprintf("%s-task-%d", caseID, c.taskSeq),
		Name:  c.stages[c.stage],
		State: TaskStateReady,
	}}, nil
}

func (m *Mock) ReadCaseVariables(ctx context.Context, s Session, caseID string) (map[string]Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(caseID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Variable, len(c.variables))
	for name, v := range c.variables {
		out[name] = v
	}
	return out, nil
}

func (m *Mock) WriteCaseVariable(ctx context.Context, s Session, caseID, name string, v Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailWriteVar[name]; err != nil {
		return err
	}
	c, err := m.lookup(caseID)
	if err != nil {
		return err
	}
	c.variables[name] = v
	return nil
}

func (m *Mock) AssignTask(ctx context.Context, s Session, taskID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Assignments[taskID] = userID
	return nil
}

func (m *Mock) CompleteTask(ctx context.Context, s Session, taskID string, variables map[string]Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailComplete != nil {
		return m.FailComplete
	}
	c, _ := m.findTask(taskID)
	if c == nil {
		return &UnavailableError{Op: "complete task", Err: fmt.Errorf("unknown task %s", taskID)}
	}
	for name, v := range variables {
		c.variables[name] = v
	}
	c.stage++
	c.taskSeq++
	return nil
}

func (m *Mock) WaitReadyTask(ctx context.Context, s Session, caseID string) (HumanTask, error) {
	tasks, err := m.ListHumanTasks(ctx, s, caseID)
	if err != nil {
		return HumanTask{}, err
	}
	if len(tasks) == 0 {
		return HumanTask{}, &UnavailableError{Op: "wait for case task", Err: fmt.Errorf("case %s has no tasks", caseID)}
	}
	return tasks[0], nil
}

// StageName reports the stage the case currently sits at, for test
// assertions.
func (m *Mock) StageName(caseID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(caseID)
	if err != nil || c.stage >= len(c.stages) {
		return ""
	}
	return c.stages[c.stage]
}

// Variable returns a copy of one case variable, for test assertions.
func (m *Mock) Variable(caseID, name string) (Variable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(caseID)
	if err != nil {
		return Variable{}, false
	}
	v, ok := c.variables[name]
	return v, ok
}

func (m *Mock) lookup(caseID string) (*mockCase, error) {
	c, ok := m.cases[caseID]
	if !ok {
		return nil, &UnavailableError{Op: "lookup case", Err: fmt.Errorf("unknown case %s", caseID)}
	}
	return c, nil
}

func (m *Mock) findTask(taskID string) (*mockCase, string) {
	for id, c := range m.cases {
		if taskID == fmt.Sprintf("%s-task-%d", id, c.taskSeq) {
			return c, id
		}
	}
	return nil, ""
}
