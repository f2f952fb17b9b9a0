// Package gateway is the HTTP adapter for the external workflow engine.
// It is a pure I/O boundary: sessions are values threaded through every
// call and no business policy lives here.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Poll settings for WaitReadyTask. Zero PollMaxAttempts means the
	// poll is bounded by elapsed time only.
	PollInitialInterval time.Duration
	PollMaxElapsed      time.Duration
	PollMaxAttempts     int
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:             strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient:          &http.Client{Timeout: timeout},
		PollInitialInterval: 200 * time.Millisecond,
		PollMaxElapsed:      20 * time.Second,
	}
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is a value, not client state. Callers obtain one from
// Authenticate and pass it to every subsequent call.
type Session struct {
	Token string
}

type HumanTask struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

const TaskStateReady = "ready"

func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, Session{}, http.MethodPost, "/auth/login", creds, &out)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: out.Token}, nil
}

// CreateCase starts a new case and returns its id. The payload carries
// initial case variables; pass nil to start empty.
func (c *Client) CreateCase(ctx context.Context, s Session, variables map[string]Variable) (string, error) {
	in := struct {
		Variables map[string]wireVariable `json:"variables,omitempty"`
	}{Variables: encodeVariables(variables)}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, s, http.MethodPost, "/cases", in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &UnavailableError{Op: "create case", Err: fmt.Errorf("engine returned empty case id")}
	}
	return out.ID, nil
}

func (c *Client) ListHumanTasks(ctx context.Context, s Session, caseID string) ([]HumanTask, error) {
	var out struct {
		Tasks []HumanTask `json:"tasks"`
	}
	err := c.do(ctx, s, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/tasks", nil, &out)
	return out.Tasks, err
}

func (c *Client) ReadCaseVariables(ctx context.Context, s Session, caseID string) (map[string]Variable, error) {
	var out struct {
		Variables map[string]wireVariable `json:"variables"`
	}
	if err := c.do(ctx, s, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/variables", nil, &out); err != nil {
		return nil, err
	}
	return decodeVariables(out.Variables)
}

func (c *Client) WriteCaseVariable(ctx context.Context, s Session, caseID, name string, v Variable) error {
	path := "/cases/" + url.PathEscape(caseID) + "/variables/" + url.PathEscape(name)
	return c.do(ctx, s, http.MethodPut, path, v.wire(), nil)
}

func (c *Client) AssignTask(ctx context.Context, s Session, taskID, userID string) error {
	in := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	return c.do(ctx, s, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/assign", in, nil)
}

func (c *Client) CompleteTask(ctx context.Context, s Session, taskID string, variables map[string]Variable) error {
	in := struct {
		Variables map[string]wireVariable `json:"variables,omitempty"`
	}{Variables: encodeVariables(variables)}
	return c.do(ctx, s, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", in, nil)
}

// WaitReadyTask polls until the case exposes at least one human task,
// with bounded exponential backoff. It returns the first ready task,
// falling back to the first listed one when none reports ready.
func (c *Client) WaitReadyTask(ctx context.Context, s Session, caseID string) (HumanTask, error) {
	bo := backoff.NewExponentialBackOff()
	if c.PollInitialInterval > 0 {
		bo.InitialInterval = c.PollInitialInterval
	}
	if c.PollMaxElapsed > 0 {
		bo.MaxElapsedTime = c.PollMaxElapsed
	}

	var task HumanTask
	op := func() error {
		tasks, err := c.ListHumanTasks(ctx, s, caseID)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(tasks) == 0 {
			return fmt.Errorf("case %s has no tasks yet", caseID)
		}
		task = tasks[0]
		for _, t := range tasks {
			if t.State == TaskStateReady {
				task = t
				break
			}
		}
		return nil
	}
	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if c.PollMaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.PollMaxAttempts-1))
	}
	if err := backoff.Retry(op, policy); err != nil {
		return HumanTask{}, &UnavailableError{Op: "wait for case task", Err: err}
	}
	return task, nil
}

func (c *Client) do(ctx context.Context, s Session, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return &UnavailableError{Op: method + " " + path, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &AuthError{Status: res.StatusCode, Message: strings.TrimSpace(string(excerpt))}
	case res.StatusCode < 200 || res.StatusCode >= 300:
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &UnavailableError{
			Op:  method + " " + path,
			Err: fmt.Errorf("engine http status %d: %s", res.StatusCode, string(excerpt)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &UnavailableError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
