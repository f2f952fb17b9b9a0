package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"casebridge/internal/config"
	"casebridge/internal/db"
	"casebridge/internal/engine"
	"casebridge/internal/gateway"
	"casebridge/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, *gateway.Mock) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mock := gateway.NewMock()
	e := engine.New(conn, config.Default(), mock)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyOrgHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv, mock
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asOrg(org string) map[string]string {
	return map[string]string{"X-Org-Id": org}
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
}

func TestCreateProjectEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "night shift coverage",
		"tasks": []map[string]any{
			{"title": "prep roster"},
			{"title": "cover ward 3", "is_coverage_request": true},
		},
	}, asOrg("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}

	var out CreateProjectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Project.Status != "draft" {
		t.Fatalf("expected draft, got %s", out.Project.Status)
	}
	if len(out.LocalTasks) != 1 {
		t.Fatalf("expected 1 local task, got %d", len(out.LocalTasks))
	}
	if !out.Submission.Submitted || out.Submission.CaseID == "" {
		t.Fatalf("expected submitted case, got %+v", out.Submission)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/coverage", srv.URL, out.Project.ID), nil, asOrg("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, data)
	}
	var coverage []CoverageTaskResponse
	if err := json.Unmarshal(data, &coverage); err != nil {
		t.Fatalf("decode coverage: %v", err)
	}
	if len(coverage) != 1 || coverage[0].Status != "todo" {
		t.Fatalf("unexpected coverage view: %+v", coverage)
	}
}

func TestTakeConflictOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":  "night shift coverage",
		"tasks": []map[string]any{{"title": "prep roster"}},
	}, asOrg("alice"))
	var out CreateProjectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	takeURL := fmt.Sprintf("%s/v0/projects/%d/tasks/%d/take", srv.URL, out.Project.ID, out.LocalTasks[0].ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, takeURL, map[string]any{}, asOrg("org-a"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first take: expected 200, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, takeURL, map[string]any{}, asOrg("org-b"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second take: expected 409, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
}

func TestTakeCoverageTaskRejectedOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":  "night shift coverage",
		"tasks": []map[string]any{{"title": "cover ward 3", "is_coverage_request": true}},
	}, asOrg("alice"))
	var out CreateProjectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/coverage", srv.URL, out.Project.ID), nil, asOrg("alice"))
	var coverage []CoverageTaskResponse
	if err := json.Unmarshal(data, &coverage); err != nil {
		t.Fatalf("decode coverage: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/tasks/%s/take", srv.URL, out.Project.ID, coverage[0].TaskID),
		map[string]any{}, asOrg("org-a"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "wrong_channel" {
		t.Fatalf("expected wrong_channel code, got %q", envelope.Error.Code)
	}
}

func TestExecuteBeforePlannedConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":  "night shift coverage",
		"tasks": []map[string]any{{"title": "cover ward 3", "is_coverage_request": true}},
	}, asOrg("alice"))
	var out CreateProjectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/execute", srv.URL, out.Project.ID), nil, asOrg("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state_transition" {
		t.Fatalf("expected invalid_state_transition, got %q", envelope.Error.Code)
	}
}

func TestCommitmentFlowOverHTTP(t *testing.T) {
	srv, mock := newTestServer(t)

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":  "night shift coverage",
		"tasks": []map[string]any{{"title": "cover ward 3", "is_coverage_request": true}},
	}, asOrg("alice"))
	var out CreateProjectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/coverage", srv.URL, out.Project.ID), nil, asOrg("alice"))
	var coverage []CoverageTaskResponse
	if err := json.Unmarshal(data, &coverage); err != nil {
		t.Fatalf("decode coverage: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/coverage/%s/commitments", srv.URL, out.Project.ID, coverage[0].TaskID),
		map[string]any{"description": "we can cover this"}, asOrg("org-a"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d: %s", res.StatusCode, data)
	}
	var commitment CommitmentResponse
	if err := json.Unmarshal(data, &commitment); err != nil {
		t.Fatalf("decode commitment: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/coverage/%s/commitments/%d/assign", srv.URL, out.Project.ID, coverage[0].TaskID, commitment.ID),
		nil, asOrg("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d", srv.URL, out.Project.ID), nil, asOrg("alice"))
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if p.Status != "planned" {
		t.Fatalf("expected planned after last assignment, got %s", p.Status)
	}
	if mock.Assignments[coverage[0].TaskID] != "org-a" {
		t.Fatalf("external assignment missing: %+v", mock.Assignments)
	}
}
