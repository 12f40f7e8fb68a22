package ui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"task-client/auth"
	"task-client/domain"
	"task-client/export"
	"task-client/notice"
	"task-client/reconcile"
	"task-client/stream"
	"task-client/taskstore"
)

type stubTasks struct {
	store  *taskstore.Store
	err    error
	calls  []string
	fields domain.Fields
	view   domain.View
}

func (s *stubTasks) Store() *taskstore.Store { return s.store }

func (s *stubTasks) SetView(ctx context.Context, view domain.View) error {
	s.view = view
	s.calls = append(s.calls, "view:"+string(view))
	return s.err
}

func (s *stubTasks) ToggleDone(ctx context.Context, key string) error {
	s.calls = append(s.calls, "toggle:"+key)
	return s.err
}

func (s *stubTasks) UpdateFields(ctx context.Context, key string, fields domain.Fields) error {
	s.fields = fields
	s.calls = append(s.calls, "update:"+key)
	return s.err
}

func (s *stubTasks) Reorder(ctx context.Context, draggedKey, targetKey string) error {
	s.calls = append(s.calls, "reorder:"+draggedKey+">"+targetKey)
	return s.err
}

func (s *stubTasks) MoveLeft(ctx context.Context, key string) error {
	s.calls = append(s.calls, "left:"+key)
	return s.err
}

func (s *stubTasks) MoveRight(ctx context.Context, key string) error {
	s.calls = append(s.calls, "right:"+key)
	return s.err
}

type stubChannel struct {
	state stream.State
	calls []string
}

func (s *stubChannel) State() stream.State { return s.state }
func (s *stubChannel) Attempts() int       { return 2 }
func (s *stubChannel) Foreground()         { s.calls = append(s.calls, "foreground") }
func (s *stubChannel) Online()             { s.calls = append(s.calls, "online") }
func (s *stubChannel) Offline()            { s.calls = append(s.calls, "offline") }

type stubExports struct {
	job         *domain.ExportJob
	startErr    error
	downloadErr error
}

func (s *stubExports) Start(ctx context.Context, view domain.View) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.job = &domain.ExportJob{JobID: "job-" + string(view), Status: domain.ExportPending}
	return s.job.JobID, nil
}

func (s *stubExports) Current() (domain.ExportJob, bool) {
	if s.job == nil {
		return domain.ExportJob{}, false
	}
	return *s.job, true
}

func (s *stubExports) Exporting() bool { return s.job != nil && !s.job.Status.Terminal() }

func (s *stubExports) Download(ctx context.Context) (string, error) {
	if s.downloadErr != nil {
		return "", s.downloadErr
	}
	return "/downloads/tasks_export_" + s.job.JobID + ".csv", nil
}

type harness struct {
	e       *echo.Echo
	tasks   *stubTasks
	channel *stubChannel
	board   *notice.Board
	exports *stubExports
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := taskstore.New(domain.ViewOpen, logger)
	store.ApplyServerList([]domain.Task{
		{ID: "A", Title: "A", OrderIndex: 0, Description: `<b>ok</b><script>alert(1)</script>`},
		{ID: "B", Title: "B", OrderIndex: 1},
	})
	h := &harness{
		e:       echo.New(),
		tasks:   &stubTasks{store: store},
		channel: &stubChannel{state: stream.Open},
		board:   notice.NewBoard(10, 0, logger),
		exports: &stubExports{},
	}
	Register(h.e, Deps{Tasks: h.tasks, Channel: h.channel, Notices: h.board, Exports: h.exports}, logger)
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func TestGetTasksSanitizesDescriptions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp tasksResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.View != domain.ViewOpen || resp.Count != 2 || resp.Tasks[0].ID != "A" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if desc := resp.Tasks[0].Description; strings.Contains(desc, "script") || !strings.Contains(desc, "<b>ok</b>") {
		t.Fatalf("description not sanitized: %q", desc)
	}
	if stored, _ := h.tasks.store.Find("A"); !strings.Contains(stored.Description, "script") {
		t.Fatalf("sanitizing must not modify the store")
	}
}

func TestIntentRoutes(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		method, path, body, call string
	}{
		{http.MethodPost, "/tasks/A/toggle", "", "toggle:A"},
		{http.MethodPost, "/tasks/reorder", `{"draggedId":"A","targetId":"B"}`, "reorder:A>B"},
		{http.MethodPost, "/tasks/B/move", `{"direction":"left"}`, "left:B"},
		{http.MethodPost, "/tasks/A/move", `{"direction":"RIGHT"}`, "right:A"},
		{http.MethodPatch, "/tasks/A", `{"title":"New","priority":"high"}`, "update:A"},
		{http.MethodPut, "/view", `{"status":"done"}`, "view:done"},
	}
	for _, tc := range cases {
		rec := h.do(tc.method, tc.path, tc.body)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s %s: expected 204, got %d (%s)", tc.method, tc.path, rec.Code, rec.Body.String())
		}
		if got := h.tasks.calls[len(h.tasks.calls)-1]; got != tc.call {
			t.Fatalf("%s %s: expected call %q, got %q", tc.method, tc.path, tc.call, got)
		}
	}
	if h.tasks.fields.Title != "New" || h.tasks.fields.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected fields: %+v", h.tasks.fields)
	}
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		method, path, body string
	}{
		{http.MethodPut, "/view", `{"status":"archived"}`},
		{http.MethodPut, "/view", `not json`},
		{http.MethodPost, "/tasks/reorder", `{"draggedId":"A"}`},
		{http.MethodPost, "/tasks/A/move", `{"direction":"up"}`},
		{http.MethodPatch, "/tasks/A", `[`},
	}
	for _, tc := range cases {
		if rec := h.do(tc.method, tc.path, tc.body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s %s: expected 400, got %d", tc.method, tc.path, tc.body, rec.Code)
		}
	}
	if len(h.tasks.calls) != 0 {
		t.Fatalf("bad requests must not reach the controller: %v", h.tasks.calls)
	}
}

func TestIntentErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&reconcile.RollbackError{Intent: "toggle", Err: errors.New("boom")}, http.StatusConflict},
		{&reconcile.RollbackError{Intent: "toggle", Err: fmt.Errorf("send: %w", auth.ErrUnauthenticated)}, http.StatusUnauthorized},
		{reconcile.ErrUnknownTask, http.StatusNotFound},
		{fmt.Errorf("%w: title", reconcile.ErrInvalidFields), http.StatusBadRequest},
		{reconcile.ErrNotPersisted, http.StatusBadRequest},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.tasks.err = tc.err
		if rec := h.do(http.MethodPost, "/tasks/A/toggle", ""); rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestNoticeRoutes(t *testing.T) {
	h := newHarness(t)
	notice.Errorf(h.board, "Failed to reorder tasks. Please try again.")

	rec := h.do(http.MethodGet, "/notices", "")
	var list []notice.Notice
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected notices %s (%v)", rec.Body.String(), err)
	}

	if rec := h.do(http.MethodDelete, "/notices/"+list[0].ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := h.do(http.MethodDelete, "/notices/"+list[0].ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a dismissed notice, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/notices", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestLifecycleRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/stream/state", "")
	var state streamStateResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &state); err != nil || state.State != stream.Open || state.Attempts != 2 {
		t.Fatalf("unexpected state %s (%v)", rec.Body.String(), err)
	}

	h.do(http.MethodPost, "/lifecycle/visibility", `{"visible":false}`)
	h.do(http.MethodPost, "/lifecycle/visibility", `{"visible":true}`)
	h.do(http.MethodPost, "/lifecycle/network", `{"online":false}`)
	h.do(http.MethodPost, "/lifecycle/network", `{"online":true}`)

	want := []string{"foreground", "offline", "online"}
	if fmt.Sprint(h.channel.calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, h.channel.calls)
	}
}

func TestExportRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/exports", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp exportResponse
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Job == nil || resp.Job.JobID != "job-open" || !resp.Exporting {
		t.Fatalf("unexpected export response %s (%v)", rec.Body.String(), err)
	}

	h.exports.downloadErr = export.ErrNotReady
	if rec := h.do(http.MethodPost, "/exports/download", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before completion, got %d", rec.Code)
	}

	h.exports.job.Status = domain.ExportCompleted
	h.exports.downloadErr = nil
	rec = h.do(http.MethodPost, "/exports/download", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tasks_export_job-open.csv") {
		t.Fatalf("unexpected download response %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodGet, "/exports/current", "")
	if !strings.Contains(rec.Body.String(), `"exporting":false`) {
		t.Fatalf("unexpected current export %s", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
