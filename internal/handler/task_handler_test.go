package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
)

// mockTaskService はテスト用のTaskServiceInterfaceモック。
type mockTaskService struct {
	listFn         func(ctx context.Context, ownerID string) ([]model.Task, error)
	createFn       func(ctx context.Context, ownerID, text string) (*model.Task, error)
	setCompletedFn func(ctx context.Context, ownerID, taskID string, completed bool) error
	updateTextFn   func(ctx context.Context, ownerID, taskID, text string) error
	deleteFn       func(ctx context.Context, ownerID, taskID string) error
}

func (m *mockTaskService) List(ctx context.Context, ownerID string) ([]model.Task, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID)
	}
	return []model.Task{}, nil
}

func (m *mockTaskService) Create(ctx context.Context, ownerID, text string) (*model.Task, error) {
	if m.createFn != nil {
		return m.createFn(ctx, ownerID, text)
	}
	return &model.Task{ID: "task-new", OwnerID: ownerID, Text: text, CreatedAt: time.Now()}, nil
}

func (m *mockTaskService) SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) error {
	if m.setCompletedFn != nil {
		return m.setCompletedFn(ctx, ownerID, taskID, completed)
	}
	return nil
}

func (m *mockTaskService) UpdateText(ctx context.Context, ownerID, taskID, text string) error {
	if m.updateTextFn != nil {
		return m.updateTextFn(ctx, ownerID, taskID, text)
	}
	return nil
}

func (m *mockTaskService) Delete(ctx context.Context, ownerID, taskID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ownerID, taskID)
	}
	return nil
}

// recordingWrites はTaskWriteRecorderのテスト実装。
type recordingWrites struct {
	ops []string
}

func (r *recordingWrites) RecordTaskWrite(op string) {
	r.ops = append(r.ops, op)
}

// newTaskTestRouter はユーザーIDをコンテキストに入れた状態でタスクハンドラーを呼び出すルーターを返す。
func newTaskTestRouter(h *TaskHandler, userID string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if userID != "" {
				req = req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/tasks", h.ListTasks)
	r.Post("/api/tasks", h.CreateTask)
	r.Patch("/api/tasks/{id}", h.UpdateTask)
	r.Delete("/api/tasks/{id}", h.DeleteTask)
	return r
}

func serveTask(router http.Handler, method, path, body string) *http.Response {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Result()
}

// TestTaskHandler_ListTasks_ReturnsOwnerTasks はログインユーザーのタスク一覧を返すことを検証する。
func TestTaskHandler_ListTasks_ReturnsOwnerTasks(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotOwner string
	h := NewTaskHandler(&mockTaskService{
		listFn: func(ctx context.Context, ownerID string) ([]model.Task, error) {
			gotOwner = ownerID
			return []model.Task{
				{ID: "t2", OwnerID: ownerID, Text: "second", Completed: true, CreatedAt: created},
				{ID: "t1", OwnerID: ownerID, Text: "first", CreatedAt: created.Add(-time.Hour)},
			}, nil
		},
	}, nil)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodGet, "/api/tasks", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotOwner != "user-1" {
		t.Errorf("owner = %q, want user-1", gotOwner)
	}

	var body taskListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(body.Tasks))
	}
	if body.Tasks[0].ID != "t2" || !body.Tasks[0].Completed {
		t.Errorf("tasks[0] = %+v", body.Tasks[0])
	}
	if !body.Tasks[0].CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", body.Tasks[0].CreatedAt, created)
	}
}

// TestTaskHandler_ListTasks_EmptyIsArray は空の一覧がnullではなく[]になることを検証する。
func TestTaskHandler_ListTasks_EmptyIsArray(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{
		listFn: func(ctx context.Context, ownerID string) ([]model.Task, error) {
			return nil, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	w := httptest.NewRecorder()
	newTaskTestRouter(h, "user-1").ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), `"tasks":[]`) {
		t.Errorf("body = %s, want empty array", w.Body.String())
	}
}

// TestTaskHandler_NoUser_ReturnsUnauthorized はコンテキストにユーザーがない場合401を返すことを検証する。
func TestTaskHandler_NoUser_ReturnsUnauthorized(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{}, nil)
	router := newTaskTestRouter(h, "")

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/tasks", ""},
		{http.MethodPost, "/api/tasks", `{"text":"x"}`},
		{http.MethodPatch, "/api/tasks/t1", `{"completed":true}`},
		{http.MethodDelete, "/api/tasks/t1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := serveTask(router, tt.method, tt.path, tt.body)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

// TestTaskHandler_CreateTask_Success は作成したタスクを201で返すことを検証する。
func TestTaskHandler_CreateTask_Success(t *testing.T) {
	rec := &recordingWrites{}
	var gotText string
	h := NewTaskHandler(&mockTaskService{
		createFn: func(ctx context.Context, ownerID, text string) (*model.Task, error) {
			gotText = text
			return &model.Task{ID: "task-1", OwnerID: ownerID, Text: "buy milk"}, nil
		},
	}, rec)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPost, "/api/tasks", `{"text":"  buy milk "}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if gotText != "  buy milk " {
		t.Errorf("text passed to service = %q", gotText)
	}

	var task taskResponse
	json.NewDecoder(resp.Body).Decode(&task)
	if task.ID != "task-1" || task.Text != "buy milk" || task.Completed {
		t.Errorf("task = %+v", task)
	}
	if len(rec.ops) != 1 || rec.ops[0] != "create" {
		t.Errorf("recorded ops = %v", rec.ops)
	}
}

// TestTaskHandler_CreateTask_EmptyText はEMPTY_TEXTが400になることを検証する。
func TestTaskHandler_CreateTask_EmptyText(t *testing.T) {
	rec := &recordingWrites{}
	h := NewTaskHandler(&mockTaskService{
		createFn: func(ctx context.Context, ownerID, text string) (*model.Task, error) {
			return nil, model.NewEmptyTextError()
		},
	}, rec)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPost, "/api/tasks", `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := decodeAPIError(t, resp); got.Code != model.ErrCodeEmptyText {
		t.Errorf("code = %q, want %q", got.Code, model.ErrCodeEmptyText)
	}
	if len(rec.ops) != 0 {
		t.Errorf("failed writes should not be recorded: %v", rec.ops)
	}
}

// TestTaskHandler_CreateTask_InvalidBody はスキーマ違反で400を返すことを検証する。
func TestTaskHandler_CreateTask_InvalidBody(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{
		createFn: func(ctx context.Context, ownerID, text string) (*model.Task, error) {
			t.Error("service should not be called")
			return nil, nil
		},
	}, nil)

	for _, body := range []string{`{}`, `{"text":1}`, `{"text":"a","owner":"x"}`} {
		resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPost, "/api/tasks", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, resp.StatusCode, http.StatusBadRequest)
		}
	}
}

// TestTaskHandler_UpdateTask_Fields は指定されたフィールドのみ更新することを検証する。
func TestTaskHandler_UpdateTask_Fields(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantText     bool
		wantComplete bool
	}{
		{"completed only", `{"completed":true}`, false, true},
		{"text only", `{"text":"renamed"}`, true, false},
		{"both", `{"text":"renamed","completed":false}`, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var textCalled, completeCalled bool
			h := NewTaskHandler(&mockTaskService{
				updateTextFn: func(ctx context.Context, ownerID, taskID, text string) error {
					textCalled = true
					if taskID != "task-9" || text != "renamed" {
						t.Errorf("UpdateText(%q, %q)", taskID, text)
					}
					return nil
				},
				setCompletedFn: func(ctx context.Context, ownerID, taskID string, completed bool) error {
					completeCalled = true
					if taskID != "task-9" {
						t.Errorf("SetCompleted taskID = %q", taskID)
					}
					return nil
				},
			}, nil)

			resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPatch, "/api/tasks/task-9", tt.body)
			if resp.StatusCode != http.StatusNoContent {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
			}
			if textCalled != tt.wantText {
				t.Errorf("UpdateText called = %v, want %v", textCalled, tt.wantText)
			}
			if completeCalled != tt.wantComplete {
				t.Errorf("SetCompleted called = %v, want %v", completeCalled, tt.wantComplete)
			}
		})
	}
}

// TestTaskHandler_UpdateTask_EmptyBody は更新内容のないPATCHを400にすることを検証する。
func TestTaskHandler_UpdateTask_EmptyBody(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{}, nil)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPatch, "/api/tasks/t1", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// TestTaskHandler_UpdateTask_ErrorMapping はサービスエラーのHTTPステータス変換を検証する。
func TestTaskHandler_UpdateTask_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"other owner", model.NewPermissionDeniedError(), http.StatusForbidden},
		{"missing", model.NewTaskNotFoundError("t1"), http.StatusNotFound},
		{"store", model.NewStoreUnavailableError(), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTaskHandler(&mockTaskService{
				setCompletedFn: func(ctx context.Context, ownerID, taskID string, completed bool) error {
					return tt.err
				},
			}, nil)

			resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodPatch, "/api/tasks/t1", `{"completed":true}`)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

// TestTaskHandler_DeleteTask_Success は削除が204を返し記録されることを検証する。
func TestTaskHandler_DeleteTask_Success(t *testing.T) {
	rec := &recordingWrites{}
	var gotID string
	h := NewTaskHandler(&mockTaskService{
		deleteFn: func(ctx context.Context, ownerID, taskID string) error {
			gotID = taskID
			return nil
		},
	}, rec)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodDelete, "/api/tasks/task-3", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if gotID != "task-3" {
		t.Errorf("taskID = %q, want task-3", gotID)
	}
	if len(rec.ops) != 1 || rec.ops[0] != "delete" {
		t.Errorf("recorded ops = %v", rec.ops)
	}
}

// TestTaskHandler_DeleteTask_PermissionDenied は他ユーザーのタスク削除が403になることを検証する。
func TestTaskHandler_DeleteTask_PermissionDenied(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{
		deleteFn: func(ctx context.Context, ownerID, taskID string) error {
			return model.NewPermissionDeniedError()
		},
	}, nil)

	resp := serveTask(newTaskTestRouter(h, "user-1"), http.MethodDelete, "/api/tasks/task-3", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
