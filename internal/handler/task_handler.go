package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todosync/internal/model"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
type TaskServiceInterface interface {
	List(ctx context.Context, ownerID string) ([]model.Task, error)
	Create(ctx context.Context, ownerID, text string) (*model.Task, error)
	SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) error
	UpdateText(ctx context.Context, ownerID, taskID, text string) error
	Delete(ctx context.Context, ownerID, taskID string) error
}

// TaskWriteRecorder はタスクの書き込みを記録する。metrics.Collectorが満たす。
type TaskWriteRecorder interface {
	RecordTaskWrite(op string)
}

// TaskHandler はタスク関連のHTTPハンドラー。
type TaskHandler struct {
	service  TaskServiceInterface
	recorder TaskWriteRecorder
}

// NewTaskHandler はTaskHandlerを生成する。recorderはnilでもよい。
func NewTaskHandler(service TaskServiceInterface, recorder TaskWriteRecorder) *TaskHandler {
	return &TaskHandler{service: service, recorder: recorder}
}

// taskResponse はタスクのAPIレスポンス。
type taskResponse struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

// taskListResponse はタスク一覧のAPIレスポンス。
type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

type createTaskRequest struct {
	Text string `json:"text"`
}

// updateTaskRequest は部分更新のリクエスト。指定されたフィールドのみ更新する。
type updateTaskRequest struct {
	Text      *string `json:"text"`
	Completed *bool   `json:"completed"`
}

func toTaskResponse(t model.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		Text:      t.Text,
		Completed: t.Completed,
		CreatedAt: t.CreatedAt,
	}
}

func toTaskListResponse(tasks []model.Task) taskListResponse {
	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	return taskListResponse{Tasks: items}
}

// ListTasks はログインユーザーのタスク一覧を返す。
// GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	tasks, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskListResponse(tasks))
}

// CreateTask はタスクを作成する。
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, taskCreateSchema, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	task, err := h.service.Create(r.Context(), userID, req.Text)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.record("create")

	writeJSON(w, http.StatusCreated, toTaskResponse(*task))
}

// UpdateTask はタスクの本文と完了状態を更新する。
// PATCH /api/tasks/{id}
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "id")

	var req updateTaskRequest
	if err := decodeJSON(r, taskUpdateSchema, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if req.Text != nil {
		if err := h.service.UpdateText(r.Context(), userID, taskID, *req.Text); err != nil {
			handleServiceError(w, err)
			return
		}
		h.record("update_text")
	}
	if req.Completed != nil {
		if err := h.service.SetCompleted(r.Context(), userID, taskID, *req.Completed); err != nil {
			handleServiceError(w, err)
			return
		}
		h.record("set_completed")
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteTask はタスクを削除する。存在しないタスクの削除も成功として扱う。
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	h.record("delete")

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) record(op string) {
	if h.recorder != nil {
		h.recorder.RecordTaskWrite(op)
	}
}
