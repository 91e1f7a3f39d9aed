package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/tasksync"
)

// TaskStore はAPIサーバーのタスクエンドポイントをtasksync.Storeとして扱う。
// 所有者はセッションCookieからサーバー側で決まる。
type TaskStore struct {
	c *Client
}

var _ tasksync.Store = (*TaskStore)(nil)

// NewTaskStore はTaskStoreを生成する。
func NewTaskStore(c *Client) *TaskStore {
	return &TaskStore{c: c}
}

type taskResponse struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

type createTaskRequest struct {
	Text string `json:"text"`
}

type updateTaskRequest struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// Add はタスクを作成し、サーバーが割り当てたIDを返す。
func (s *TaskStore) Add(ctx context.Context, ownerID, text string) (string, error) {
	var task taskResponse
	if err := s.c.do(ctx, http.MethodPost, "/api/tasks", createTaskRequest{Text: text}, &task); err != nil {
		return "", storeError(err)
	}
	return task.ID, nil
}

// SetCompleted は完了状態を書き込む。
func (s *TaskStore) SetCompleted(ctx context.Context, taskID string, completed bool) error {
	return s.patch(ctx, taskID, updateTaskRequest{Completed: &completed})
}

// SetText は本文を書き込む。
func (s *TaskStore) SetText(ctx context.Context, taskID, text string) error {
	return s.patch(ctx, taskID, updateTaskRequest{Text: &text})
}

func (s *TaskStore) patch(ctx context.Context, taskID string, req updateTaskRequest) error {
	if err := s.c.do(ctx, http.MethodPatch, taskPath(taskID), req, nil); err != nil {
		return storeError(err)
	}
	return nil
}

// Delete はタスクを削除する。
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	if err := s.c.do(ctx, http.MethodDelete, taskPath(taskID), nil, nil); err != nil {
		return storeError(err)
	}
	return nil
}

func taskPath(taskID string) string {
	return "/api/tasks/" + url.PathEscape(taskID)
}

// Watch はServer-Sent Eventsのタスクストリームを開く。
func (s *TaskStore) Watch(ctx context.Context, ownerID string) (tasksync.SnapshotStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.endpoint("/api/tasks/stream"), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.c.http.Do(req)
	if err != nil {
		cancel()
		return nil, storeError(&transportError{err: err})
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		apiErr := decodeAPIError(resp)
		if apiErr.Code == model.ErrCodeUnauthorized {
			s.c.unauthorized()
		}
		return nil, storeError(apiErr)
	}

	return &eventStream{
		ownerID: ownerID,
		body:    resp.Body,
		r:       bufio.NewReader(resp.Body),
		cancel:  cancel,

		unauthorized: s.c.unauthorized,
	}, nil
}

// eventStream はSSEのsnapshotイベントを1件ずつ読み出す。
type eventStream struct {
	ownerID string
	body    io.ReadCloser
	r       *bufio.Reader
	cancel  context.CancelFunc
	once    sync.Once
	// unauthorized はセッション失効のerrorイベントを受けたときに呼ばれる。
	unauthorized func()
}

// Next は次のsnapshotイベントを返す。コメント行（ハートビート）は読み飛ばす。
// errorイベントはそのコードのAPIErrorとして返す。
func (e *eventStream) Next() ([]model.Task, error) {
	var event string
	var data strings.Builder

	for {
		line, err := e.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 && event == "" {
				continue
			}
			tasks, err := e.dispatch(event, data.String())
			if tasks != nil || err != nil {
				return tasks, err
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
	}
}

// dispatch はイベント1件を解釈する。未知のイベントは(nil, nil)を返して読み飛ばさせる。
func (e *eventStream) dispatch(event, data string) ([]model.Task, error) {
	switch event {
	case "snapshot":
		var list taskListResponse
		if err := json.Unmarshal([]byte(data), &list); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		tasks := make([]model.Task, 0, len(list.Tasks))
		for _, t := range list.Tasks {
			tasks = append(tasks, model.Task{
				ID:        t.ID,
				OwnerID:   e.ownerID,
				Text:      t.Text,
				Completed: t.Completed,
				CreatedAt: t.CreatedAt,
			})
		}
		return tasks, nil
	case "error":
		var body struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal([]byte(data), &body); err != nil || body.Code == "" {
			return nil, model.NewStoreUnavailableError()
		}
		if body.Code == model.ErrCodeUnauthorized && e.unauthorized != nil {
			e.unauthorized()
		}
		return nil, &model.APIError{Code: body.Code, Message: "task stream failed", Category: "task"}
	default:
		return nil, nil
	}
}

// Close はストリームを閉じる。2回目以降は何もしない。
func (e *eventStream) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		err = e.body.Close()
	})
	return err
}

// storeError は通信失敗をSTORE_UNAVAILABLEにする。
func storeError(err error) error {
	if isTransportError(err) {
		return errors.Join(model.NewStoreUnavailableError(), err)
	}
	return err
}
