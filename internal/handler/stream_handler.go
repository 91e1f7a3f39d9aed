package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/realtime"
)

// TaskStreamer はタスク一覧のスナップショットを配信する。realtime.Streamerが満たす。
type TaskStreamer interface {
	Stream(ctx context.Context, ownerID string, sink realtime.Sink) error
}

// StreamHandler はタスク一覧をServer-Sent Eventsで配信するハンドラー。
type StreamHandler struct {
	streamer TaskStreamer
	sessions middleware.SessionFinder
}

// NewStreamHandler はStreamHandlerを生成する。
// sessionsが非nilのとき、ハートビートごとにセッションを再検証する。
func NewStreamHandler(streamer TaskStreamer, sessions middleware.SessionFinder) *StreamHandler {
	return &StreamHandler{streamer: streamer, sessions: sessions}
}

// StreamTasks は接続中、変更のたびにタスク一覧全体を送信する。
// セッションの有効期限が来るか、サインアウト等でセッションが消えた時点で
// UNAUTHORIZEDのerrorイベントを送って切断する。
// GET /api/tasks/stream
func (h *StreamHandler) StreamTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing")
		middleware.WriteInternalServerError(w)
		return
	}

	// サーバー全体のWriteTimeoutをこの接続だけ解除する
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not adjustable", slog.String("error", err.Error()))
	}

	ctx := r.Context()
	sess, hasSession := middleware.SessionFromContext(ctx)
	if hasSession {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, sess.ExpiresAt)
		defer cancel()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	if hasSession && h.sessions != nil {
		sink.revalidate = func() error { return h.revalidate(ctx, sess.ID) }
	}

	err := h.streamer.Stream(ctx, userID, sink)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && r.Context().Err() == nil {
		err = model.NewUnauthorizedError()
	}
	if err != nil {
		// ヘッダー送信済みのためエラーイベントで通知して切断する
		slog.Warn("task stream ended with error",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		sink.Error(err)
	}
}

// revalidate はセッションがまだ有効かを確認する。無効ならUNAUTHORIZEDを返す。
// ストアに届かない場合は配信を続け、次のハートビートで再確認する。
func (h *StreamHandler) revalidate(ctx context.Context, sessionID string) error {
	sess, err := h.sessions.FindByID(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to revalidate stream session", slog.String("error", err.Error()))
		return nil
	}
	if sess == nil {
		return model.NewUnauthorizedError()
	}
	return nil
}

// sseSink はrealtime.SinkをSSE形式で書き出す。
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	// revalidate はハートビートの前に呼ばれる。
	revalidate func() error
}

func (s *sseSink) Snapshot(tasks []model.Task) error {
	data, err := json.Marshal(toTaskListResponse(tasks))
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Heartbeat() error {
	if s.revalidate != nil {
		if err := s.revalidate(); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Error はストリームの失敗をerrorイベントで通知する。
func (s *sseSink) Error(err error) {
	code := model.CodeOf(err)
	if code == "" {
		code = model.ErrCodeStoreUnavailable
	}
	data, _ := json.Marshal(map[string]string{"code": code})
	if _, werr := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", data); werr == nil {
		s.flusher.Flush()
	}
}
