package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

type mockDeleter struct {
	calls   int
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteExpired(ctx context.Context) (int64, error) {
	m.calls++
	return m.deleted, m.err
}

type recordingRecorder struct {
	counts []int64
}

func (r *recordingRecorder) RecordSessionsCleaned(count int64) {
	r.counts = append(r.counts, count)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogField はJSONログの各行からkeyを持つ最初の値を返す。
func findLogField(buf *bytes.Buffer, key string) (interface{}, bool) {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestCleanupJob_Run_DeletesExpiredSessions(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockDeleter{deleted: 5}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}
	if mock.calls != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1", mock.calls)
	}
}

func TestCleanupJob_Run_RecordsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	rec := &recordingRecorder{}
	job := NewCleanupJob(&mockDeleter{deleted: 42}, newTestLogger(&buf), rec)

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(rec.counts) != 1 || rec.counts[0] != 42 {
		t.Errorf("recorded = %v, want [42]", rec.counts)
	}
	if v, ok := findLogField(&buf, "deleted_count"); !ok || v != float64(42) {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
	if _, ok := findLogField(&buf, "duration_ms"); !ok {
		t.Errorf("ログに duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := &recordingRecorder{}
	job := NewCleanupJob(&mockDeleter{err: sql.ErrConnDone}, newTestLogger(&buf), rec)

	_, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
	if len(rec.counts) != 0 {
		t.Errorf("失敗時は記録しない: %v", rec.counts)
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{}, newTestLogger(&buf), nil)

	for i := 0; i < 2; i++ {
		if _, err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if v, ok := findLogField(&buf, "deleted_count"); !ok || v != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

func TestNewScheduler_RejectsInvalidSchedule(t *testing.T) {
	job := NewCleanupJob(&mockDeleter{}, slog.Default(), nil)

	if _, err := NewScheduler(job, "every now and then", nil); err == nil {
		t.Fatal("不正なスケジュールはエラーになるべき")
	}
}

func TestScheduler_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockDeleter{deleted: 1}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	s, err := NewScheduler(job, "@hourly", newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	if mock.calls != 1 {
		t.Errorf("起動時に1回実行されるべき: calls = %d", mock.calls)
	}
}
