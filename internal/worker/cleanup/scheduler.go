package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// runTimeout は1回のジョブ実行に許す最大時間。
const runTimeout = time.Minute

// Job はスケジューラから実行されるジョブ。
type Job interface {
	Run(ctx context.Context) (int64, error)
}

// Scheduler はcron式に従ってジョブを実行する。
type Scheduler struct {
	job    Job
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler はscheduleを検証してSchedulerを生成する。
// scheduleは標準の5フィールド形式か"@hourly"などの記述子を受け付ける。
func NewScheduler(job Job, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		job:    job,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start はジョブを1回実行した後、スケジュールに従った実行を開始する。
// ctxがキャンセルされるまでブロックし、実行中のジョブの完了を待って戻る。
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce()

	s.cron.Start()
	s.logger.Info("クリーンアップスケジューラを開始しました")

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("クリーンアップスケジューラを停止しました")
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	// エラーはジョブ側でログ出力済み。次回のスケジュールで再試行する。
	_, _ = s.job.Run(ctx)
}
