package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/todosync/internal/model"
)

// DefaultHeartbeat はハートビート間隔の既定値。
const DefaultHeartbeat = 25 * time.Second

// Lister は所有者のタスク一覧を取得する。task.Serviceが満たす。
type Lister interface {
	List(ctx context.Context, ownerID string) ([]model.Task, error)
}

// Sink はスナップショットの送信先。
type Sink interface {
	Snapshot(tasks []model.Task) error
	Heartbeat() error
}

// StreamObserver は配信中のストリーム数を観測する。
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

// Streamer は変更通知ごとにタスク一覧の全量スナップショットを配信する。
type Streamer struct {
	bus       Bus
	lister    Lister
	heartbeat time.Duration
	observer  StreamObserver
}

// NewStreamer はStreamerを生成する。heartbeatが0以下の場合はDefaultHeartbeatを使用する。
func NewStreamer(bus Bus, lister Lister, heartbeat time.Duration, observer StreamObserver) *Streamer {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Streamer{bus: bus, lister: lister, heartbeat: heartbeat, observer: observer}
}

// Stream はctxが終了するまでsinkへスナップショットを送り続ける。
// 購読を確立してから最初の一覧を取得するため、その間の変更も取りこぼさない。
// ctxの終了またはBusのクローズではnilを返す。
func (s *Streamer) Stream(ctx context.Context, ownerID string, sink Sink) error {
	changes, cancel, err := s.bus.Subscribe(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to subscribe task changes: %w", err)
	}
	defer cancel()

	if s.observer != nil {
		s.observer.StreamOpened()
		defer s.observer.StreamClosed()
	}

	emit := func() error {
		tasks, err := s.lister.List(ctx, ownerID)
		if err != nil {
			return err
		}
		return sink.Snapshot(tasks)
	}

	if err := emit(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				slog.Info("task stream closed by bus", slog.String("user_id", ownerID))
				return nil
			}
			if err := emit(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
