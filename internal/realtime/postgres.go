package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel はタスク変更通知に使うPostgreSQLのチャネル名。
const NotifyChannel = "task_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresBus はLISTEN/NOTIFYでプロセス間に通知を配送するBus。
// 再接続時は通知を取りこぼした可能性があるため全購読者に通知する。
type PostgresBus struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *hub
	done     chan struct{}
	stopped  chan struct{}
}

// NewPostgresBus はdatabaseURLにLISTEN接続を張り、PostgresBusを生成する。
func NewPostgresBus(db *sql.DB, databaseURL string) (*PostgresBus, error) {
	b := &PostgresBus{
		db:      db,
		hub:     newHub(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	b.listener = pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect, b.onListenerEvent)
	if err := b.listener.Listen(NotifyChannel); err != nil {
		b.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go b.loop()
	return b, nil
}

func (b *PostgresBus) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		slog.Warn("realtime listener disconnected", slog.String("error", msg))
	case pq.ListenerEventReconnected:
		slog.Info("realtime listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		if err != nil {
			slog.Warn("realtime listener reconnect failed", slog.String("error", err.Error()))
		}
	}
}

func (b *PostgresBus) loop() {
	defer close(b.stopped)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// 再接続直後は取りこぼしを補うため全所有者に再同期させる
				b.hub.notifyAll()
				continue
			}
			b.hub.notify(n.Extra)
		case <-ticker.C:
			if err := b.listener.Ping(); err != nil {
				slog.Warn("realtime listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Publish はpg_notifyで全プロセスの購読者へ通知する。
func (b *PostgresBus) Publish(ctx context.Context, ownerID string) error {
	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, ownerID); err != nil {
		return fmt.Errorf("failed to notify task change: %w", err)
	}
	return nil
}

// Subscribe は所有者の変更通知を購読する。
func (b *PostgresBus) Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error) {
	return b.hub.subscribe(ctx, ownerID, nil)
}

// Close はLISTEN接続を閉じ、全購読をクローズする。
func (b *PostgresBus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	<-b.stopped
	b.hub.closeAll()
	return b.listener.Close()
}

// compile-time interface check
var _ Bus = (*PostgresBus)(nil)
