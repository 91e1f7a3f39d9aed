// Package tui はタスク一覧のターミナルクライアントを提供する。
//
// 画面はセッション状態からアクセスガードが選び、セッションの変化と
// タスク一覧のスナップショットはチャネル経由でメッセージとして届く。
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hitoshi/todosync/internal/client"
	"github.com/hitoshi/todosync/internal/config"
	"github.com/hitoshi/todosync/internal/guard"
	"github.com/hitoshi/todosync/internal/session"
	"github.com/hitoshi/todosync/internal/tasksync"
)

// Run はサーバーに接続してターミナルクライアントを起動し、終了するまでブロックする。
func Run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	if !IsTTY(os.Stdout) {
		return fmt.Errorf("tui requires a TTY")
	}

	c, err := client.New(client.Options{
		ServerURL:   cfg.ServerURL,
		SessionFile: cfg.SessionFile,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	store := session.NewStore(client.NewAuthProvider(c, client.OpenBrowser), session.Options{
		ReportFederatedCancel: map[session.Flow]bool{
			session.FlowLogin:    cfg.Federated.LoginCancelIsError,
			session.FlowRegister: cfg.Federated.RegisterCancelIsError,
		},
		Backoff: tasksync.Backoff{Initial: cfg.Sync.InitialBackoff, Max: cfg.Sync.MaxBackoff},
		Logger:  logger,
	})
	syncer := tasksync.New(client.NewTaskStore(c), tasksync.Options{
		Backoff: tasksync.Backoff{Initial: cfg.Sync.InitialBackoff, Max: cfg.Sync.MaxBackoff},
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessions := make(chan session.State, 16)
	snapshots := make(chan tasksync.Snapshot, 16)
	errs := make(chan error, 1)

	stopListen := syncer.Listen(func(snap tasksync.Snapshot) {
		select {
		case snapshots <- snap:
		case <-ctx.Done():
		}
	})
	defer stopListen()

	// 一覧の購読はセッション状態に追従させる
	unsubscribe := store.Subscribe(func(st session.State) {
		syncer.Follow(st.OwnerID())
		select {
		case sessions <- st:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := store.Run(ctx); err != nil {
			logger.Error("session watch failed", slog.String("error", err.Error()))
			errs <- err
		}
	}()

	model := NewModel(ctx, Deps{
		Session:   store,
		Tasks:     syncer,
		Guard:     guard.Options{RedirectAuthenticatedFromPublic: cfg.Guard.RedirectAuthenticatedFromPublic},
		Sessions:  sessions,
		Snapshots: snapshots,
		Errors:    errs,
	})

	logger.Info("tui started", slog.String("server_url", cfg.ServerURL))
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()

	cancel()
	<-runDone
	syncer.Close()
	logger.Info("tui stopped")

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// IsTTY はwが端末かを判定する。
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
