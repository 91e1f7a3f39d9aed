// Package user はアカウントの退会を扱う。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/repository"
)

// publishTimeout は退会通知の上限。
const publishTimeout = 5 * time.Second

// Publisher は所有者単位の変更通知を発行する。task.Publisherと同じ形。
type Publisher interface {
	Publish(ctx context.Context, ownerID string) error
}

// Service は退会処理を提供する。
type Service struct {
	users     repository.UserRepository
	sessions  repository.SessionRepository
	publisher Publisher
}

// NewService はServiceを生成する。publisherはnilでもよい。
func NewService(users repository.UserRepository, sessions repository.SessionRepository, publisher Publisher) *Service {
	return &Service{users: users, sessions: sessions, publisher: publisher}
}

// Withdraw はアカウントを削除する。
// セッションを先に失効させ、identitiesとtasksはusersからのCASCADEで消える。
// 削除後に変更通知を出し、他端末で開いている一覧へ空のスナップショットを届ける。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return model.NewUserNotFoundError()
	}

	log := slog.With(slog.String("user_id", userID))

	if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	if err := s.users.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}
	log.Info("アカウントを削除しました")

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(pubCtx, userID); err != nil {
			log.Warn("退会の変更通知に失敗しました", slog.String("error", err.Error()))
		}
	}
	return nil
}
