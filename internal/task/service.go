// Package task はユーザーごとのタスク一覧に対する操作を提供する。
// すべての書き込みは所有者で絞り込まれ、成功時にリアルタイム通知を発行する。
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/repository"
)

// DefaultMaxTextRunes はタスク本文の最大文字数の既定値。
const DefaultMaxTextRunes = 500

// publishTimeout は変更通知1回あたりの上限。
const publishTimeout = 5 * time.Second

// Sanitizer はタスク本文の正規化を行うインターフェース。
type Sanitizer interface {
	Sanitize(text string) string
}

// Publisher は所有者単位の変更通知を発行するインターフェース。
// realtime.Busの部分集合として定義する。
type Publisher interface {
	Publish(ctx context.Context, ownerID string) error
}

// Service はタスクのビジネスロジックを提供する。
type Service struct {
	repo      repository.TaskRepository
	sanitizer Sanitizer
	publisher Publisher
	maxRunes  int
	now       func() time.Time
}

// NewService はServiceを生成する。maxRunesが0以下の場合はDefaultMaxTextRunesを使用する。
func NewService(repo repository.TaskRepository, sanitizer Sanitizer, publisher Publisher, maxRunes int) *Service {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTextRunes
	}
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		publisher: publisher,
		maxRunes:  maxRunes,
		now:       time.Now,
	}
}

// normalizeText は本文を正規化し、空の場合はEMPTY_TEXTを返す。
func (s *Service) normalizeText(text string) (string, error) {
	cleaned := s.sanitizer.Sanitize(text)
	if cleaned == "" {
		return "", model.NewEmptyTextError()
	}
	if utf8.RuneCountInString(cleaned) > s.maxRunes {
		return "", model.NewInvalidRequestError(fmt.Sprintf("text must be at most %d characters", s.maxRunes))
	}
	return cleaned, nil
}

// List は所有者のタスクを作成日時の降順で返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]model.Task, error) {
	tasks, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Create は未完了のタスクを作成する。作成日時はサーバーの時計で決まる。
func (s *Service) Create(ctx context.Context, ownerID, text string) (*model.Task, error) {
	cleaned, err := s.normalizeText(text)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &model.Task{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Text:      cleaned,
		Completed: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.publish(ctx, ownerID)
	return t, nil
}

// SetCompleted は完了状態を上書きする。後勝ちで、バージョン比較は行わない。
func (s *Service) SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) error {
	if !validID(taskID) {
		return model.NewTaskNotFoundError(taskID)
	}
	err := s.repo.UpdateCompleted(ctx, ownerID, taskID, completed)
	if err != nil {
		return s.classifyMissing(ctx, ownerID, taskID, err)
	}
	s.publish(ctx, ownerID)
	return nil
}

// UpdateText は本文を上書きする。
func (s *Service) UpdateText(ctx context.Context, ownerID, taskID, text string) error {
	cleaned, err := s.normalizeText(text)
	if err != nil {
		return err
	}
	if !validID(taskID) {
		return model.NewTaskNotFoundError(taskID)
	}

	if err := s.repo.UpdateText(ctx, ownerID, taskID, cleaned); err != nil {
		return s.classifyMissing(ctx, ownerID, taskID, err)
	}
	s.publish(ctx, ownerID)
	return nil
}

// Delete はタスクを削除する。存在しないタスクの削除は成功として扱う。
func (s *Service) Delete(ctx context.Context, ownerID, taskID string) error {
	if !validID(taskID) {
		return nil
	}
	err := s.repo.Delete(ctx, ownerID, taskID)
	if err == nil {
		s.publish(ctx, ownerID)
		return nil
	}

	classified := s.classifyMissing(ctx, ownerID, taskID, err)
	if model.HasCode(classified, model.ErrCodeTaskNotFound) {
		return nil
	}
	return classified
}

// classifyMissing は所有者で絞り込んだ更新が0件だった理由を判別する。
// 他ユーザーのタスクならPERMISSION_DENIED、存在しなければTASK_NOT_FOUNDを返す。
func (s *Service) classifyMissing(ctx context.Context, ownerID, taskID string, err error) error {
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to write task: %w", err)
	}

	existing, findErr := s.repo.FindByID(ctx, taskID)
	if findErr != nil {
		return fmt.Errorf("failed to find task: %w", findErr)
	}
	if existing != nil && existing.OwnerID != ownerID {
		slog.Warn("task write denied",
			slog.String("user_id", ownerID),
			slog.String("task_id", taskID),
		)
		return model.NewPermissionDeniedError()
	}
	return model.NewTaskNotFoundError(taskID)
}

// validID はタスクIDがUUID形式かを判定する。形式外のIDは存在しないタスクとして扱う。
func validID(taskID string) bool {
	_, err := uuid.Parse(taskID)
	return err == nil
}

// publish は変更通知を発行する。通知の失敗は書き込み結果に影響させない。
func (s *Service) publish(ctx context.Context, ownerID string) {
	if s.publisher == nil {
		return
	}
	// 書き込みは確定済みなので、リクエストの切断で通知を落とさない
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, ownerID); err != nil {
		slog.Error("failed to publish task change",
			slog.String("user_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}
