// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/todosync/internal/model"
)

// ErrNotFound は更新・削除の対象行が存在しないことを表す。
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("repository: duplicate")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// メールアドレスが登録済みの場合はErrDuplicateを返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、tasksはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを追加する。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TaskRepository はタスクの永続化インターフェース。
// すべての操作は所有者IDで絞り込まれる。
type TaskRepository interface {
	// Create はタスクを作成する。
	Create(ctx context.Context, task *model.Task) error

	// FindByID は指定IDのタスクを所有者を問わず取得する。見つからない場合はnilを返す。
	// 他ユーザーのタスクか存在しないタスクかを判別するためにのみ使用する。
	FindByID(ctx context.Context, id string) (*model.Task, error)

	// ListByOwner は所有者のタスクをcreated_at降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]model.Task, error)

	// UpdateCompleted は完了状態を上書きする。対象がない場合はErrNotFoundを返す。
	UpdateCompleted(ctx context.Context, ownerID, id string, completed bool) error

	// UpdateText は本文を上書きする。対象がない場合はErrNotFoundを返す。
	UpdateText(ctx context.Context, ownerID, id, text string) error

	// Delete はタスクを削除する。対象がない場合はErrNotFoundを返す。
	Delete(ctx context.Context, ownerID, id string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
