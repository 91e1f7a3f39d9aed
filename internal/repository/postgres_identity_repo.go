package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/todosync/internal/model"
)

// PostgresIdentityRepo はidentitiesテーブルに対するIdentityRepositoryの実装。
// パスワードとGoogleのサインイン手段は、どちらも1ユーザーに紐づく1行として保存される。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID はプロバイダー側のIDからidentityを引く。
// 見つからない場合は(nil, nil)を返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	var id model.Identity
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&id.ID, &id.UserID, &id.Provider, &id.ProviderUserID, &id.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find %s identity: %w", provider, err)
	}
	return &id, nil
}

// Create は既存ユーザーにサインイン手段を追加する。
// 同じプロバイダーIDが別のユーザーに紐づいていればErrDuplicateを返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	return insertIdentity(ctx, r.db, identity)
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
