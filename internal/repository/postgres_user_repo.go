package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/todosync/internal/model"
)

// PostgresUserRepo はusersテーブルに対するUserRepositoryの実装。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// password_hashはGoogleのみのアカウントでNULLになる。
const selectUser = `SELECT id, email, name, COALESCE(password_hash, ''), created_at, updated_at FROM users `

// findOne はwhere句に一致するユーザーを1件返す。一致しなければ(nil, nil)。
func (r *PostgresUserRepo) findOne(ctx context.Context, by, where, arg string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx, selectUser+where, arg).
		Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find user by %s: %w", by, err)
	}
	return &u, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, "id", `WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでユーザーを取得する。大文字小文字は区別しない。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, "email", `WHERE lower(email) = lower($1)`, email)
}

// CreateWithIdentity はユーザーと最初のidentityを同一トランザクションで作成する。
// メールアドレスかプロバイダーIDが登録済みならErrDuplicateを返す。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hash := sql.NullString{String: user.PasswordHash, Valid: user.HasPassword()}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, hash, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// identities、sessions、tasksはCASCADEで消える。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	return execAffecting(ctx, r.db, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
