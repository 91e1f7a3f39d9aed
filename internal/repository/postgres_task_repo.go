package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/todosync/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Create はタスクを作成する。
func (r *PostgresTaskRepo) Create(ctx context.Context, task *model.Task) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, text, completed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.OwnerID, task.Text, task.Completed, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	task := &model.Task{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, text, completed, created_at, updated_at
		 FROM tasks WHERE id = $1`,
		id,
	).Scan(&task.ID, &task.OwnerID, &task.Text, &task.Completed, &task.CreatedAt, &task.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return task, nil
}

// ListByOwner は所有者のタスクをcreated_at降順で返す。
// 同時刻のタスクはid降順で並べ、スナップショット間で順序を安定させる。
func (r *PostgresTaskRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, text, completed, created_at, updated_at
		 FROM tasks
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateCompleted は完了状態を上書きする。
func (r *PostgresTaskRepo) UpdateCompleted(ctx context.Context, ownerID, id string, completed bool) error {
	return r.execOwned(ctx, "update task completion",
		`UPDATE tasks SET completed = $3, updated_at = now() WHERE owner_id = $1 AND id = $2`,
		ownerID, id, completed,
	)
}

// UpdateText は本文を上書きする。
func (r *PostgresTaskRepo) UpdateText(ctx context.Context, ownerID, id, text string) error {
	return r.execOwned(ctx, "update task text",
		`UPDATE tasks SET text = $3, updated_at = now() WHERE owner_id = $1 AND id = $2`,
		ownerID, id, text,
	)
}

// Delete はタスクを削除する。
func (r *PostgresTaskRepo) Delete(ctx context.Context, ownerID, id string) error {
	return r.execOwned(ctx, "delete task",
		`DELETE FROM tasks WHERE owner_id = $1 AND id = $2`,
		ownerID, id,
	)
}

// execOwned は所有者で絞り込んだ更新系クエリを実行し、対象がなければErrNotFoundを返す。
func (r *PostgresTaskRepo) execOwned(ctx context.Context, op, query string, args ...interface{}) error {
	return execAffecting(ctx, r.db, op, query, args...)
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
