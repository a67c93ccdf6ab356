package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/reelvault/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByPhone は電話番号でユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByPhone(ctx context.Context, phone string) (*model.User, error) {
	user := &model.User{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, phone, is_registered, created_at, updated_at
		 FROM users WHERE phone = $1`,
		phone,
	).Scan(&user.ID, &user.Phone, &user.IsRegistered, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}

	return user, nil
}

// Create はユーザーを作成する。同一電話番号が既に存在する場合はis_registeredのみを上書きする。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, is_registered, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (phone) DO UPDATE
		 SET is_registered = EXCLUDED.is_registered, updated_at = now()`,
		user.ID, user.Phone, user.IsRegistered, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}
	return nil
}

// MarkRegistered は指定ユーザーの登録フラグを立てる。
func (r *PostgresUserRepo) MarkRegistered(ctx context.Context, phone string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_registered = TRUE, updated_at = now() WHERE phone = $1`,
		phone,
	)
	if err != nil {
		return fmt.Errorf("登録フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
