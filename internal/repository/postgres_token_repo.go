package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したトークンリポジトリ。
// auth_tokensテーブルは単一行制約（id = 1）を持つ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Find は保存されたトークンを取得する。未保存の場合はnilを返す。
func (r *PostgresTokenRepo) Find(ctx context.Context) (*model.AuthToken, error) {
	token := &model.AuthToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at
		 FROM auth_tokens
		 WHERE id = 1`,
	).Scan(&token.AccessToken, &token.RefreshToken, &token.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth token: %w", err)
	}

	return token, nil
}

// Save はトークンをアトミックにUPSERTする。
// リフレッシュ時はaccess_token/expires_atのみが変わり、
// refresh_tokenは新しい値が返された場合のみ更新される前提で全カラムを置き換える。
func (r *PostgresTokenRepo) Save(ctx context.Context, token *model.AuthToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (1, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		token.AccessToken, token.RefreshToken, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}

// Delete は保存されたトークンを削除する。未保存でもエラーを返さない（冪等）。
func (r *PostgresTokenRepo) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to delete auth token: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
