package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// preferencesテーブルのキー
const (
	prefKeyLocalCalendars  = "enabled_local_calendars"
	prefKeyDisabledRemotes = "disabled_remote_sources"
)

// PostgresPreferenceRepo はPostgreSQLを使用した設定リポジトリ。
// 設定値はキーごとにJSONB値として保持する。
type PostgresPreferenceRepo struct {
	db *sql.DB
}

// NewPostgresPreferenceRepo はPostgresPreferenceRepoを生成する。
func NewPostgresPreferenceRepo(db *sql.DB) *PostgresPreferenceRepo {
	return &PostgresPreferenceRepo{db: db}
}

// FindEnabledLocalCalendars は有効なローカルカレンダー名の集合を返す。
// 一度も保存されていない場合は (nil, false, nil) を返す。
// 「未保存」と「明示的に空集合を保存」は区別され、後者は ([], true, nil) になる。
func (r *PostgresPreferenceRepo) FindEnabledLocalCalendars(ctx context.Context) ([]string, bool, error) {
	names, found, err := r.findStringSlice(ctx, prefKeyLocalCalendars)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find enabled local calendars: %w", err)
	}
	return names, found, nil
}

// SaveEnabledLocalCalendars は有効なローカルカレンダー名の集合を置き換える。
func (r *PostgresPreferenceRepo) SaveEnabledLocalCalendars(ctx context.Context, names []string) error {
	if err := r.saveStringSlice(ctx, prefKeyLocalCalendars, names); err != nil {
		return fmt.Errorf("failed to save enabled local calendars: %w", err)
	}
	return nil
}

// FindDisabledRemoteSources は無効化されたリモートソースIDの集合を返す。
// 未保存の場合は空集合を返す（リモートソースはデフォルトで全て有効）。
func (r *PostgresPreferenceRepo) FindDisabledRemoteSources(ctx context.Context) (map[string]bool, error) {
	ids, _, err := r.findStringSlice(ctx, prefKeyDisabledRemotes)
	if err != nil {
		return nil, fmt.Errorf("failed to find disabled remote sources: %w", err)
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SaveDisabledRemoteSources は無効化されたリモートソースIDの集合を置き換える。
func (r *PostgresPreferenceRepo) SaveDisabledRemoteSources(ctx context.Context, sourceIDs []string) error {
	if err := r.saveStringSlice(ctx, prefKeyDisabledRemotes, sourceIDs); err != nil {
		return fmt.Errorf("failed to save disabled remote sources: %w", err)
	}
	return nil
}

// findStringSlice は指定キーのJSONB値を文字列スライスとして取得する。
func (r *PostgresPreferenceRepo) findStringSlice(ctx context.Context, key string) ([]string, bool, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE key = $1`,
		key,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false, err
	}
	if values == nil {
		values = []string{}
	}

	return values, true, nil
}

// saveStringSlice は指定キーのJSONB値を文字列スライスでUPSERTする。
func (r *PostgresPreferenceRepo) saveStringSlice(ctx context.Context, key string, values []string) error {
	if values == nil {
		values = []string{}
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = now()`,
		key, raw,
	)
	return err
}

// compile-time interface check
var _ PreferenceRepository = (*PostgresPreferenceRepo)(nil)
