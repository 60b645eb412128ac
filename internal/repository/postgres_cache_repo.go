package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresCacheRepo はPostgreSQLを使用したキャッシュリポジトリ。
// cache_entriesテーブルは単一行制約（id = 1）を持ち、
// 予定一覧はJSONBカラムにシリアライズして保持する。
type PostgresCacheRepo struct {
	db *sql.DB
}

// NewPostgresCacheRepo はPostgresCacheRepoを生成する。
func NewPostgresCacheRepo(db *sql.DB) *PostgresCacheRepo {
	return &PostgresCacheRepo{db: db}
}

// Find は最新のCacheEntryを取得する。一度も保存されていない場合はnilを返す。
func (r *PostgresCacheRepo) Find(ctx context.Context) (*model.CacheEntry, error) {
	entry := &model.CacheEntry{}
	var eventsJSON []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT events, fetched_at FROM cache_entries WHERE id = 1`,
	).Scan(&eventsJSON, &entry.FetchedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cache entry: %w", err)
	}

	if err := json.Unmarshal(eventsJSON, &entry.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached events: %w", err)
	}

	return entry, nil
}

// Replace はCacheEntryをアトミックに置き換える。
// 単一UPSERT文のため、読み手が書きかけのエントリを観測することはない。
func (r *PostgresCacheRepo) Replace(ctx context.Context, entry *model.CacheEntry) error {
	events := entry.Events
	if events == nil {
		events = []model.Event{}
	}

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cache_entries (id, events, fetched_at)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET
		   events = EXCLUDED.events,
		   fetched_at = EXCLUDED.fetched_at`,
		eventsJSON, entry.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CacheRepository = (*PostgresCacheRepo)(nil)
