// Package cache は集約結果のキャッシュと失効判定を提供する。
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// Tracker は予定キャッシュの読み書きと失効判定を担うサービス。
// キャッシュの置き換えは常に一覧全体のアトミックな差し替えで行い、
// 部分更新はしない。
type Tracker struct {
	repo   repository.CacheRepository
	maxAge time.Duration
	logger *slog.Logger
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(repo repository.CacheRepository, maxAge time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		maxAge: maxAge,
		logger: logger,
	}
}

// Get は現在のキャッシュエントリを返す。キャッシュが空の場合はnilを返す。
func (t *Tracker) Get(ctx context.Context) (*model.CacheEntry, error) {
	entry, err := t.repo.Find(ctx)
	if err != nil {
		return nil, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// Replace はキャッシュ全体を新しい予定一覧で置き換える。
func (t *Tracker) Replace(ctx context.Context, events []model.Event, fetchedAt time.Time) error {
	if events == nil {
		events = []model.Event{}
	}
	entry := &model.CacheEntry{
		Events:    events,
		FetchedAt: fetchedAt,
	}
	if err := t.repo.Replace(ctx, entry); err != nil {
		return fmt.Errorf("キャッシュの置き換えに失敗しました: %w", err)
	}
	t.logger.Info("キャッシュを更新しました",
		slog.Int("event_count", len(events)),
		slog.Time("fetched_at", fetchedAt),
	)
	return nil
}

// IsStale はキャッシュが失効しているかを返す。空のキャッシュは常に失効扱い。
// 失効はバックグラウンドリフレッシュの起動判定に使い、表示可否には使わない。
func (t *Tracker) IsStale(ctx context.Context, now time.Time) (bool, error) {
	entry, err := t.Get(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return true, nil
	}
	return entry.IsStale(now, t.maxAge), nil
}
