package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// memoryCacheRepo はテスト用のインメモリCacheRepository。
type memoryCacheRepo struct {
	mu      sync.Mutex
	entry   *model.CacheEntry
	findErr error
}

func (r *memoryCacheRepo) Find(ctx context.Context) (*model.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	if r.entry == nil {
		return nil, nil
	}
	e := *r.entry
	return &e, nil
}

func (r *memoryCacheRepo) Replace(ctx context.Context, entry *model.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *entry
	r.entry = &e
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestTracker_IsStale_EmptyCache(t *testing.T) {
	tracker := NewTracker(&memoryCacheRepo{}, 6*time.Hour, testLogger())

	stale, err := tracker.IsStale(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("IsStale() error = %v", err)
	}
	if !stale {
		t.Error("空のキャッシュは失効扱いであるべき")
	}
}

func TestTracker_IsStale_FreshAndStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		fetchedAt time.Time
		want      bool
	}{
		{"取得直後", now.Add(-time.Minute), false},
		{"上限ちょうど", now.Add(-6 * time.Hour), false},
		{"上限超過", now.Add(-6*time.Hour - time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &memoryCacheRepo{entry: &model.CacheEntry{
				Events:    []model.Event{},
				FetchedAt: tt.fetchedAt,
			}}
			tracker := NewTracker(repo, 6*time.Hour, testLogger())

			stale, err := tracker.IsStale(context.Background(), now)
			if err != nil {
				t.Fatalf("IsStale() error = %v", err)
			}
			if stale != tt.want {
				t.Errorf("IsStale() = %v, want %v", stale, tt.want)
			}
		})
	}
}

func TestTracker_Replace_NilEventsBecomesEmptyList(t *testing.T) {
	repo := &memoryCacheRepo{}
	tracker := NewTracker(repo, 6*time.Hour, testLogger())

	fetchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := tracker.Replace(context.Background(), nil, fetchedAt); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	entry, err := tracker.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry == nil {
		t.Fatal("エントリが保存されていない")
	}
	if entry.Events == nil {
		t.Error("nilの予定リストは空リストとして保存されるべき")
	}
	if !entry.FetchedAt.Equal(fetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", entry.FetchedAt, fetchedAt)
	}
}

func TestTracker_Replace_OverwritesPrevious(t *testing.T) {
	repo := &memoryCacheRepo{entry: &model.CacheEntry{
		Events:    []model.Event{{ID: "old"}},
		FetchedAt: time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC),
	}}
	tracker := NewTracker(repo, 6*time.Hour, testLogger())

	newEvents := []model.Event{{ID: "new-1"}, {ID: "new-2"}}
	fetchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := tracker.Replace(context.Background(), newEvents, fetchedAt); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	entry, _ := tracker.Get(context.Background())
	if len(entry.Events) != 2 {
		t.Fatalf("events = %d件, want 2件", len(entry.Events))
	}
	if entry.Events[0].ID != "new-1" {
		t.Errorf("古いエントリが残っている: %+v", entry.Events)
	}
}

func TestTracker_Get_RepositoryError(t *testing.T) {
	repo := &memoryCacheRepo{findErr: errors.New("connection refused")}
	tracker := NewTracker(repo, 6*time.Hour, testLogger())

	if _, err := tracker.Get(context.Background()); err == nil {
		t.Error("リポジトリのエラーは伝播すべき")
	}
}
