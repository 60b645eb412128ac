package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/calhub/internal/cache"
	"github.com/hitoshi/calhub/internal/model"
)

// mockRemote はテスト用のRemoteFetcherモック。
type mockRemote struct {
	sourceID string
	person   string
	events   []model.Event
	err      error
	calls    int
	mu       sync.Mutex
}

func (m *mockRemote) SourceID() string   { return m.sourceID }
func (m *mockRemote) PersonName() string { return m.person }

func (m *mockRemote) FetchEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

// mockLocal はテスト用のLocalFetcherモック。
type mockLocal struct {
	events      []model.Event
	err         error
	gotEnabled  []string
	listedNames []string
}

func (m *mockLocal) ListCalendars(ctx context.Context) ([]string, error) {
	return m.listedNames, nil
}

func (m *mockLocal) FetchEvents(ctx context.Context, enabledCalendars []string, start, end time.Time) ([]model.Event, error) {
	m.gotEnabled = enabledCalendars
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

// mockAuth はテスト用のAuthCheckerモック。
type mockAuth struct {
	authenticated bool
	err           error
}

func (m *mockAuth) IsAuthenticated(ctx context.Context) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.authenticated, nil
}

// mockPrefRepo はテスト用のPreferenceRepositoryモック。
type mockPrefRepo struct {
	localCalendars  []string
	localSaved      bool
	disabledRemotes map[string]bool
}

func (m *mockPrefRepo) FindEnabledLocalCalendars(ctx context.Context) ([]string, bool, error) {
	return m.localCalendars, m.localSaved, nil
}

func (m *mockPrefRepo) SaveEnabledLocalCalendars(ctx context.Context, names []string) error {
	m.localCalendars = names
	m.localSaved = true
	return nil
}

func (m *mockPrefRepo) FindDisabledRemoteSources(ctx context.Context) (map[string]bool, error) {
	if m.disabledRemotes == nil {
		return map[string]bool{}, nil
	}
	return m.disabledRemotes, nil
}

func (m *mockPrefRepo) SaveDisabledRemoteSources(ctx context.Context, sourceIDs []string) error {
	m.disabledRemotes = make(map[string]bool)
	for _, id := range sourceIDs {
		m.disabledRemotes[id] = true
	}
	return nil
}

// memoryCacheRepo はテスト用のインメモリCacheRepository。
type memoryCacheRepo struct {
	mu    sync.Mutex
	entry *model.CacheEntry
}

func (r *memoryCacheRepo) Find(ctx context.Context) (*model.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func remoteEvent(id, sourceID, person string, start time.Time) model.Event {
	ev := model.Event{
		ID:         id,
		Title:      "予定" + id,
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
		PersonName: person,
		SourceID:   sourceID,
		Origin:     model.OriginRemote,
	}
	return ev
}

func newTestEngine(remotes []RemoteFetcher, local LocalFetcher, auth AuthChecker, prefs *mockPrefRepo, cacheRepo *memoryCacheRepo) *Engine {
	if prefs == nil {
		prefs = &mockPrefRepo{}
	}
	if cacheRepo == nil {
		cacheRepo = &memoryCacheRepo{}
	}
	return NewEngine(EngineConfig{
		Remotes:              remotes,
		Local:                local,
		Auth:                 auth,
		PrefRepo:             prefs,
		Tracker:              cache.NewTracker(cacheRepo, 6*time.Hour, testLogger()),
		DefaultLocalCalendar: "Family",
		Logger:               testLogger(),
	})
}

func testRange() (time.Time, time.Time) {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
}

func TestEngine_Refresh_MergesAllSources(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	remoteA := &mockRemote{sourceID: "cal-a", person: "Alice",
		events: []model.Event{remoteEvent("a1", "cal-a", "Alice", base.Add(2*time.Hour))}}
	remoteB := &mockRemote{sourceID: "cal-b", person: "Bob",
		events: []model.Event{remoteEvent("b1", "cal-b", "Bob", base)}}
	localEv := model.Event{
		ID: "l1", Title: "地域の予定", StartAt: base.Add(time.Hour), EndAt: base.Add(2 * time.Hour),
		PersonName: "Family", SourceID: "Family", Origin: model.OriginLocal,
	}
	local := &mockLocal{events: []model.Event{localEv}}

	cacheRepo := &memoryCacheRepo{}
	engine := newTestEngine([]RemoteFetcher{remoteA, remoteB}, local, &mockAuth{authenticated: true}, nil, cacheRepo)

	start, end := testRange()
	events, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d件, want 3件", len(events))
	}
	// 開始時刻の昇順にソートされる
	if events[0].ID != "b1" || events[1].ID != "l1" || events[2].ID != "a1" {
		t.Errorf("ソート順が不正: %s, %s, %s", events[0].ID, events[1].ID, events[2].ID)
	}

	// キャッシュがアトミックに置き換えられている
	entry, _ := cacheRepo.Find(context.Background())
	if entry == nil || len(entry.Events) != 3 {
		t.Errorf("キャッシュが更新されていない: %+v", entry)
	}
}

func TestEngine_Refresh_PartialFailureTolerated(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	okRemote := &mockRemote{sourceID: "cal-a", person: "Alice",
		events: []model.Event{remoteEvent("a1", "cal-a", "Alice", base)}}
	failRemote := &mockRemote{sourceID: "cal-b", person: "Bob",
		err: model.NewNetworkError("connection timeout")}
	local := &mockLocal{events: []model.Event{}}

	engine := newTestEngine([]RemoteFetcher{okRemote, failRemote}, local, &mockAuth{authenticated: true}, nil, nil)

	start, end := testRange()
	events, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("一部失敗は成功として扱われるべき: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d件, want 1件", len(events))
	}
	if events[0].ID != "a1" {
		t.Errorf("成功したソースの予定が含まれるべき: %+v", events)
	}
}

func TestEngine_Refresh_AllSourcesFailedKeepsCache(t *testing.T) {
	previous := &model.CacheEntry{
		Events:    []model.Event{{ID: "cached"}},
		FetchedAt: time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC),
	}
	cacheRepo := &memoryCacheRepo{entry: previous}

	failRemote := &mockRemote{sourceID: "cal-a", err: model.NewNetworkError("down")}
	failLocal := &mockLocal{err: errors.New("read error")}

	engine := newTestEngine([]RemoteFetcher{failRemote}, failLocal, &mockAuth{authenticated: true}, nil, cacheRepo)

	start, end := testRange()
	_, err := engine.Refresh(context.Background(), start, end)
	if !model.IsCode(err, model.ErrCodeAllSourcesFailed) {
		t.Errorf("expected ALL_SOURCES_FAILED, got %v", err)
	}

	// 前回のキャッシュは変更されない
	entry, _ := cacheRepo.Find(context.Background())
	if entry == nil || len(entry.Events) != 1 || entry.Events[0].ID != "cached" {
		t.Errorf("失敗した実行はキャッシュを変更すべきでない: %+v", entry)
	}
}

func TestEngine_Refresh_UnauthenticatedSkipsRemotes(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	remote := &mockRemote{sourceID: "cal-a", person: "Alice"}
	localEv := model.Event{
		ID: "l1", StartAt: base, EndAt: base.Add(time.Hour),
		PersonName: "Family", SourceID: "Family", Origin: model.OriginLocal,
	}
	local := &mockLocal{events: []model.Event{localEv}}

	engine := newTestEngine([]RemoteFetcher{remote}, local, &mockAuth{authenticated: false}, nil, nil)

	start, end := testRange()
	events, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("未認証はエラーではない: %v", err)
	}
	if remote.calls != 0 {
		t.Errorf("未認証時はリモートを呼び出すべきでない: calls = %d", remote.calls)
	}
	if len(events) != 1 || events[0].ID != "l1" {
		t.Errorf("ローカルの予定のみが返るべき: %+v", events)
	}
}

func TestEngine_Refresh_UnauthenticatedAndLocalUnavailableKeepsCache(t *testing.T) {
	previous := &model.CacheEntry{
		Events:    []model.Event{{ID: "cached"}},
		FetchedAt: time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC),
	}
	cacheRepo := &memoryCacheRepo{entry: previous}

	remote := &mockRemote{sourceID: "cal-a", person: "Alice"}
	failLocal := &mockLocal{err: errors.New("ローカルイベントストアが利用できません")}

	engine := newTestEngine([]RemoteFetcher{remote}, failLocal, &mockAuth{authenticated: false}, nil, cacheRepo)

	start, end := testRange()
	_, err := engine.Refresh(context.Background(), start, end)
	if !model.IsCode(err, model.ErrCodeAllSourcesFailed) {
		t.Errorf("expected ALL_SOURCES_FAILED, got %v", err)
	}

	// 空の結果で既存キャッシュを上書きしない
	entry, _ := cacheRepo.Find(context.Background())
	if entry == nil || len(entry.Events) != 1 || entry.Events[0].ID != "cached" {
		t.Errorf("失敗した実行はキャッシュを変更すべきでない: %+v", entry)
	}
}

func TestEngine_Refresh_DisabledRemoteSkipped(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	enabledRemote := &mockRemote{sourceID: "cal-a", person: "Alice",
		events: []model.Event{remoteEvent("a1", "cal-a", "Alice", base)}}
	disabledRemote := &mockRemote{sourceID: "cal-b", person: "Bob",
		events: []model.Event{remoteEvent("b1", "cal-b", "Bob", base)}}
	prefs := &mockPrefRepo{disabledRemotes: map[string]bool{"cal-b": true}}

	engine := newTestEngine([]RemoteFetcher{enabledRemote, disabledRemote},
		&mockLocal{}, &mockAuth{authenticated: true}, prefs, nil)

	start, end := testRange()
	events, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if disabledRemote.calls != 0 {
		t.Errorf("無効化されたソースは呼び出すべきでない: calls = %d", disabledRemote.calls)
	}
	if len(events) != 1 || events[0].ID != "a1" {
		t.Errorf("有効なソースの予定のみが返るべき: %+v", events)
	}
}

func TestEngine_Refresh_DefaultLocalCalendarWhenUnsaved(t *testing.T) {
	local := &mockLocal{}
	engine := newTestEngine(nil, local, &mockAuth{}, &mockPrefRepo{localSaved: false}, nil)

	start, end := testRange()
	if _, err := engine.Refresh(context.Background(), start, end); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(local.gotEnabled) != 1 || local.gotEnabled[0] != "Family" {
		t.Errorf("未保存時はデフォルトカレンダーが有効になるべき: %v", local.gotEnabled)
	}
}

func TestEngine_Refresh_ExplicitEmptyLocalCalendars(t *testing.T) {
	local := &mockLocal{}
	prefs := &mockPrefRepo{localSaved: true, localCalendars: []string{}}
	engine := newTestEngine(nil, local, &mockAuth{}, prefs, nil)

	start, end := testRange()
	if _, err := engine.Refresh(context.Background(), start, end); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(local.gotEnabled) != 0 {
		t.Errorf("明示的に空で保存された場合は空リストを渡すべき: %v", local.gotEnabled)
	}
}

func TestEngine_Refresh_DeduplicatesCompositeKey(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	// 異なるソースで同じ予定IDはどちらも保持される（複合キーが異なる）
	remoteA := &mockRemote{sourceID: "cal-a", person: "Alice", events: []model.Event{
		remoteEvent("ev-1", "cal-a", "Alice", base),
		remoteEvent("ev-1", "cal-a", "Alice", base), // 同一ソース内の重複は除去
	}}
	remoteB := &mockRemote{sourceID: "cal-b", person: "Bob",
		events: []model.Event{remoteEvent("ev-1", "cal-b", "Bob", base)}}

	engine := newTestEngine([]RemoteFetcher{remoteA, remoteB}, &mockLocal{}, &mockAuth{authenticated: true}, nil, nil)

	start, end := testRange()
	events, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d件, want 2件（複合キーで重複排除）", len(events))
	}
}

func TestEngine_Refresh_InvalidRange(t *testing.T) {
	engine := newTestEngine(nil, &mockLocal{}, &mockAuth{}, nil, nil)

	start := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Refresh(context.Background(), start, end)
	if !model.IsCode(err, model.ErrCodeInvalidRange) {
		t.Errorf("expected INVALID_RANGE, got %v", err)
	}

	// 開始と終了が同時刻の場合も不正
	_, err = engine.Refresh(context.Background(), start, start)
	if !model.IsCode(err, model.ErrCodeInvalidRange) {
		t.Errorf("expected INVALID_RANGE, got %v", err)
	}
}

func TestEngine_Refresh_SequentialRunsAreIdempotent(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	remote := &mockRemote{sourceID: "cal-a", person: "Alice",
		events: []model.Event{remoteEvent("a1", "cal-a", "Alice", base)}}
	cacheRepo := &memoryCacheRepo{}
	engine := newTestEngine([]RemoteFetcher{remote}, &mockLocal{}, &mockAuth{authenticated: true}, nil, cacheRepo)

	start, end := testRange()
	first, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	second, err := engine.Refresh(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if len(first) != len(second) {
		t.Errorf("連続実行で結果が変わるべきでない: %d件 vs %d件", len(first), len(second))
	}
	entry, _ := cacheRepo.Find(context.Background())
	if len(entry.Events) != len(first) {
		t.Errorf("キャッシュは最後の実行結果を保持すべき")
	}
}
