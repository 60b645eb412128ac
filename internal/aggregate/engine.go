// Package aggregate は全ソースの予定取得を束ねる集約エンジンを提供する。
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calhub/internal/cache"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// RemoteFetcher はリモートソースアダプターのインターフェース。
type RemoteFetcher interface {
	SourceID() string
	PersonName() string
	FetchEvents(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// LocalFetcher はローカルイベントストアのインターフェース。
type LocalFetcher interface {
	ListCalendars(ctx context.Context) ([]string, error)
	FetchEvents(ctx context.Context, enabledCalendars []string, start, end time.Time) ([]model.Event, error)
}

// AuthChecker は認証状態の確認インターフェース。
type AuthChecker interface {
	IsAuthenticated(ctx context.Context) (bool, error)
}

// MetricsRecorder は集約実行の計測インターフェース。
type MetricsRecorder interface {
	ObserveRefresh(duration time.Duration, success bool)
	ObserveSourceFailure(sourceID string)
	ObserveEventsMerged(count int)
}

// noopMetrics は計測なしのMetricsRecorder。
type noopMetrics struct{}

func (noopMetrics) ObserveRefresh(time.Duration, bool) {}
func (noopMetrics) ObserveSourceFailure(string)        {}
func (noopMetrics) ObserveEventsMerged(int)            {}

// Engine は全ソースから予定を取得・統合しキャッシュを更新する集約エンジン。
// Refreshは内部mutexで直列化され、同時に1つしか実行されない。
type Engine struct {
	remotes              []RemoteFetcher
	local                LocalFetcher
	auth                 AuthChecker
	prefRepo             repository.PreferenceRepository
	tracker              *cache.Tracker
	defaultLocalCalendar string
	logger               *slog.Logger
	metrics              MetricsRecorder

	// mu はRefreshの同時実行を防ぐ。後着の呼び出しは先行の完了を待つ。
	mu sync.Mutex

	now func() time.Time
}

// EngineConfig はEngineの生成パラメータ。
type EngineConfig struct {
	Remotes              []RemoteFetcher
	Local                LocalFetcher
	Auth                 AuthChecker
	PrefRepo             repository.PreferenceRepository
	Tracker              *cache.Tracker
	DefaultLocalCalendar string
	Logger               *slog.Logger
	Metrics              MetricsRecorder
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(cfg EngineConfig) *Engine {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		remotes:              cfg.Remotes,
		local:                cfg.Local,
		auth:                 cfg.Auth,
		prefRepo:             cfg.PrefRepo,
		tracker:              cfg.Tracker,
		defaultLocalCalendar: cfg.DefaultLocalCalendar,
		logger:               cfg.Logger,
		metrics:              metrics,
		now:                  time.Now,
	}
}

// sourceResult は1ソース分の取得結果。
type sourceResult struct {
	sourceID string
	events   []model.Event
	err      error
}

// Refresh は全ソースから指定範囲の予定を取得し、統合結果でキャッシュを
// アトミックに置き換える。有効なリモートソースへの取得は1ソース1ゴルーチンで
// 並行実行し、途中で失敗したソースがあっても残りをキャンセルしない。
// 一部のソースが失敗しても成功したソースの予定で処理を続行し、
// 全ソースが失敗した場合のみエラーを返す（その場合キャッシュは変更されない）。
func (e *Engine) Refresh(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	if !start.Before(end) {
		return nil, model.NewInvalidRangeError("開始時刻は終了時刻より前である必要があります")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	runID := uuid.New().String()
	startedAt := e.now()
	logger := e.logger.With(slog.String("run_id", runID))
	logger.Info("集約リフレッシュを開始します",
		slog.Time("window_start", start),
		slog.Time("window_end", end),
	)

	results, err := e.collect(ctx, logger, start, end)
	if err != nil {
		e.metrics.ObserveRefresh(e.now().Sub(startedAt), false)
		return nil, err
	}

	attempted := len(results)
	var merged []model.Event
	failures := 0
	for _, res := range results {
		if res.err != nil {
			failures++
			e.metrics.ObserveSourceFailure(res.sourceID)
			logger.Warn("ソースの取得に失敗しました",
				slog.String("source_id", res.sourceID),
				slog.String("error", res.err.Error()),
			)
			continue
		}
		merged = append(merged, res.events...)
	}

	if attempted > 0 && failures == attempted {
		logger.Error("全ソースの取得に失敗したためキャッシュを維持します",
			slog.Int("source_count", attempted),
		)
		e.metrics.ObserveRefresh(e.now().Sub(startedAt), false)
		return nil, model.NewAllSourcesFailedError()
	}

	merged = dedupeEvents(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return a.Key() < b.Key()
	})

	if err := e.tracker.Replace(ctx, merged, e.now()); err != nil {
		e.metrics.ObserveRefresh(e.now().Sub(startedAt), false)
		return nil, err
	}

	e.metrics.ObserveEventsMerged(len(merged))
	e.metrics.ObserveRefresh(e.now().Sub(startedAt), true)
	logger.Info("集約リフレッシュが完了しました",
		slog.Int("event_count", len(merged)),
		slog.Int("failed_sources", failures),
		slog.Duration("elapsed", e.now().Sub(startedAt)),
	)
	return merged, nil
}

// collect は各ソースの取得を実行して結果リストを返す。
// リモートソースは並行、ローカルストアは合流後に取得する。
func (e *Engine) collect(ctx context.Context, logger *slog.Logger, start, end time.Time) ([]sourceResult, error) {
	disabled, err := e.prefRepo.FindDisabledRemoteSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("ソース設定の取得に失敗しました: %w", err)
	}

	enabledLocals, err := e.enabledLocalCalendars(ctx)
	if err != nil {
		return nil, err
	}

	remotes := e.enabledRemotes(ctx, logger, disabled)

	results := make([]sourceResult, len(remotes))
	var wg sync.WaitGroup
	for i, remote := range remotes {
		wg.Add(1)
		go func(i int, remote RemoteFetcher) {
			defer wg.Done()
			events, fetchErr := remote.FetchEvents(ctx, start, end)
			results[i] = sourceResult{
				sourceID: remote.SourceID(),
				events:   events,
				err:      fetchErr,
			}
		}(i, remote)
	}
	wg.Wait()

	localEvents, localErr := e.local.FetchEvents(ctx, enabledLocals, start, end)
	results = append(results, sourceResult{
		sourceID: "local",
		events:   localEvents,
		err:      localErr,
	})

	return results, nil
}

// enabledRemotes は取得対象のリモートアダプターを返す。
// 未認証の場合はリモート全体をスキップする（エラーにはしない）。
func (e *Engine) enabledRemotes(ctx context.Context, logger *slog.Logger, disabled map[string]bool) []RemoteFetcher {
	if len(e.remotes) == 0 {
		return nil
	}

	authenticated, err := e.auth.IsAuthenticated(ctx)
	if err != nil {
		logger.Warn("認証状態の確認に失敗したためリモートソースをスキップします",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !authenticated {
		logger.Info("未認証のためリモートソースをスキップします")
		return nil
	}

	var enabled []RemoteFetcher
	for _, remote := range e.remotes {
		if disabled[remote.SourceID()] {
			continue
		}
		enabled = append(enabled, remote)
	}
	return enabled
}

// enabledLocalCalendars は有効なローカルカレンダー名のリストを返す。
// 一度も保存されていない場合はデフォルトカレンダーのみを有効とみなす。
// 明示的に空で保存されている場合は空リスト（ローカル予定なし）を返す。
func (e *Engine) enabledLocalCalendars(ctx context.Context) ([]string, error) {
	names, found, err := e.prefRepo.FindEnabledLocalCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("ローカルカレンダー設定の取得に失敗しました: %w", err)
	}
	if !found {
		return []string{e.defaultLocalCalendar}, nil
	}
	return names, nil
}

// dedupeEvents は複合キー（取得元・ソースID・予定ID）で重複を除去する。
// 同一キーの予定は最初の出現を保持する。
func dedupeEvents(events []model.Event) []model.Event {
	if len(events) == 0 {
		return events
	}
	seen := make(map[string]bool, len(events))
	out := events[:0]
	for _, ev := range events {
		key := ev.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}
	return out
}
