// Package refresh は予定キャッシュのバックグラウンドリフレッシュ処理を提供する。
// ティッカーによる定期実行、失効判定、連続エラー時のバックオフを含む。
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// Refresher は集約リフレッシュの実行インターフェース。
type Refresher interface {
	Refresh(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// StalenessChecker はキャッシュ失効判定のインターフェース。
type StalenessChecker interface {
	IsStale(ctx context.Context, now time.Time) (bool, error)
}

// SchedulerConfig はSchedulerの設定パラメータ。
type SchedulerConfig struct {
	// Interval はリフレッシュ判定の実行間隔（デフォルト: 15分）。
	Interval time.Duration
	// WindowDays は取得範囲の日数（今日から先の日数。デフォルト: 7）。
	WindowDays int
	// Force はtrueの場合、失効判定を無視して毎サイクル実行する。
	Force bool
}

// DefaultSchedulerConfig はデフォルトのスケジューラ設定を返す。
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:   15 * time.Minute,
		WindowDays: 7,
	}
}

// Scheduler は予定キャッシュの定期リフレッシュジョブ。
// キャッシュが失効している場合のみ集約リフレッシュを実行し、
// 連続エラー時はバックオフを適用して実行を抑制する。
type Scheduler struct {
	engine Refresher
	cache  StalenessChecker
	logger *slog.Logger
	config SchedulerConfig

	consecutiveErrors int
	backoffUntil      time.Time

	now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(engine Refresher, cache StalenessChecker, logger *slog.Logger, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultSchedulerConfig().WindowDays
	}
	return &Scheduler{
		engine: engine,
		cache:  cache,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Start はリフレッシュジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("リフレッシュスケジューラを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Int("window_days", s.config.WindowDays),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リフレッシュサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リフレッシュスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リフレッシュサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のリフレッシュサイクルを実行する。
// バックオフ中、またはキャッシュが新鮮な場合は何もしない。
// リフレッシュの失敗はエラーとして返さず、バックオフ計算に反映する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now()

	if !s.backoffUntil.IsZero() && now.Before(s.backoffUntil) {
		s.logger.Info("リフレッシュジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", s.backoffUntil),
		)
		return nil
	}

	if !s.config.Force {
		stale, err := s.cache.IsStale(ctx, now)
		if err != nil {
			return err
		}
		if !stale {
			s.logger.Debug("キャッシュが新鮮なためリフレッシュをスキップします")
			return nil
		}
	}

	start, end := s.window(now)
	if _, err := s.engine.Refresh(ctx, start, end); err != nil {
		s.consecutiveErrors++
		backoff := calculateErrorBackoff(s.consecutiveErrors)
		if backoff > 0 {
			s.backoffUntil = now.Add(backoff)
			s.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", s.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
		s.logger.Error("集約リフレッシュに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil
	}

	s.consecutiveErrors = 0
	s.backoffUntil = time.Time{}
	return nil
}

// window は現在時刻からの取得範囲を返す。
// 当日の深夜0時（UTC）からWindowDays日後までの半開区間。
func (s *Scheduler) window(now time.Time) (time.Time, time.Time) {
	utc := now.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, s.config.WindowDays)
	return start, end
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
