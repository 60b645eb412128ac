package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/calhub/internal/metrics"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthFlowService
	AuthConfig  AuthHandlerConfig

	// 予定・コンフリクト
	Cache    CacheReader
	Detector ConflictDetector

	// ソース設定
	RemoteSources        []model.SourceConfig
	Preferences          PreferenceStore
	LocalStore           LocalCalendarStore
	AuthChecker          AuthStatusChecker
	DefaultLocalCalendar string

	// リフレッシュ
	Engine     Refresher
	WindowDays int

	// メトリクス
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /healthz と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	var conflictsObserver ConflictsObserver
	if deps.Metrics != nil {
		conflictsObserver = deps.Metrics
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	eventHandler := NewEventHandler(deps.Cache, deps.Detector, conflictsObserver)
	sourceHandler := NewSourceHandler(deps.RemoteSources, deps.Preferences, deps.LocalStore, deps.AuthChecker, deps.DefaultLocalCalendar)
	refreshHandler := NewRefreshHandler(deps.Engine, deps.WindowDays)

	// --- レート制限の外のルート ---

	r.Get("/healthz", handleHealthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- レート制限付きのルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// OAuthフロー
		r.Route("/auth", func(r chi.Router) {
			r.Get("/google/login", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
			r.Post("/logout", authHandler.Logout)
		})

		// 予定・コンフリクト（キャッシュ読み取りのみ）
		r.Get("/api/events", eventHandler.ListEvents)
		r.Get("/api/conflicts", eventHandler.ListConflicts)

		// ソース設定
		r.Route("/api/sources", func(r chi.Router) {
			r.Get("/", sourceHandler.ListSources)
			r.Put("/local", sourceHandler.UpdateLocalCalendars)
			r.Put("/remote", sourceHandler.UpdateRemoteSources)
		})

		// POST /api/refresh - 手動リフレッシュ（専用レート制限を追加）
		r.With(deps.RateLimiter.RefreshMiddleware()).Post("/api/refresh", refreshHandler.Refresh)
	})

	return r
}

// handleHealthz はヘルスチェックエンドポイント。
// GET /healthz
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
