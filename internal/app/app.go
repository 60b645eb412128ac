package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/calhub/internal/aggregate"
	"github.com/hitoshi/calhub/internal/auth"
	"github.com/hitoshi/calhub/internal/cache"
	"github.com/hitoshi/calhub/internal/conflict"
	"github.com/hitoshi/calhub/internal/config"
	"github.com/hitoshi/calhub/internal/database"
	"github.com/hitoshi/calhub/internal/handler"
	"github.com/hitoshi/calhub/internal/logger"
	"github.com/hitoshi/calhub/internal/metrics"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/security"
	"github.com/hitoshi/calhub/internal/source"
	"github.com/hitoshi/calhub/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandAuth:
		return runAuth(cfg)
	default:
		return runServe(cfg)
	}
}

// core は集約エンジンとその依存関係のワイヤリング結果。
// serveとworkerで共有される。
type core struct {
	authService *auth.Service
	tracker     *cache.Tracker
	engine      *aggregate.Engine
	localStore  *source.ICSStore
	prefRepo    *repository.PostgresPreferenceRepo
	metrics     *metrics.Collector
	registry    *prometheus.Registry
}

// buildCore はDB接続から集約エンジンまでの依存関係を組み立てる。
func buildCore(cfg *config.Config, db *sql.DB) *core {
	tokenRepo := repository.NewPostgresTokenRepo(db)
	cacheRepo := repository.NewPostgresCacheRepo(db)
	prefRepo := repository.NewPostgresPreferenceRepo(db)

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:    cfg.GoogleClientID,
		RedirectURL: cfg.GoogleRedirectURL,
		Scopes:      cfg.OAuthScopes,
	})
	authService := auth.NewService(oauthProvider, tokenRepo, slog.Default())

	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewNotesSanitizer()

	remotes := make([]aggregate.RemoteFetcher, len(cfg.RemoteSources))
	for i, rs := range cfg.RemoteSources {
		remotes[i] = source.NewRemoteAdapter(source.RemoteAdapterConfig{
			SourceID:   rs.ID,
			PersonName: rs.Person,
			Tokens:     authService,
			Sanitizer:  sanitizer,
			Logger:     slog.Default(),
		})
	}

	localStore := source.NewICSStore(source.ICSStoreConfig{
		Dir:              cfg.LocalICSDir,
		SubscriptionURLs: cfg.ICSSubscriptionURLs,
		Guard:            ssrfGuard,
		Logger:           slog.Default(),
		FetchTimeout:     cfg.FetchTimeout,
	})

	tracker := cache.NewTracker(cacheRepo, cfg.CacheMaxAge, slog.Default())

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	engine := aggregate.NewEngine(aggregate.EngineConfig{
		Remotes:              remotes,
		Local:                localStore,
		Auth:                 authService,
		PrefRepo:             prefRepo,
		Tracker:              tracker,
		DefaultLocalCalendar: cfg.DefaultLocalCalendar,
		Logger:               slog.Default(),
		Metrics:              collector,
	})

	return &core{
		authService: authService,
		tracker:     tracker,
		engine:      engine,
		localStore:  localStore,
		prefRepo:    prefRepo,
		metrics:     collector,
		registry:    registry,
	}
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// バックグラウンドのリフレッシュスケジューラも同一プロセスで起動し、
// 手動リフレッシュと同じ集約エンジンを共有する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := buildCore(cfg, db)

	remoteSources := make([]model.SourceConfig, len(cfg.RemoteSources))
	for i, rs := range cfg.RemoteSources {
		remoteSources[i] = model.SourceConfig{
			SourceID:   rs.ID,
			PersonName: rs.Person,
			Origin:     model.OriginRemote,
		}
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterConfig(cfg)),

		AuthService: c.authService,
		AuthConfig: handler.AuthHandlerConfig{
			SuccessRedirectURL: cfg.BaseURL,
		},

		Cache:    c.tracker,
		Detector: conflict.NewDetector(),

		RemoteSources:        remoteSources,
		Preferences:          c.prefRepo,
		LocalStore:           c.localStore,
		AuthChecker:          c.authService,
		DefaultLocalCalendar: cfg.DefaultLocalCalendar,

		Engine:     c.engine,
		WindowDays: cfg.WindowDays,

		Metrics:  c.metrics,
		Gatherer: c.registry,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// リフレッシュスケジューラをバックグラウンドで起動
	scheduler := refresh.NewScheduler(c.engine, c.tracker, slog.Default(), refresh.SchedulerConfig{
		Interval:   cfg.RefreshInterval,
		WindowDays: cfg.WindowDays,
	})
	go scheduler.Start(ctx)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// HTTPサーバーを持たず、リフレッシュスケジューラのみを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := buildCore(cfg, db)

	scheduler := refresh.NewScheduler(c.engine, c.tracker, slog.Default(), refresh.SchedulerConfig{
		Interval:   cfg.RefreshInterval,
		WindowDays: cfg.WindowDays,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Int("window_days", cfg.WindowDays),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// authFlowTimeout は対話的な認証フローの完了待ち時間の上限。
const authFlowTimeout = 10 * time.Minute

// runAuth は対話的な認証フローを実行する。
// ループバックアドレスで一時リスナーを立ち上げ、ブラウザでの認可完了を待って
// トークンを永続化する。ヘッドレス環境の初期セットアップ用サブコマンド。
func runAuth(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tokenRepo := repository.NewPostgresTokenRepo(db)
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:    cfg.GoogleClientID,
		RedirectURL: cfg.GoogleRedirectURL,
		Scopes:      cfg.OAuthScopes,
	})
	authService := auth.NewService(oauthProvider, tokenRepo, slog.Default())

	presenter := auth.NewLoopbackPresenter(cfg.GoogleRedirectURL, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, authFlowTimeout)
	defer timeoutCancel()

	if err := authService.Authenticate(ctx, presenter); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	slog.Info("authentication completed")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// rateLimiterConfig はconfigのreq/min値からレート制限設定を構築する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = perMinute(cfg.RateLimitGeneral)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitRefresh > 0 {
		rlCfg.RefreshRate = perMinute(cfg.RateLimitRefresh)
		rlCfg.RefreshBurst = cfg.RateLimitRefresh
	}
	return rlCfg
}

// perMinute はreq/min値をrate.Limit(req/sec)に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
