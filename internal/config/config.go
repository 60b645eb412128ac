// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RemoteSource は設定で与えられるリモートカレンダーソースの定義。
// カレンダーIDと担当者名の静的な組であり、動的ディスパッチは不要。
type RemoteSource struct {
	ID     string `json:"id"`
	Person string `json:"person"`
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	// PKCEを使用するためクライアントシークレットは保持しない。
	GoogleClientID    string
	GoogleRedirectURL string
	OAuthScopes       string

	// Sources
	RemoteSources        []RemoteSource
	LocalICSDir          string
	DefaultLocalCalendar string
	ICSSubscriptionURLs  []string

	// Fetch / Refresh
	FetchTimeout    time.Duration
	RefreshInterval time.Duration
	CacheMaxAge     time.Duration
	WindowDays      int

	// Rate Limit
	RateLimitGeneral int
	RateLimitRefresh int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Remote sources（JSON配列。未設定の場合は空リスト＝ローカルのみ運用）
	sources, err := parseRemoteSources(os.Getenv("REMOTE_SOURCES"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse REMOTE_SOURCES: %w", err)
	}
	cfg.RemoteSources = sources

	// Optional fields with defaults
	cfg.OAuthScopes = getEnvString("OAUTH_SCOPES", "https://www.googleapis.com/auth/calendar.readonly")
	cfg.LocalICSDir = getEnvString("LOCAL_ICS_DIR", "./calendars")
	cfg.DefaultLocalCalendar = getEnvString("DEFAULT_LOCAL_CALENDAR", "Family")
	cfg.ICSSubscriptionURLs = parseCommaList(os.Getenv("ICS_SUBSCRIPTION_URLS"))
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 15*time.Minute)
	cfg.CacheMaxAge = getEnvDuration("CACHE_MAX_AGE", 6*time.Hour)
	cfg.WindowDays = getEnvInt("WINDOW_DAYS", 7)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRefresh = getEnvInt("RATE_LIMIT_REFRESH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// parseRemoteSources はREMOTE_SOURCES環境変数のJSON配列をパースする。
// 例: [{"id":"family@group.calendar.google.com","person":"Alice"}]
func parseRemoteSources(raw string) ([]RemoteSource, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var sources []RemoteSource
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, err
	}

	for i, s := range sources {
		if s.ID == "" {
			return nil, fmt.Errorf("remote source #%d: id is empty", i)
		}
		if s.Person == "" {
			return nil, fmt.Errorf("remote source #%d: person is empty", i)
		}
	}

	return sources, nil
}

// parseCommaList はカンマ区切りの環境変数値を要素リストに変換する。
func parseCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
