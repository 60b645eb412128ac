package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// AuthFlowService は認証ハンドラーが必要とするサービスインターフェース。
// stateの検証とPKCEフローの管理はサービス層が行う。
type AuthFlowService interface {
	// BeginAuthorization は認可フローを開始し、認可URLを返す。
	// 既に進行中のフローがある場合は同じURLを返す。
	BeginAuthorization() (string, error)
	// CompleteAuthorization はコールバックの認可コードをトークンに交換する。
	CompleteAuthorization(ctx context.Context, code, state string) error
	// SignOut は保存されたクレデンシャルを破棄する（冪等）。
	SignOut(ctx context.Context) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// SuccessRedirectURL は認証完了後にリダイレクトするフロントエンドURL。
	SuccessRedirectURL string
}

// AuthHandler はOAuth認証フローのHTTPハンドラー。
type AuthHandler struct {
	service AuthFlowService
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthFlowService, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はOAuth認可フローを開始し、プロバイダーの認可URLへリダイレクトする。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.service.BeginAuthorization()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
//
// stateの検証（CSRF対策）はサービス層が進行中フローと突き合わせて行う。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	if err := h.service.CompleteAuthorization(r.Context(), code, state); err != nil {
		slog.Error("OAuthコールバックの処理に失敗しました", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, h.config.SuccessRedirectURL, http.StatusTemporaryRedirect)
}

// Logout は保存されたクレデンシャルを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
