package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
)

// mapAPIErrorToHTTPStatus はエラーコードをHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeAuthenticationFailed, model.ErrCodeNoAuthorizationCode:
		return http.StatusBadRequest
	case model.ErrCodeCodeExchangeFailed, model.ErrCodeTokenRefreshFailed:
		return http.StatusBadGateway
	case model.ErrCodeInvalidRange:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeCacheEmpty:
		return http.StatusNotFound
	case model.ErrCodeNetworkError, model.ErrCodeAPIError, model.ErrCodeAllSourcesFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError はサービス層のエラーを統一フォーマットのHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
