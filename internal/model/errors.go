// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, source, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated     = "NOT_AUTHENTICATED"
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeNoAuthorizationCode  = "NO_AUTHORIZATION_CODE"
	ErrCodeCodeExchangeFailed   = "CODE_EXCHANGE_FAILED"
	ErrCodeTokenRefreshFailed   = "TOKEN_REFRESH_FAILED"
	ErrCodeNetworkError         = "NETWORK_ERROR"
	ErrCodeAPIError             = "API_ERROR"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeCacheEmpty           = "CACHE_EMPTY"
	ErrCodeInvalidRange         = "INVALID_RANGE"
	ErrCodeAllSourcesFailed     = "ALL_SOURCES_FAILED"
)

// NewNotAuthenticatedError は未認証エラーを生成する。
// クレデンシャルの不在・失効・サーバー側拒否のすべてで使用され、
// 再認証によってのみ回復する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "リモートカレンダーに接続されていません。",
		Category: "auth",
		Action:   "カレンダーを再接続してください。",
	}
}

// NewAuthenticationFailedError は認証フロー失敗エラーを生成する。
func NewAuthenticationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationFailed,
		Message:  fmt.Sprintf("認証フローに失敗しました: %s", reason),
		Category: "auth",
		Action:   "しばらく待ってから再接続してください。",
	}
}

// NewNoAuthorizationCodeError はコールバックURLに認可コードが含まれない場合のエラーを生成する。
func NewNoAuthorizationCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeNoAuthorizationCode,
		Message:  "コールバックURLから認可コードを取得できませんでした。",
		Category: "auth",
		Action:   "認証をやり直してください。",
	}
}

// NewCodeExchangeFailedError は認可コードのトークン交換失敗エラーを生成する。
func NewCodeExchangeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCodeExchangeFailed,
		Message:  fmt.Sprintf("認可コードのトークン交換に失敗しました: %s", reason),
		Category: "auth",
		Action:   "認証をやり直してください。",
	}
}

// NewTokenRefreshFailedError はトークンリフレッシュ失敗エラーを生成する。
func NewTokenRefreshFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeTokenRefreshFailed,
		Message:  fmt.Sprintf("アクセストークンの更新に失敗しました: %s", reason),
		Category: "auth",
		Action:   "カレンダーを再接続してください。",
	}
}

// NewNetworkError はネットワークエラーを生成する。
// 一時的な障害であり、次回のリフレッシュで回復し得る。
func NewNetworkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkError,
		Message:  fmt.Sprintf("ネットワークエラーが発生しました: %s", reason),
		Category: "source",
		Action:   "接続を確認し、次回の自動更新をお待ちください。",
	}
}

// NewAPIStatusError はリモートプロバイダーのエラー応答を生成する。
func NewAPIStatusError(statusCode int) *APIError {
	return &APIError{
		Code:     ErrCodeAPIError,
		Message:  fmt.Sprintf("リモートカレンダーAPIがエラーを返しました: HTTP %d", statusCode),
		Category: "source",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているカレンダーURLを指定してください。プライベートIPへのアクセスは許可されていません。",
	}
}

// NewCacheEmptyError はキャッシュが一度も作成されていない場合のエラーを生成する。
func NewCacheEmptyError() *APIError {
	return &APIError{
		Code:     ErrCodeCacheEmpty,
		Message:  "予定データがまだ取得されていません。",
		Category: "system",
		Action:   "初回の更新が完了するまでお待ちください。",
	}
}

// NewInvalidRangeError は不正な日付範囲エラーを生成する。
func NewInvalidRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("無効な日付範囲です: %s", reason),
		Category: "validation",
		Action:   "開始日時が終了日時より前になるよう指定してください。",
	}
}

// NewAllSourcesFailedError は全ソースの取得が失敗した場合のエラーを生成する。
// 一部でも成功したソースがあればこのエラーは発生しない。
func NewAllSourcesFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAllSourcesFailed,
		Message:  "すべてのカレンダーソースの取得に失敗しました。",
		Category: "source",
		Action:   "接続状態と認証状態を確認してください。",
	}
}

// IsCode はエラーチェーンに指定コードのAPIErrorが含まれるかを返す。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsNotAuthenticated は未認証エラーかどうかを返す。
// 集約エンジンがリモート取得のスキップ判定に使用する。
func IsNotAuthenticated(err error) bool {
	return IsCode(err, ErrCodeNotAuthenticated)
}
