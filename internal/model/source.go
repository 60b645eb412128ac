// Package model はドメインモデルを定義する。
package model

import "time"

// SourceConfig は1つのカレンダーソースの静的設定を表す。
// リモートソースはカレンダーIDと担当者名の固定リストとして設定から供給され、
// 有効/無効フラグのみがユーザー設定として永続化される。
type SourceConfig struct {
	// SourceID はリモートならカレンダーID、ローカルならカレンダー表示名。
	SourceID   string      `json:"source_id"`
	PersonName string      `json:"person_name"`
	Origin     EventOrigin `json:"origin"`
	Enabled    bool        `json:"enabled"`
}

// AuthToken はOAuthクレデンシャルを表す。
// 認可コード交換の成功時に作成され、リフレッシュのたびに
// AccessToken/ExpiresAtが置き換えられる。明示的なサインアウト、
// またはリフレッシュトークン自体が拒否された場合に削除される。
type AuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin はトークンがmarginの猶予内に失効するかを返す。
// チェック時点では有効でもリクエスト到達時に失効している競合を避けるため、
// 呼び出し側は安全マージン付きで判定する。
func (t *AuthToken) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(margin))
}
