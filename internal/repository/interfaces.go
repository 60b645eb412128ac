// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/calhub/internal/model"
)

// TokenRepository はOAuthクレデンシャルの永続化インターフェース。
// トークンは常に1件のみ保持され、リフレッシュのたびにアトミックに置き換えられる。
type TokenRepository interface {
	// Find は保存されたトークンを取得する。未保存の場合はnilを返す。
	Find(ctx context.Context) (*model.AuthToken, error)

	// Save はトークンをアトミックにUPSERTする。
	Save(ctx context.Context, token *model.AuthToken) error

	// Delete は保存されたトークンを削除する。未保存でもエラーを返さない（冪等）。
	Delete(ctx context.Context) error
}

// CacheRepository は集約済み予定キャッシュの永続化インターフェース。
type CacheRepository interface {
	// Find は最新のCacheEntryを取得する。一度も保存されていない場合はnilを返す。
	Find(ctx context.Context) (*model.CacheEntry, error)

	// Replace はCacheEntryをアトミックに置き換える。
	// 部分的な上書きは発生せず、読み手が書きかけのエントリを観測することはない。
	Replace(ctx context.Context, entry *model.CacheEntry) error
}

// PreferenceRepository はユーザー設定の永続化インターフェース。
// 有効なローカルカレンダー集合と無効化されたリモートソース集合を保持する。
type PreferenceRepository interface {
	// FindEnabledLocalCalendars は有効なローカルカレンダー名の集合を返す。
	// 一度も保存されていない場合は (nil, false, nil) を返し、
	// 呼び出し側がデフォルト値を適用する。
	FindEnabledLocalCalendars(ctx context.Context) ([]string, bool, error)

	// SaveEnabledLocalCalendars は有効なローカルカレンダー名の集合を置き換える。
	SaveEnabledLocalCalendars(ctx context.Context, names []string) error

	// FindDisabledRemoteSources は無効化されたリモートソースIDの集合を返す。
	// 未保存の場合は空集合を返す（リモートソースはデフォルトで全て有効）。
	FindDisabledRemoteSources(ctx context.Context) (map[string]bool, error)

	// SaveDisabledRemoteSources は無効化されたリモートソースIDの集合を置き換える。
	SaveDisabledRemoteSources(ctx context.Context, sourceIDs []string) error
}
