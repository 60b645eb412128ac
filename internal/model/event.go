// Package model はドメインモデルを定義する。
package model

import "time"

// EventOrigin は予定の取得元種別を表す。
// 診断用に保持され、ビジネスロジックでは使用しない。
type EventOrigin string

const (
	// OriginRemote はリモートカレンダーAPI由来の予定。
	OriginRemote EventOrigin = "remote"
	// OriginLocal はローカルイベントストア由来の予定。
	OriginLocal EventOrigin = "local"
)

// placeholderTitle はタイトルが空の予定に補完する表示文字列。
const placeholderTitle = "（無題の予定）"

// Event はソース非依存に正規化された予定を表す。
// アダプターから出た時点で以下の不変条件を満たす:
//   - EndAt >= StartAt（不正な範囲はアダプターがクランプする）
//   - PersonName は空でない（ソース表示名で補完される）
//   - StartAt/EndAt は絶対時刻（UTC正規化済み。表示ローカル変換は表示層の責務）
type Event struct {
	// ID はソース内でのみ一意な識別子。グローバル一意性は保証されない。
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	StartAt    time.Time   `json:"start_at"`
	EndAt      time.Time   `json:"end_at"`
	IsAllDay   bool        `json:"is_all_day"`
	Location   string      `json:"location,omitempty"`
	Notes      string      `json:"notes,omitempty"` // サニタイズ済みプレーンテキスト
	PersonName string      `json:"person_name"`
	SourceID   string      `json:"source_id"`
	Origin     EventOrigin `json:"origin"`
}

// Normalize は予定の不変条件を強制する。
// アダプターは予定を返す直前に必ず呼び出すこと。
//   - 空タイトルはプレースホルダーに置換
//   - 空PersonNameはfallbackPersonに置換
//   - EndAt < StartAt の場合はEndAtをStartAtにクランプ
//   - タイムスタンプをUTCへ変換
func (e *Event) Normalize(fallbackPerson string) {
	if e.Title == "" {
		e.Title = placeholderTitle
	}
	if e.PersonName == "" {
		e.PersonName = fallbackPerson
	}
	e.StartAt = e.StartAt.UTC()
	e.EndAt = e.EndAt.UTC()
	if e.EndAt.Before(e.StartAt) {
		e.EndAt = e.StartAt
	}
}

// Key はソース内IDと取得元を組み合わせた複合キーを返す。
// ソース間でIDが衝突し得るため、重複排除にはこのキーを使用する。
func (e *Event) Key() string {
	return string(e.Origin) + "/" + e.SourceID + "/" + e.ID
}

// Overlaps は半開区間 [StartAt, EndAt) 同士の重なりを判定する。
// 終了時刻と開始時刻が一致する連続予定は重なりとみなさない。
func (e *Event) Overlaps(other *Event) bool {
	return e.StartAt.Before(other.EndAt) && other.StartAt.Before(e.EndAt)
}

// ConflictPair は異なる人物同士の時間帯が重なる予定の組を表す。
// オンデマンドで計算され、永続化されない。
type ConflictPair struct {
	EventA Event `json:"event_a"`
	EventB Event `json:"event_b"`
}

// CacheEntry はキャッシュされた予定一覧と取得時刻を表す。
// 集約実行が成功するたびにアトミックに置き換えられる。
// 失敗した実行は前回のCacheEntryを変更しない。
type CacheEntry struct {
	Events    []Event   `json:"events"`
	FetchedAt time.Time `json:"fetched_at"`
}

// IsStale はキャッシュの経過時間がmaxAgeを超えているかを返す。
// 失効はバックグラウンドリフレッシュの起動判定にのみ使用され、
// キャッシュ済みデータの表示可否には影響しない。
func (c *CacheEntry) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.FetchedAt) > maxAge
}
