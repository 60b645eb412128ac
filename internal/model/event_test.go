package model

import (
	"fmt"
	"testing"
	"time"
)

// Normalizeが空タイトルをプレースホルダーに置換することを検証
func TestEvent_Normalize_EmptyTitle(t *testing.T) {
	ev := Event{
		ID:         "ev-1",
		StartAt:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		PersonName: "Alice",
	}
	ev.Normalize("Alice")

	if ev.Title == "" {
		t.Error("空タイトルはプレースホルダーに置換されるべき")
	}
}

// Normalizeが空PersonNameをフォールバック名で補完することを検証
func TestEvent_Normalize_EmptyPersonName(t *testing.T) {
	ev := Event{
		ID:      "ev-1",
		Title:   "会議",
		StartAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
	ev.Normalize("家族カレンダー")

	if ev.PersonName != "家族カレンダー" {
		t.Errorf("PersonName = %q, want %q", ev.PersonName, "家族カレンダー")
	}
}

// Normalizeが逆転した時刻範囲をクランプすることを検証
func TestEvent_Normalize_ClampsReversedRange(t *testing.T) {
	start := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	ev := Event{
		ID:         "ev-1",
		Title:      "会議",
		StartAt:    start,
		EndAt:      start.Add(-time.Hour),
		PersonName: "Alice",
	}
	ev.Normalize("Alice")

	if ev.EndAt.Before(ev.StartAt) {
		t.Errorf("EndAt(%v)はStartAt(%v)以上であるべき", ev.EndAt, ev.StartAt)
	}
	if !ev.EndAt.Equal(start) {
		t.Errorf("EndAtはStartAtにクランプされるべき: got %v", ev.EndAt)
	}
}

// NormalizeがタイムスタンプをUTCへ変換することを検証
func TestEvent_Normalize_ConvertsToUTC(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)
	ev := Event{
		ID:         "ev-1",
		Title:      "会議",
		StartAt:    time.Date(2025, 6, 1, 19, 0, 0, 0, jst),
		EndAt:      time.Date(2025, 6, 1, 20, 0, 0, 0, jst),
		PersonName: "Alice",
	}
	ev.Normalize("Alice")

	if ev.StartAt.Location() != time.UTC {
		t.Errorf("StartAtのLocationはUTCであるべき: got %v", ev.StartAt.Location())
	}
	if ev.StartAt.Hour() != 10 {
		t.Errorf("JST 19:00はUTC 10:00に変換されるべき: got %d時", ev.StartAt.Hour())
	}
}

// Overlapsの半開区間判定を検証
func TestEvent_Overlaps(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mk := func(startMin, endMin int) *Event {
		return &Event{
			StartAt: base.Add(time.Duration(startMin) * time.Minute),
			EndAt:   base.Add(time.Duration(endMin) * time.Minute),
		}
	}

	tests := []struct {
		name string
		a    *Event
		b    *Event
		want bool
	}{
		{"部分的に重なる", mk(0, 60), mk(30, 90), true},
		{"完全に包含する", mk(0, 60), mk(15, 45), true},
		{"同一区間", mk(0, 60), mk(0, 60), true},
		{"連続する予定（終了=開始）は重ならない", mk(0, 60), mk(60, 120), false},
		{"離れた予定", mk(0, 60), mk(120, 180), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
			// 対称性の確認
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps()は対称であるべき: got %v, want %v", got, tt.want)
			}
		})
	}
}

// IsStaleの失効判定を検証
func TestCacheEntry_IsStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		fetchedAt time.Time
		maxAge    time.Duration
		want      bool
	}{
		{"取得直後は失効していない", now, time.Hour, false},
		{"maxAge以内は失効していない", now.Add(-30 * time.Minute), time.Hour, false},
		{"ちょうどmaxAgeは失効していない", now.Add(-time.Hour), time.Hour, false},
		{"maxAge超過で失効", now.Add(-2 * time.Hour), time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{FetchedAt: tt.fetchedAt}
			if got := entry.IsStale(now, tt.maxAge); got != tt.want {
				t.Errorf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ExpiresWithinの安全マージン付き失効判定を検証
func TestAuthToken_ExpiresWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		margin    time.Duration
		want      bool
	}{
		{"30秒後に失効するトークンは60秒マージンで失効扱い", now.Add(30 * time.Second), 60 * time.Second, true},
		{"十分先に失効するトークンは有効", now.Add(time.Hour), 60 * time.Second, false},
		{"すでに失効したトークン", now.Add(-time.Minute), 60 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &AuthToken{ExpiresAt: tt.expiresAt}
			if got := token.ExpiresWithin(now, tt.margin); got != tt.want {
				t.Errorf("ExpiresWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}

// IsNotAuthenticatedがラップされたエラーでも判定できることを検証
func TestIsNotAuthenticated_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("リモートソースの取得に失敗しました: %w", NewNotAuthenticatedError())
	if !IsNotAuthenticated(wrapped) {
		t.Error("ラップされたNOT_AUTHENTICATEDエラーを判定できるべき")
	}
	if IsNotAuthenticated(NewNetworkError("timeout")) {
		t.Error("NETWORK_ERRORはNOT_AUTHENTICATEDと判定されるべきでない")
	}
}
