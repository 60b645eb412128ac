// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// CacheReader は予定キャッシュの読み取りインターフェース。
type CacheReader interface {
	// Get は現在のキャッシュエントリを返す。キャッシュが空の場合はnilを返す。
	Get(ctx context.Context) (*model.CacheEntry, error)
	// IsStale はキャッシュが失効しているかを返す。
	IsStale(ctx context.Context, now time.Time) (bool, error)
}

// ConflictDetector はキャッシュ済み予定からコンフリクトを算出するインターフェース。
type ConflictDetector interface {
	Detect(events []model.Event, now time.Time) []model.ConflictPair
}

// ConflictsObserver はコンフリクト件数メトリクスの記録インターフェース。
type ConflictsObserver interface {
	ObserveConflicts(count int)
}

// noopConflictsObserver はメトリクス未設定時のフォールバック。
type noopConflictsObserver struct{}

func (noopConflictsObserver) ObserveConflicts(int) {}

// EventHandler は予定一覧とコンフリクト一覧のHTTPハンドラー。
// どちらの操作もキャッシュのみを参照し、ネットワークアクセスは発生しない。
type EventHandler struct {
	cache    CacheReader
	detector ConflictDetector
	metrics  ConflictsObserver
	now      func() time.Time
}

// NewEventHandler はEventHandlerを生成する。metricsはnilでもよい。
func NewEventHandler(cache CacheReader, detector ConflictDetector, metrics ConflictsObserver) *EventHandler {
	if metrics == nil {
		metrics = noopConflictsObserver{}
	}
	return &EventHandler{
		cache:    cache,
		detector: detector,
		metrics:  metrics,
		now:      time.Now,
	}
}

// eventListResponse は予定一覧のAPIレスポンス。
type eventListResponse struct {
	Events    []model.Event `json:"events"`
	FetchedAt time.Time     `json:"fetched_at"`
	Stale     bool          `json:"stale"`
}

// conflictListResponse はコンフリクト一覧のAPIレスポンス。
type conflictListResponse struct {
	Conflicts []model.ConflictPair `json:"conflicts"`
	FetchedAt time.Time            `json:"fetched_at"`
	Stale     bool                 `json:"stale"`
}

// ListEvents はキャッシュ済みの予定一覧を返す。
// GET /api/events
//
// キャッシュが失効していてもキャッシュ内容をそのまま返し、staleフラグで
// 失効を通知する。同期的なソース取得は行わない。
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	entry, stale, err := h.loadCache(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, eventListResponse{
		Events:    entry.Events,
		FetchedAt: entry.FetchedAt,
		Stale:     stale,
	})
}

// ListConflicts はキャッシュ済み予定から算出したコンフリクト一覧を返す。
// GET /api/conflicts
func (h *EventHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	entry, stale, err := h.loadCache(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	conflicts := h.detector.Detect(entry.Events, h.now())
	h.metrics.ObserveConflicts(len(conflicts))

	writeJSON(w, http.StatusOK, conflictListResponse{
		Conflicts: conflicts,
		FetchedAt: entry.FetchedAt,
		Stale:     stale,
	})
}

// loadCache はキャッシュエントリと失効フラグを取得する。
// キャッシュが一度も作成されていない場合はCACHE_EMPTYエラーを返す。
func (h *EventHandler) loadCache(ctx context.Context) (*model.CacheEntry, bool, error) {
	entry, err := h.cache.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, model.NewCacheEmptyError()
	}

	stale, err := h.cache.IsStale(ctx, h.now())
	if err != nil {
		return nil, false, err
	}
	return entry, stale, nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
