package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
)

// maxRefreshWindowDays は手動リフレッシュで指定できる取得ウィンドウの上限。
const maxRefreshWindowDays = 60

// Refresher はオンデマンドの集約実行インターフェース。
type Refresher interface {
	Refresh(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// RefreshHandler は手動リフレッシュのHTTPハンドラー。
type RefreshHandler struct {
	engine     Refresher
	windowDays int
	now        func() time.Time
}

// NewRefreshHandler はRefreshHandlerを生成する。
// windowDaysはdaysクエリパラメータ省略時のデフォルトウィンドウ日数。
func NewRefreshHandler(engine Refresher, windowDays int) *RefreshHandler {
	return &RefreshHandler{
		engine:     engine,
		windowDays: windowDays,
		now:        time.Now,
	}
}

// refreshResponse は手動リフレッシュのAPIレスポンス。
type refreshResponse struct {
	EventCount  int       `json:"event_count"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Refresh はオンデマンドの集約実行をトリガーする。
// POST /api/refresh?days=7
//
// ウィンドウは当日のUTC深夜0時からdays日後まで。集約エンジン側の
// 直列化により、バックグラウンドの定期リフレッシュと同時には走らない。
func (h *RefreshHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	days := h.windowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRefreshWindowDays {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError(
				"daysは1以上"+strconv.Itoa(maxRefreshWindowDays)+"以下の整数で指定してください"))
			return
		}
		days = parsed
	}

	now := h.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, days)

	events, err := h.engine.Refresh(r.Context(), start, end)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		EventCount:  len(events),
		RefreshedAt: now,
	})
}
