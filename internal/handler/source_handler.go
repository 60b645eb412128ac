package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/source"
)

// PreferenceStore はソース設定の読み書きインターフェース。
type PreferenceStore interface {
	FindEnabledLocalCalendars(ctx context.Context) ([]string, bool, error)
	SaveEnabledLocalCalendars(ctx context.Context, names []string) error
	FindDisabledRemoteSources(ctx context.Context) (map[string]bool, error)
	SaveDisabledRemoteSources(ctx context.Context, sourceIDs []string) error
}

// LocalCalendarStore はローカルイベントストアの参照インターフェース。
type LocalCalendarStore interface {
	ListCalendars(ctx context.Context) ([]string, error)
	AuthorizationStatus() source.AuthorizationStatus
}

// AuthStatusChecker はリモートソースの認証状態の確認インターフェース。
type AuthStatusChecker interface {
	IsAuthenticated(ctx context.Context) (bool, error)
}

// SourceHandler はカレンダーソース設定のHTTPハンドラー。
type SourceHandler struct {
	remotes              []model.SourceConfig
	prefs                PreferenceStore
	local                LocalCalendarStore
	auth                 AuthStatusChecker
	defaultLocalCalendar string
}

// NewSourceHandler はSourceHandlerを生成する。
// remotesは設定から供給される静的なリモートソース一覧（Enabledは無視される）。
func NewSourceHandler(remotes []model.SourceConfig, prefs PreferenceStore, local LocalCalendarStore, auth AuthStatusChecker, defaultLocalCalendar string) *SourceHandler {
	return &SourceHandler{
		remotes:              remotes,
		prefs:                prefs,
		local:                local,
		auth:                 auth,
		defaultLocalCalendar: defaultLocalCalendar,
	}
}

// remoteSourceResponse はリモートソース1件のAPIレスポンス。
type remoteSourceResponse struct {
	SourceID   string `json:"source_id"`
	PersonName string `json:"person_name"`
	Enabled    bool   `json:"enabled"`
}

// localCalendarResponse はローカルカレンダー1件のAPIレスポンス。
type localCalendarResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// sourceListResponse はソース一覧のAPIレスポンス。
type sourceListResponse struct {
	Remote              []remoteSourceResponse  `json:"remote"`
	RemoteAuthenticated bool                    `json:"remote_authenticated"`
	LocalAuthorization  string                  `json:"local_authorization"`
	LocalCalendars      []localCalendarResponse `json:"local_calendars"`
}

// updateLocalCalendarsRequest は有効ローカルカレンダー更新リクエストのボディ。
type updateLocalCalendarsRequest struct {
	Calendars []string `json:"calendars"`
}

// ListSources は設定済みソースの一覧と有効状態を返す。
// GET /api/sources
func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	disabled, err := h.prefs.FindDisabledRemoteSources(ctx)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	remotes := make([]remoteSourceResponse, len(h.remotes))
	for i, rs := range h.remotes {
		remotes[i] = remoteSourceResponse{
			SourceID:   rs.SourceID,
			PersonName: rs.PersonName,
			Enabled:    !disabled[rs.SourceID],
		}
	}

	authenticated, err := h.auth.IsAuthenticated(ctx)
	if err != nil {
		// 認証状態の確認失敗は未認証として扱い、一覧表示自体は継続する
		slog.Warn("認証状態の確認に失敗しました", slog.String("error", err.Error()))
		authenticated = false
	}

	locals, err := h.localCalendars(ctx)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sourceListResponse{
		Remote:              remotes,
		RemoteAuthenticated: authenticated,
		LocalAuthorization:  h.local.AuthorizationStatus().String(),
		LocalCalendars:      locals,
	})
}

// UpdateLocalCalendars は有効なローカルカレンダー集合を置き換える。
// PUT /api/sources/local
//
// 空配列はローカルカレンダーを全て無効化する明示的な設定として保存される。
func (h *SourceHandler) UpdateLocalCalendars(w http.ResponseWriter, r *http.Request) {
	var req updateLocalCalendarsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	names := req.Calendars
	if names == nil {
		names = []string{}
	}

	if err := h.prefs.SaveEnabledLocalCalendars(r.Context(), names); err != nil {
		handleServiceError(w, err)
		return
	}

	locals, err := h.localCalendars(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		LocalCalendars []localCalendarResponse `json:"local_calendars"`
	}{LocalCalendars: locals})
}

// updateRemoteSourcesRequest は無効リモートソース更新リクエストのボディ。
type updateRemoteSourcesRequest struct {
	Disabled []string `json:"disabled"`
}

// UpdateRemoteSources は無効化するリモートソースIDの集合を置き換える。
// PUT /api/sources/remote
//
// 設定に存在しないソースIDは無視せずそのまま保存する。設定の変更で
// ソースが復活した場合に無効状態を引き継ぐため。
func (h *SourceHandler) UpdateRemoteSources(w http.ResponseWriter, r *http.Request) {
	var req updateRemoteSourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	disabled := req.Disabled
	if disabled == nil {
		disabled = []string{}
	}

	if err := h.prefs.SaveDisabledRemoteSources(r.Context(), disabled); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// localCalendars はローカルカレンダー一覧と有効状態を組み立てる。
func (h *SourceHandler) localCalendars(ctx context.Context) ([]localCalendarResponse, error) {
	names, err := h.local.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}

	enabledNames, found, err := h.prefs.FindEnabledLocalCalendars(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(enabledNames))
	if found {
		for _, n := range enabledNames {
			enabled[n] = true
		}
	} else {
		// 未保存の場合はデフォルトカレンダーのみ有効
		enabled[h.defaultLocalCalendar] = true
	}

	results := make([]localCalendarResponse, len(names))
	for i, n := range names {
		results[i] = localCalendarResponse{
			Name:    n,
			Enabled: enabled[n],
		}
	}
	return results, nil
}
