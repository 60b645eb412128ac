// Package source はリモートカレンダーAPIとローカルICSストアの
// 予定取得アダプターを提供する。どちらのアダプターも正規化済みの
// model.Eventを返し、集約エンジンからはソース種別を意識せず扱える。
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

// defaultCalendarAPIBaseURL はGoogle Calendar APIのベースURL。
const defaultCalendarAPIBaseURL = "https://www.googleapis.com/calendar/v3"

// maxResultsPerPage は1回のリクエストで取得する予定の最大件数。
const maxResultsPerPage = 250

// maxPages はページネーションの安全上限。
const maxPages = 20

// TokenSource はアクセストークンの取得と無効化のインターフェース。
// auth.Serviceを抽象化し、401応答時のトークン破棄を可能にする。
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	InvalidateToken(ctx context.Context) error
}

// RemoteAdapterConfig はRemoteAdapterの生成パラメータ。
type RemoteAdapterConfig struct {
	// SourceID はカレンダーID（例: family@group.calendar.google.com）。
	SourceID string
	// PersonName はこのカレンダーの担当者表示名。
	PersonName string

	Tokens    TokenSource
	Sanitizer security.NotesSanitizerService
	Logger    *slog.Logger

	// BaseURL はテスト用に差し替え可能なAPIベースURL。
	BaseURL string
	// HTTPClient はテスト用に差し替え可能なHTTPクライアント。
	HTTPClient *http.Client
}

// RemoteAdapter はGoogle Calendar APIから予定を取得するアダプター。
// 1つのカレンダーソースに対して1インスタンス。
type RemoteAdapter struct {
	sourceID   string
	personName string
	tokens     TokenSource
	sanitizer  security.NotesSanitizerService
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client
}

// NewRemoteAdapter はRemoteAdapterの新しいインスタンスを生成する。
func NewRemoteAdapter(cfg RemoteAdapterConfig) *RemoteAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultCalendarAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = security.NewSSRFGuard().NewSafeClient(30 * time.Second)
	}
	return &RemoteAdapter{
		sourceID:   cfg.SourceID,
		personName: cfg.PersonName,
		tokens:     cfg.Tokens,
		sanitizer:  cfg.Sanitizer,
		logger:     cfg.Logger,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// SourceID はこのアダプターが担当するカレンダーIDを返す。
func (a *RemoteAdapter) SourceID() string {
	return a.sourceID
}

// PersonName はこのアダプターの担当者表示名を返す。
func (a *RemoteAdapter) PersonName() string {
	return a.personName
}

// eventsResponse はevents listエンドポイントの応答。
type eventsResponse struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// googleEvent はGoogle Calendar APIの予定リソース。
type googleEvent struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
}

// googleEventTime は予定の開始・終了時刻。
// 終日予定はDateのみ、時刻指定の予定はDateTimeのみが設定される。
type googleEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

// FetchEvents は指定時間範囲の予定を取得して正規化済みリストを返す。
// 単発イベント展開（singleEvents=true）で繰り返し予定はAPI側で展開済み。
// 401応答を受けた場合は保存済みトークンを無効化しNOT_AUTHENTICATEDを返す。
func (a *RemoteAdapter) FetchEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	accessToken, err := a.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	pageToken := ""

	for page := 0; page < maxPages; page++ {
		resp, err := a.fetchPage(ctx, accessToken, start, end, pageToken)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			event, ok := a.toEvent(item)
			if !ok {
				continue
			}
			events = append(events, event)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	a.logger.Info("リモートカレンダーの取得が完了しました",
		slog.String("source_id", a.sourceID),
		slog.Int("event_count", len(events)),
	)
	return events, nil
}

// fetchPage はevents listエンドポイントの1ページ分を取得する。
func (a *RemoteAdapter) fetchPage(ctx context.Context, accessToken string, start, end time.Time, pageToken string) (*eventsResponse, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events", a.baseURL, url.PathEscape(a.sourceID))

	params := url.Values{}
	params.Set("timeMin", start.UTC().Format(time.RFC3339))
	params.Set("timeMax", end.UTC().Format(time.RFC3339))
	params.Set("singleEvents", "true")
	params.Set("orderBy", "startTime")
	params.Set("maxResults", fmt.Sprintf("%d", maxResultsPerPage))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		a.logger.Warn("アクセストークンが拒否されたため無効化します",
			slog.String("source_id", a.sourceID),
		)
		if invErr := a.tokens.InvalidateToken(ctx); invErr != nil {
			a.logger.Error("トークンの無効化に失敗しました", slog.String("error", invErr.Error()))
		}
		return nil, model.NewNotAuthenticatedError()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		a.logger.Error("カレンダーAPIがエラーを返しました",
			slog.String("source_id", a.sourceID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, model.NewAPIStatusError(resp.StatusCode)
	}

	var parsed eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("応答のパースに失敗しました: %w", err)
	}
	return &parsed, nil
}

// toEvent はAPIの予定リソースを正規化済みEventへ変換する。
// キャンセル済み、または時刻情報のない予定はスキップする。
func (a *RemoteAdapter) toEvent(item googleEvent) (model.Event, bool) {
	if item.Status == "cancelled" {
		return model.Event{}, false
	}

	startAt, endAt, isAllDay, err := parseEventTimes(item.Start, item.End)
	if err != nil {
		a.logger.Warn("予定の時刻をパースできないためスキップします",
			slog.String("source_id", a.sourceID),
			slog.String("event_id", item.ID),
			slog.String("error", err.Error()),
		)
		return model.Event{}, false
	}

	event := model.Event{
		ID:         item.ID,
		Title:      item.Summary,
		StartAt:    startAt,
		EndAt:      endAt,
		IsAllDay:   isAllDay,
		Location:   item.Location,
		Notes:      a.sanitizer.SanitizeToText(item.Description),
		PersonName: a.personName,
		SourceID:   a.sourceID,
		Origin:     model.OriginRemote,
	}
	event.Normalize(a.personName)
	return event, true
}

// parseEventTimes は開始・終了のdate/dateTimeフィールドを解釈する。
// dateのみの予定は終日予定として日付の深夜0時（UTC）を境界とする。
// Google APIの終日予定のend.dateは排他的な翌日日付で返される。
func parseEventTimes(start, end googleEventTime) (startAt, endAt time.Time, isAllDay bool, err error) {
	if start.Date != "" {
		startAt, err = time.ParseInLocation("2006-01-02", start.Date, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("start.date: %w", err)
		}
		endAt, err = time.ParseInLocation("2006-01-02", end.Date, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("end.date: %w", err)
		}
		return startAt, endAt, true, nil
	}

	if start.DateTime == "" {
		return time.Time{}, time.Time{}, false, fmt.Errorf("開始時刻がありません")
	}
	startAt, err = time.Parse(time.RFC3339, start.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("start.dateTime: %w", err)
	}
	endAt, err = time.Parse(time.RFC3339, end.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("end.dateTime: %w", err)
	}
	return startAt, endAt, false, nil
}
