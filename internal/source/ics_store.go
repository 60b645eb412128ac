package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

// AuthorizationStatus はローカルイベントストアへのアクセス許可状態を表す。
type AuthorizationStatus int

const (
	// AuthorizationNotDetermined はストアが未設定（ディレクトリが存在しない）。
	AuthorizationNotDetermined AuthorizationStatus = iota
	// AuthorizationDenied はストアへのアクセスが拒否されている。
	AuthorizationDenied
	// AuthorizationAuthorized はストアへのアクセスが許可されている。
	AuthorizationAuthorized
)

// String はステータスの文字列表現を返す。
func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationAuthorized:
		return "authorized"
	case AuthorizationDenied:
		return "denied"
	default:
		return "not_determined"
	}
}

// maxOccurrencesPerEvent は繰り返し展開の安全上限。
const maxOccurrencesPerEvent = 1000

// maxICSBodySize は購読ICSフィードの最大取得サイズ。
const maxICSBodySize = 5 * 1024 * 1024

// ICSStoreConfig はICSStoreの生成パラメータ。
type ICSStoreConfig struct {
	// Dir はローカルカレンダーファイル（.ics）の配置ディレクトリ。
	Dir string
	// SubscriptionURLs は購読するリモートICSフィードのURLリスト。
	SubscriptionURLs []string

	Guard  security.SSRFGuardService
	Logger *slog.Logger

	// FetchTimeout は購読フィード取得のタイムアウト。
	FetchTimeout time.Duration
	// HTTPClient はテスト用に差し替え可能なHTTPクライアント。
	// 未指定の場合はSSRFガード付きクライアントを使用する。
	HTTPClient *http.Client
}

// ICSStore はICSファイルディレクトリと購読フィードを束ねたローカルイベントストア。
// ネットワークエラーや個別ファイルのパースエラーは取得失敗として扱わず、
// 該当カレンダーの予定を空とみなして処理を続行する。
type ICSStore struct {
	dir              string
	subscriptionURLs []string
	guard            security.SSRFGuardService
	logger           *slog.Logger
	httpClient       *http.Client
}

// NewICSStore はICSStoreの新しいインスタンスを生成する。
func NewICSStore(cfg ICSStoreConfig) *ICSStore {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cfg.Guard.NewSafeClient(timeout)
	}
	return &ICSStore{
		dir:              cfg.Dir,
		subscriptionURLs: cfg.SubscriptionURLs,
		guard:            cfg.Guard,
		logger:           cfg.Logger,
		httpClient:       httpClient,
	}
}

// AuthorizationStatus はストアディレクトリのアクセス許可状態を返す。
func (s *ICSStore) AuthorizationStatus() AuthorizationStatus {
	info, err := os.Stat(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return AuthorizationNotDetermined
		}
		if os.IsPermission(err) {
			return AuthorizationDenied
		}
		return AuthorizationDenied
	}
	if !info.IsDir() {
		return AuthorizationDenied
	}
	if _, err := os.ReadDir(s.dir); err != nil {
		return AuthorizationDenied
	}
	return AuthorizationAuthorized
}

// ListCalendars は利用可能なカレンダー名の一覧を返す。
// ローカルファイルのカレンダー名はX-WR-CALNAME、なければファイル名から決まる。
// 購読フィードの名前はURLパスのファイル名から決まる（一覧時には取得しない）。
func (s *ICSStore) ListCalendars(ctx context.Context) ([]string, error) {
	var names []string
	seen := make(map[string]bool)

	if s.AuthorizationStatus() == AuthorizationAuthorized {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return nil, fmt.Errorf("カレンダーディレクトリの読み取りに失敗しました: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".ics") {
				continue
			}
			name := s.localCalendarName(filepath.Join(s.dir, entry.Name()))
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	for _, rawURL := range s.subscriptionURLs {
		name := subscriptionCalendarName(rawURL)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names, nil
}

// FetchEvents は許可リストに含まれるカレンダーの予定を指定範囲で返す。
// ディレクトリが未許可でも購読URLがあれば購読分のみで処理を続行する。
// ストア全体が利用できない場合のみエラーを返し、個別カレンダーの
// 読み取り・取得・パース失敗はログのみで処理を続行する。
func (s *ICSStore) FetchEvents(ctx context.Context, enabledCalendars []string, start, end time.Time) ([]model.Event, error) {
	status := s.AuthorizationStatus()
	if status != AuthorizationAuthorized && len(s.subscriptionURLs) == 0 {
		s.logger.Warn("ローカルイベントストアが利用できません",
			slog.String("status", status.String()),
			slog.String("dir", s.dir),
		)
		return nil, fmt.Errorf("ローカルイベントストアが利用できません: %s", status)
	}

	enabled := make(map[string]bool, len(enabledCalendars))
	for _, name := range enabledCalendars {
		enabled[name] = true
	}

	var events []model.Event

	if status == AuthorizationAuthorized {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.logger.Warn("カレンダーディレクトリの読み取りに失敗しました", slog.String("error", err.Error()))
		} else {
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".ics") {
					continue
				}
				path := filepath.Join(s.dir, entry.Name())
				events = append(events, s.fetchLocalFile(path, enabled, start, end)...)
			}
		}
	}

	for _, rawURL := range s.subscriptionURLs {
		events = append(events, s.fetchSubscription(ctx, rawURL, enabled, start, end)...)
	}

	return events, nil
}

// fetchLocalFile は1つのICSファイルから許可リスト内のカレンダーの予定を取得する。
func (s *ICSStore) fetchLocalFile(path string, enabled map[string]bool, start, end time.Time) []model.Event {
	body, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("ICSファイルの読み取りに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("ICSファイルのパースに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil
	}

	name := calendarDisplayName(cal, fileStem(path))
	if !enabled[name] {
		return nil
	}
	return s.expandCalendar(cal, name, start, end)
}

// fetchSubscription は購読ICSフィードから許可リスト内のカレンダーの予定を取得する。
// URL検証（SSRF）と取得の失敗はログのみで空を返す。
func (s *ICSStore) fetchSubscription(ctx context.Context, rawURL string, enabled map[string]bool, start, end time.Time) []model.Event {
	name := subscriptionCalendarName(rawURL)
	if !enabled[name] {
		return nil
	}

	if err := s.guard.ValidateURL(rawURL); err != nil {
		s.logger.Warn("購読フィードのURLが拒否されました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		s.logger.Warn("購読フィードのリクエスト作成に失敗しました", slog.String("error", err.Error()))
		return nil
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("購読フィードの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("購読フィードがエラーを返しました",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxICSBodySize))
	if err != nil {
		s.logger.Warn("購読フィードの読み取りに失敗しました", slog.String("error", err.Error()))
		return nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("購読フィードのパースに失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return s.expandCalendar(cal, name, start, end)
}

// expandCalendar はカレンダー内の全VEVENTを指定範囲の予定に展開する。
func (s *ICSStore) expandCalendar(cal *ical.Calendar, calendarName string, start, end time.Time) []model.Event {
	var events []model.Event
	for _, ve := range cal.Events() {
		expanded, err := s.expandVEvent(ve, calendarName, start, end)
		if err != nil {
			s.logger.Warn("予定の展開に失敗したためスキップします",
				slog.String("calendar", calendarName),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, expanded...)
	}
	return events
}

// expandVEvent は1つのVEVENTを指定範囲内の予定インスタンスに展開する。
// RRULEによる繰り返しとEXDATEによる除外を処理する。
func (s *ICSStore) expandVEvent(ve *ical.VEvent, calendarName string, start, end time.Time) ([]model.Event, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("UIDがありません")
	}
	uid := uidProp.Value

	eventStart, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	eventEnd, err := ve.GetEndAt()
	if err != nil {
		// DTENDのない予定は開始時刻と同時刻で終わる点予定として扱う
		eventEnd = eventStart
	}

	isAllDay := isAllDayVEvent(ve)
	if isAllDay {
		date := time.Date(eventStart.Year(), eventStart.Month(), eventStart.Day(), 0, 0, 0, 0, time.UTC)
		eventStart = date
		if !eventEnd.After(eventStart) {
			eventEnd = date.Add(24 * time.Hour)
		} else {
			eventEnd = time.Date(eventEnd.Year(), eventEnd.Month(), eventEnd.Day(), 0, 0, 0, 0, time.UTC)
		}
	}

	base := model.Event{
		ID:         uid,
		Title:      propertyValue(ve, ical.ComponentPropertySummary),
		StartAt:    eventStart,
		EndAt:      eventEnd,
		IsAllDay:   isAllDay,
		Location:   propertyValue(ve, ical.ComponentPropertyLocation),
		Notes:      propertyValue(ve, ical.ComponentPropertyDescription),
		PersonName: calendarName,
		SourceID:   calendarName,
		Origin:     model.OriginLocal,
	}

	rawRRule := propertyValue(ve, ical.ComponentPropertyRrule)
	if rawRRule == "" {
		// 単発予定: 範囲と重ならなければ対象外
		if !eventStart.Before(end) || !start.Before(eventEnd) {
			return nil, nil
		}
		base.Normalize(calendarName)
		return []model.Event{base}, nil
	}

	return s.expandRecurrence(ve, base, rawRRule, start, end)
}

// expandRecurrence はRRULEを展開して範囲内の予定インスタンスを返す。
func (s *ICSStore) expandRecurrence(ve *ical.VEvent, base model.Event, rawRRule string, start, end time.Time) ([]model.Event, error) {
	r, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		return nil, fmt.Errorf("RRULE: %w", err)
	}
	r.DTStart(base.StartAt)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exDates(ve) {
		set.ExDate(ex.In(base.StartAt.Location()))
	}

	occTimes := set.Between(start.In(base.StartAt.Location()), end.In(base.StartAt.Location()), true)
	if len(occTimes) > maxOccurrencesPerEvent {
		s.logger.Warn("繰り返し予定の展開数が上限に達したため切り詰めます",
			slog.String("uid", base.ID),
			slog.Int("cap", maxOccurrencesPerEvent),
		)
		occTimes = occTimes[:maxOccurrencesPerEvent]
	}

	duration := base.EndAt.Sub(base.StartAt)
	uid := base.ID

	var events []model.Event
	for _, occStart := range occTimes {
		occ := base
		if occ.IsAllDay {
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, time.UTC)
			occ.StartAt = date
			occ.EndAt = date.Add(duration)
		} else {
			occ.StartAt = occStart
			occ.EndAt = occStart.Add(duration)
		}
		occ.ID = uid + "/" + occ.StartAt.UTC().Format(time.RFC3339)
		occ.Normalize(base.PersonName)
		events = append(events, occ)
	}
	return events, nil
}

// localCalendarName はローカルICSファイルのカレンダー名を返す。
// パースできないファイルはファイル名ベースの名前にフォールバックする。
func (s *ICSStore) localCalendarName(path string) string {
	body, err := os.ReadFile(path)
	if err != nil {
		return fileStem(path)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return fileStem(path)
	}
	return calendarDisplayName(cal, fileStem(path))
}

// calendarDisplayName はX-WR-CALNAMEプロパティを優先してカレンダー名を返す。
func calendarDisplayName(cal *ical.Calendar, fallback string) string {
	for _, prop := range cal.CalendarProperties {
		if strings.EqualFold(prop.IANAToken, "X-WR-CALNAME") && prop.Value != "" {
			return prop.Value
		}
	}
	return fallback
}

// subscriptionCalendarName は購読URLのパス末尾からカレンダー名を導出する。
func subscriptionCalendarName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := fileStem(u.Path)
	if name == "" || name == "/" || name == "." {
		return u.Hostname()
	}
	return name
}

// fileStem はパスから拡張子を除いたファイル名を返す。
func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// propertyValue はVEVENTのプロパティ値を返す（存在しなければ空文字列）。
func propertyValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

// isAllDayVEvent はDTSTARTの形式から終日予定かどうかを判定する。
// VALUE=DATEパラメータまたは時刻部のない値（YYYYMMDD）を終日とみなす。
func isAllDayVEvent(ve *ical.VEvent) bool {
	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return false
	}
	if params := dtStart.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(dtStart.Value, "T")
}

// exDates はEXDATEプロパティの除外日時リストを返す。
func exDates(ve *ical.VEvent) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// parseICSTime は基本的なICSの日付・日時文字列をパースする。
func parseICSTime(v string) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}
