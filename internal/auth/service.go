package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/repository"
)

// expiryMargin はトークン失効判定の安全マージン。
// チェック時点では有効でもHTTPリクエストがサーバーに到達する頃には
// 失効している競合を避けるため、この猶予内に失効するトークンは失効扱いにする。
const expiryMargin = 60 * time.Second

// flowTTL は認証フローの放棄とみなすまでの時間。
// ユーザーがブラウザを閉じたまま戻らない場合にガードが固着するのを防ぐ。
const flowTTL = 10 * time.Minute

// OAuthProvider はOAuthエンドポイントクライアントのインターフェース。
// テスト時にモックに差し替え可能。
type OAuthProvider interface {
	AuthorizationURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.AuthToken, error)
	Refresh(ctx context.Context, refreshToken string) (*model.AuthToken, error)
}

// AuthorizationPresenter は外部の認可提示インターフェース（ブラウザ等）の抽象。
// 認可URLをユーザーに提示し、コールバックURLを受信するまで待機する。
// ユーザーのキャンセルやコンテキストのキャンセルではエラーを返す。
type AuthorizationPresenter interface {
	PresentAuthorization(ctx context.Context, authURL string) (callbackURL string, err error)
}

// pendingFlow は進行中の認証フローの状態。
type pendingFlow struct {
	state     string
	verifier  string
	authURL   string
	startedAt time.Time
}

// Service はトークンライフサイクルと認証フローを管理するサービス。
// 認証フローは同時に1つしか実行できず、進行中の重複呼び出しは
// エラーなしで即座に無視される（キューイングはしない）。
type Service struct {
	provider  OAuthProvider
	tokenRepo repository.TokenRepository
	logger    *slog.Logger

	// mu はpendingを保護する。キャッシュと同様の明示的な排他で、
	// アンビエントなグローバル状態は持たない。
	mu      sync.Mutex
	pending *pendingFlow

	// now はテスト用に差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(provider OAuthProvider, tokenRepo repository.TokenRepository, logger *slog.Logger) *Service {
	return &Service{
		provider:  provider,
		tokenRepo: tokenRepo,
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticate はPKCE付き認可コードフローを実行してトークンを永続化する。
// 進行中のフローがある場合は何もせず即座にnilを返す（冪等無視）。
// フロー失敗はユーザーが能動的に待っている操作のため、エラーとして伝播する。
func (s *Service) Authenticate(ctx context.Context, presenter AuthorizationPresenter) error {
	authURL, began, err := s.beginFlow()
	if err != nil {
		return err
	}
	if !began {
		s.logger.Info("認証フローはすでに進行中のためスキップします")
		return nil
	}

	callbackURL, err := presenter.PresentAuthorization(ctx, authURL)
	if err != nil {
		s.clearFlow()
		return model.NewAuthenticationFailedError(err.Error())
	}

	code, state, err := parseCallbackURL(callbackURL)
	if err != nil {
		s.clearFlow()
		return err
	}

	return s.CompleteAuthorization(ctx, code, state)
}

// BeginAuthorization はWebフロー用に認可URLを発行する。
// 進行中のフローがある場合は新しいフローを開始せず、同じ認可URLを返す。
func (s *Service) BeginAuthorization() (string, error) {
	authURL, _, err := s.beginFlow()
	return authURL, err
}

// CompleteAuthorization はコールバックで受信した認可コードをトークンに交換し永続化する。
// stateが進行中のフローと一致しない場合は拒否する。
func (s *Service) CompleteAuthorization(ctx context.Context, code, state string) error {
	s.mu.Lock()
	flow := s.pending
	s.mu.Unlock()

	if flow == nil || flow.state != state {
		return model.NewAuthenticationFailedError("stateが一致しません")
	}
	if code == "" {
		s.clearFlow()
		return model.NewNoAuthorizationCodeError()
	}

	token, err := s.provider.ExchangeCode(ctx, code, flow.verifier)
	if err != nil {
		s.clearFlow()
		s.logger.Error("認可コードのトークン交換に失敗しました",
			slog.String("error", err.Error()),
		)
		return model.NewCodeExchangeFailedError(err.Error())
	}

	if err := s.tokenRepo.Save(ctx, token); err != nil {
		s.clearFlow()
		return fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}

	s.clearFlow()
	s.logger.Info("認証が完了しました",
		slog.Time("expires_at", token.ExpiresAt),
	)
	return nil
}

// GetValidAccessToken は有効なアクセストークンを返す。
// 安全マージン内に失効するトークンはリフレッシュトークン交換で更新する。
// リフレッシュ失敗時は保存済みトークンを削除して再認証を強制し、
// NOT_AUTHENTICATEDを返す。
func (s *Service) GetValidAccessToken(ctx context.Context) (string, error) {
	token, err := s.tokenRepo.Find(ctx)
	if err != nil {
		return "", fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	if token == nil {
		return "", model.NewNotAuthenticatedError()
	}

	if !token.ExpiresWithin(s.now(), expiryMargin) {
		return token.AccessToken, nil
	}

	if token.RefreshToken == "" {
		s.logger.Warn("リフレッシュトークンがないため再認証が必要です")
		if err := s.tokenRepo.Delete(ctx); err != nil {
			s.logger.Error("失効トークンの削除に失敗しました", slog.String("error", err.Error()))
		}
		return "", model.NewNotAuthenticatedError()
	}

	refreshed, err := s.provider.Refresh(ctx, token.RefreshToken)
	if err != nil {
		// リフレッシュトークン自体が拒否された。削除して次回をクリーンに始める。
		s.logger.Error("トークンリフレッシュに失敗しました。再認証が必要です",
			slog.String("error", err.Error()),
		)
		if delErr := s.tokenRepo.Delete(ctx); delErr != nil {
			s.logger.Error("失効トークンの削除に失敗しました", slog.String("error", delErr.Error()))
		}
		return "", model.NewNotAuthenticatedError()
	}

	if err := s.tokenRepo.Save(ctx, refreshed); err != nil {
		return "", fmt.Errorf("リフレッシュ後のトークン保存に失敗しました: %w", err)
	}

	s.logger.Info("アクセストークンをリフレッシュしました",
		slog.Time("expires_at", refreshed.ExpiresAt),
	)
	return refreshed.AccessToken, nil
}

// SignOut は保存されたトークンを無条件に削除する。冪等。
func (s *Service) SignOut(ctx context.Context) error {
	if err := s.tokenRepo.Delete(ctx); err != nil {
		return fmt.Errorf("サインアウトに失敗しました: %w", err)
	}
	s.logger.Info("サインアウトしました")
	return nil
}

// InvalidateToken は保存されたトークンを削除する。
// リモートAPIが401を返した場合（サーバー側失効）にアダプターから呼ばれ、
// 次回のリフレッシュが既知の不正トークンを再試行しないようにする。
func (s *Service) InvalidateToken(ctx context.Context) error {
	if err := s.tokenRepo.Delete(ctx); err != nil {
		return fmt.Errorf("トークンの無効化に失敗しました: %w", err)
	}
	s.logger.Warn("リモートAPIにトークンが拒否されたため削除しました")
	return nil
}

// IsAuthenticated はトークンが保存されているかを返す。
// 失効状態は考慮しない（リフレッシュ可能性があるため）。
func (s *Service) IsAuthenticated(ctx context.Context) (bool, error) {
	token, err := s.tokenRepo.Find(ctx)
	if err != nil {
		return false, fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	return token != nil, nil
}

// beginFlow は新しい認証フローを開始する。
// 進行中のフローがflowTTL以内に存在する場合は開始せず、既存の認可URLを返す。
// 戻り値beganは新しいフローを開始したかを示す。
func (s *Service) beginFlow() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.now().Sub(s.pending.startedAt) < flowTTL {
		return s.pending.authURL, false, nil
	}

	verifier, err := GeneratePKCEVerifier()
	if err != nil {
		return "", false, model.NewAuthenticationFailedError(err.Error())
	}

	flow := &pendingFlow{
		state:     uuid.New().String(),
		verifier:  verifier,
		startedAt: s.now(),
	}
	flow.authURL = s.provider.AuthorizationURL(flow.state, PKCEChallengeS256(verifier))
	s.pending = flow

	return flow.authURL, true, nil
}

// clearFlow は進行中の認証フロー状態を破棄する。
func (s *Service) clearFlow() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// parseCallbackURL はコールバックURLから認可コードとstateを取り出す。
// error=access_denied等のエラー応答、コード欠落を検出する。
func parseCallbackURL(callbackURL string) (code, state string, err error) {
	u, parseErr := url.Parse(callbackURL)
	if parseErr != nil {
		return "", "", model.NewAuthenticationFailedError("コールバックURLが不正です")
	}

	q := u.Query()
	if errParam := q.Get("error"); errParam != "" {
		return "", "", model.NewAuthenticationFailedError(errParam)
	}

	code = q.Get("code")
	if code == "" {
		return "", "", model.NewNoAuthorizationCodeError()
	}

	return code, q.Get("state"), nil
}
