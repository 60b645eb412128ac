// Package auth はリモートカレンダープロバイダーに対する
// PKCE付き認可コードフローとトークンライフサイクル管理を提供する。
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
// PKCEを使用するためクライアントシークレットは保持しない。
type GoogleOAuthConfig struct {
	ClientID    string
	RedirectURL string
	Scopes      string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// HTTPClientが未設定の場合はタイムアウト付きのデフォルトクライアントを使用する。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogle OAuth 2.0のエンドポイントクライアント。
// 認可URL構築、認可コード交換、リフレッシュトークン交換を提供する。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoogleOAuthProvider{config: config}
}

// AuthorizationURL はPKCEチャレンジ付きの認可URLを生成する。
// access_type=offlineとprompt=consentによりリフレッシュトークンの発行を要求する。
func (p *GoogleOAuthProvider) AuthorizationURL(state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {p.config.Scopes},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeCode は認可コードをトークンに交換する。
// PKCEのcode_verifierを送信することでクライアントシークレットなしに交換が成立する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.AuthToken, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
		"code_verifier": {codeVerifier},
	}

	tokenResp, err := p.postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	return p.toAuthToken(tokenResp, ""), nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにrefresh_tokenが含まれない場合は渡されたリフレッシュトークンを引き継ぐ。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*model.AuthToken, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
		"grant_type":    {"refresh_token"},
	}

	tokenResp, err := p.postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}

	return p.toAuthToken(tokenResp, refreshToken), nil
}

// postTokenEndpoint はトークンエンドポイントへのPOSTを実行する。
func (p *GoogleOAuthProvider) postTokenEndpoint(ctx context.Context, data url.Values) (*googleTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &tokenResp, nil
}

// toAuthToken はトークンレスポンスをドメインモデルに変換する。
// fallbackRefreshTokenはレスポンスにrefresh_tokenが含まれない場合に引き継ぐ値。
func (p *GoogleOAuthProvider) toAuthToken(resp *googleTokenResponse, fallbackRefreshToken string) *model.AuthToken {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = fallbackRefreshToken
	}
	return &model.AuthToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
