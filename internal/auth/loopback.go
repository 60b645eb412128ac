package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// LoopbackPresenter はループバックアドレスで一時的なHTTPリスナーを立て、
// ブラウザからのOAuthコールバックを受信するAuthorizationPresenter実装。
// CLIの認証サブコマンドで使用する。
// リダイレクトURLのホスト・ポート・パスはOAuthクライアント登録と一致している必要がある。
type LoopbackPresenter struct {
	redirectURL string
	logger      *slog.Logger
}

// NewLoopbackPresenter はLoopbackPresenterを生成する。
func NewLoopbackPresenter(redirectURL string, logger *slog.Logger) *LoopbackPresenter {
	return &LoopbackPresenter{
		redirectURL: redirectURL,
		logger:      logger,
	}
}

// PresentAuthorization は認可URLをログに出力してユーザーのブラウザ操作を促し、
// リダイレクトURLのアドレスでコールバックを1回だけ受信して返す。
// コンテキストがキャンセルされた場合はリスナーを閉じてエラーを返す。
func (p *LoopbackPresenter) PresentAuthorization(ctx context.Context, authURL string) (string, error) {
	redirect, err := url.Parse(p.redirectURL)
	if err != nil {
		return "", fmt.Errorf("リダイレクトURLのパースに失敗しました: %w", err)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("コールバックリスナーの起動に失敗しました: %w", err)
	}

	callbackCh := make(chan string, 1)

	mux := http.NewServeMux()
	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>認証が完了しました。このタブを閉じてください。</body></html>")
		select {
		case callbackCh <- r.URL.String():
		default:
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			p.logger.Error("コールバックサーバーが異常終了しました",
				slog.String("error", serveErr.Error()),
			)
		}
	}()
	defer server.Close()

	p.logger.Info("ブラウザで以下のURLを開いて認証してください",
		slog.String("auth_url", authURL),
	)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case callbackURL := <-callbackCh:
		return callbackURL, nil
	}
}

// compile-time interface check
var _ AuthorizationPresenter = (*LoopbackPresenter)(nil)
