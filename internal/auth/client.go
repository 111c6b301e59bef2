// Package auth は外部OAuthプロバイダーとの認可コード交換とトークン更新を提供する。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/tasksync/internal/model"
)

const (
	defaultAuthURL     = "https://oauth.yandex.ru/authorize"
	defaultTokenURL    = "https://oauth.yandex.ru/token"
	defaultUserInfoURL = "https://login.yandex.ru/info?format=json"
)

// TokenStore はトークンの組を永続化するストアのインターフェース。
type TokenStore interface {
	SaveTokenPair(pair model.TokenPair) error
	LoadTokenPair() (model.TokenPair, bool, error)
	DeleteTokenPair() error
}

// Recorder はトークン交換の結果を記録するインターフェース。
type Recorder interface {
	RecordTokenExchange(outcome string)
}

// Config はOAuthプロバイダーの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient が nil の場合は http.DefaultClient を使用する
	HTTPClient *http.Client
}

// Client は認可コードをトークンに交換し、Token Storeに保存する。
type Client struct {
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	store       TokenStore
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewClient はClientを生成する。
func NewClient(cfg Config, store TokenStore, logger *slog.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultUserInfoURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
				// client_id と client_secret はフォームパラメータとして送る
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  cfg.HTTPClient,
		store:       store,
		logger:      logger,
		now:         time.Now,
	}
}

// SetRecorder はトークン交換結果の記録先を設定する。
func (c *Client) SetRecorder(r Recorder) {
	c.recorder = r
}

// AuthorizeURL はプロバイダーの認可画面のURLを生成する。
// 毎回アカウント選択を求めるため force_confirm=yes を付与する。
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("force_confirm", "yes"))
}

// ExchangeCode は認可コードをトークンに交換し、Token Storeに保存する。
// 失敗した場合は*model.AuthErrorを返し、Token Storeは変更しない。
func (c *Client) ExchangeCode(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		c.record("invalid")
		return &model.AuthError{Reason: "empty authorization code"}
	}

	// 1. 認可コードをトークンに交換
	tok, err := c.oauth.Exchange(c.httpContext(ctx), code)
	if err != nil {
		c.record("failed")
		return classifyTokenError("exchange authorization code", err)
	}

	// 2. 交換結果を保存
	pair := pairFromToken(tok)
	if err := c.store.SaveTokenPair(pair); err != nil {
		c.record("failed")
		return &model.AuthError{Reason: "failed to persist token", Err: err}
	}

	c.record("success")
	c.logger.Info("oauth code exchanged",
		slog.Int("expires_in", pair.ExpiresIn),
		slog.Bool("has_refresh_token", pair.RefreshToken != ""),
	)
	return nil
}

// AccessToken は保存済みのアクセストークンを返す。
// 未保存の場合はmodel.ErrNotAuthenticatedを返す。
// 期限切れの場合はリフレッシュトークンで更新し、更新後の組を保存する。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	pair, ok, err := c.store.LoadTokenPair()
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	if !ok {
		return "", model.ErrNotAuthenticated
	}
	if !pair.Expired(c.now()) {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		return "", &model.AuthError{Reason: "access token expired"}
	}

	src := c.oauth.TokenSource(c.httpContext(ctx), &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		Expiry:       pair.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		c.record("refresh_failed")
		return "", classifyTokenError("refresh token", err)
	}

	refreshed := pairFromToken(tok)
	if err := c.store.SaveTokenPair(refreshed); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	c.record("refreshed")
	c.logger.Info("oauth token refreshed")
	return refreshed.AccessToken, nil
}

// userInfo はユーザー情報エンドポイントのレスポンス。
type userInfo struct {
	ID           string   `json:"id"`
	Login        string   `json:"login"`
	DefaultEmail string   `json:"default_email"`
	Emails       []string `json:"emails"`
	Email        string   `json:"email"`
}

// FetchEmail はアクセストークンでアカウントのメールアドレスを取得する。
func (c *Client) FetchEmail(ctx context.Context) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.NetworkError{Op: "fetch user info", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.NetworkError{Op: "read user info", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &model.AuthError{Reason: "user info rejected the access token"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("failed to parse user info response: %w", err)
	}

	switch {
	case info.DefaultEmail != "":
		return info.DefaultEmail, nil
	case info.Email != "":
		return info.Email, nil
	case len(info.Emails) > 0:
		return info.Emails[0], nil
	case info.Login != "":
		return info.Login, nil
	default:
		return "", fmt.Errorf("empty email in user info response")
	}
}

// httpContext はoauth2ライブラリが使うHTTPクライアントをコンテキストに設定する。
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) record(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordTokenExchange(outcome)
	}
}

// pairFromToken はoauth2.TokenをTokenPairに変換する。
func pairFromToken(tok *oauth2.Token) model.TokenPair {
	pair := model.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(tok.ExpiresIn),
		Expiry:       tok.Expiry,
	}
	if pair.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		pair.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	return pair
}

// classifyTokenError はトークンエンドポイントのエラーをAuthErrorに分類する。
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		reason := fmt.Sprintf("%s: token endpoint returned status %d", op, status)
		if retrieveErr.ErrorCode != "" {
			reason += " (" + retrieveErr.ErrorCode + ")"
		}
		return &model.AuthError{Reason: reason, Err: err}
	}

	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.AuthError{Reason: op + ": network failure", Err: &model.NetworkError{Op: op, Err: err}}
	}
	return &model.AuthError{Reason: op + ": invalid token response", Err: err}
}
