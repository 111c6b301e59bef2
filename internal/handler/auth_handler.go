// Package handler はローカルAPIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/model"
)

const oauthStateCookie = "oauth_state"

// SessionService は認証ハンドラーが必要とするセッションのインターフェース。
// session.Controllerの部分集合として定義する。
type SessionService interface {
	LoginURL() (string, string)
	HandleAuthCallback(ctx context.Context, redirectURL string) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
	Email() string
	Error() error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	session SessionService
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(session SessionService, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{session: session, config: config}
}

// sessionResponse はセッション状態のAPIレスポンス。
type sessionResponse struct {
	Authenticated bool    `json:"authenticated"`
	Email         string  `json:"email,omitempty"`
	Error         *string `json:"error"`
}

// Login はOAuthフローを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	url, state := h.session.LoginURL()

	// stateをCookieに保存（CSRF対策）
	h.setStateCookie(w, state, 600)

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("state パラメータが一致しません"))
		return
	}
	h.setStateCookie(w, "", -1)

	// 2. 認可コードの交換とセッション開始
	if err := h.session.HandleAuthCallback(r.Context(), r.URL.String()); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.sessionState())
}

// Logout はトークンを削除し、購読とブローカー接続を閉じる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		// ログアウトに失敗しても購読は閉じている
		slog.Error("failed to logout", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のセッション状態を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionState())
}

func (h *AuthHandler) sessionState() sessionResponse {
	resp := sessionResponse{
		Authenticated: h.session.IsAuthenticated(),
		Email:         h.session.Email(),
	}
	if err := h.session.Error(); err != nil {
		msg := err.Error()
		resp.Error = &msg
	}
	return resp
}

func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
