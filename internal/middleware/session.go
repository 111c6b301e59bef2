// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/tasksync/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストにユーザーのメールアドレスを格納するためのキー。
var userContextKey = contextKey("user")

// SessionState は現在のセッション状態を参照するインターフェース。
// session.Controllerの部分集合として定義する。
type SessionState interface {
	IsAuthenticated() bool
	Email() string
}

// NewSessionMiddleware はログイン済みかどうかを検証するミドルウェアを返す。
// ログイン中のメールアドレスをリクエストコンテキストに注入する。
// 未ログインのリクエストには401 NOT_AUTHENTICATEDを返す。
func NewSessionMiddleware(state SessionState) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. セッション状態を確認
			email := state.Email()
			if !state.IsAuthenticated() || email == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			// 2. メールアドレスをコンテキストに注入
			if rec, ok := w.(*statusRecorder); ok {
				rec.user = email
			}
			ctx := ContextWithUser(r.Context(), email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext はリクエストコンテキストからメールアドレスを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (string, error) {
	email, ok := ctx.Value(userContextKey).(string)
	if !ok || email == "" {
		return "", fmt.Errorf("user not found in context")
	}
	return email, nil
}

// ContextWithUser はコンテキストにメールアドレスを注入する。
func ContextWithUser(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userContextKey, email)
}
