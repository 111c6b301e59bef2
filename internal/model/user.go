package model

import (
	"strings"
	"time"
)

// User はリモートストア上のユーザーノードを表す。
// ユーザーノードはクライアントでは作成せず、既存のパス配下を読み書きするだけ。
// Tasksは期日順に並んだデコード済みのタスク。
type User struct {
	Email      string
	CreatedAt  string
	LastActive string
	State      string
	Tasks      []Task
}

// UserKey はメールアドレスからリモートパスで使うキーを導出する。
// ドキュメントツリーのキーには "." を使えないため除去する。
func UserKey(email string) string {
	return strings.ReplaceAll(strings.TrimSpace(email), ".", "")
}

// UserPath はユーザーノードのパスを返す。
func UserPath(email string) string {
	return "users/" + UserKey(email)
}

// TaskPath はタスクノードのパスを返す。
func TaskPath(email, taskID string) string {
	return UserPath(email) + "/tasks/" + taskID
}

// TokenPair はOAuthプロバイダーから発行されたトークンの組を表す。
// Token Store のみが所有し、他のコンポーネントは呼び出しをまたいで保持しない。
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired はnow時点で期限切れかどうかを返す。期限が未設定の場合は期限切れとみなさない。
func (p TokenPair) Expired(now time.Time) bool {
	if p.Expiry.IsZero() {
		return false
	}
	return !now.Before(p.Expiry)
}
