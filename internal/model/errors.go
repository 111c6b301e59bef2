// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, task, device, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeInvalidTask       = "INVALID_TASK"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
)

// NewNotAuthenticatedError は未ログイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewAuthFailedError は認可コード交換の失敗エラーを生成する。
func NewAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewInvalidTaskError はタスク入力値の検証エラーを生成する。
func NewInvalidTaskError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTask,
		Message:  fmt.Sprintf("タスクの内容が不正です: %s", reason),
		Category: "validation",
		Action:   "タスクの本文と期日（dd.mm.yyyy）を確認してください。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "タスク一覧を再読み込みしてください。",
	}
}

// NewDeviceNotFoundError はデバイス未検出エラーを生成する。
func NewDeviceNotFoundError(deviceID string) *APIError {
	return &APIError{
		Code:     ErrCodeDeviceNotFound,
		Message:  fmt.Sprintf("指定されたデバイスが見つかりません: %s", deviceID),
		Category: "device",
		Action:   "デバイスIDを確認してください。",
	}
}

// NewDeviceUnavailableError はブローカー未接続などでコマンドを送れない場合のエラーを生成する。
func NewDeviceUnavailableError(deviceID string) *APIError {
	return &APIError{
		Code:     ErrCodeDeviceUnavailable,
		Message:  fmt.Sprintf("デバイスにコマンドを送信できません: %s", deviceID),
		Category: "device",
		Action:   "ブローカーへの接続が回復してから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディの形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// ErrNotAuthenticated は保存済みトークンが存在しない状態で認証付き操作を行った場合のエラー。
// リトライせず、ただちに呼び出し元へ返す。
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError は認可コード交換・トークン更新の失敗を表す。
// ユーザーに表示され、再ログインで回復できる。
type AuthError struct {
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error: %s: %v", e.Reason, e.Err)
	}
	return "auth error: " + e.Reason
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error { return e.Err }

// DecodeErrorKind はレコードのデコード失敗の種類。
type DecodeErrorKind string

const (
	// DecodeMissingField は必須フィールドの欠落。
	DecodeMissingField DecodeErrorKind = "missing"
	// DecodeUnknownField はスキーマにないフィールド。
	DecodeUnknownField DecodeErrorKind = "unknown"
	// DecodeInvalidField は型または値の不正。
	DecodeInvalidField DecodeErrorKind = "invalid"
)

// DecodeError はリモートの1レコードをデコードできなかったことを表す。
// 購読全体には影響させず、そのレコードだけをスキップする。
type DecodeError struct {
	TaskID string
	Field  string
	Kind   DecodeErrorKind
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode task %q: %s field %q", e.TaskID, e.Kind, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *DecodeError) Unwrap() error { return e.Err }

// NetworkError は一時的な通信失敗を表す。
type NetworkError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *NetworkError) Unwrap() error { return e.Err }
