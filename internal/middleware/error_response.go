package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/tasksync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はエラーの種類に応じたステータスコードで統一エラーレスポンスを書き込む。
// 分類できないエラーは500として扱う。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
		return
	}

	var authErr *model.AuthError
	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
	case errors.As(err, &authErr):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError(authErr.Reason))
	default:
		WriteInternalServerError(w)
	}
}

// StatusForCode はエラーコードに対応するHTTPステータスコードを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeNotAuthenticated, model.ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidTask, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeTaskNotFound, model.ErrCodeDeviceNotFound:
		return http.StatusNotFound
	case model.ErrCodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
