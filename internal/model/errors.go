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
	Category string // カテゴリ: auth, validation, task, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentialsFormat = "INVALID_CREDENTIALS_FORMAT"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeAccountExists            = "ACCOUNT_EXISTS"
	ErrCodeFederatedFlowFailed      = "FEDERATED_FLOW_FAILED"
	ErrCodeProviderUnavailable      = "PROVIDER_UNAVAILABLE"
	ErrCodeEmptyText                = "EMPTY_TEXT"
	ErrCodeStoreUnavailable         = "STORE_UNAVAILABLE"
	ErrCodePermissionDenied         = "PERMISSION_DENIED"
	ErrCodeTaskNotFound             = "TASK_NOT_FOUND"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeInvalidRequest           = "INVALID_REQUEST"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// HasCode はerrのチェーン中にcodeを持つAPIErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// CodeOf はerrのチェーン中のAPIErrorのコードを返す。含まれない場合は空文字列。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewInvalidCredentialsFormatError は認証情報の形式エラーを生成する。
// reasonはそのままユーザーに表示される。
func NewInvalidCredentialsFormatError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentialsFormat,
		Message:  reason,
		Category: "validation",
		Action:   "Check the email address and use a password of at least 6 characters.",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの不一致エラーを生成する。
// どちらが誤っているかは区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewAccountExistsError は登録済みメールアドレスのエラーを生成する。
func NewAccountExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountExists,
		Message:  "Email already exists",
		Category: "auth",
		Action:   "Sign in with this email, or register with a different one.",
	}
}

// NewFederatedFlowFailedError は外部IdPによるサインイン失敗エラーを生成する。
func NewFederatedFlowFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFederatedFlowFailed,
		Message:  fmt.Sprintf("Google sign-in failed: %s", reason),
		Category: "auth",
		Action:   "Try again, or sign in with email and password.",
	}
}

// NewProviderUnavailableError は認証基盤に到達できない場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "The sign-in service is unavailable.",
		Category: "system",
		Action:   "Check your connection and try again later.",
	}
}

// NewEmptyTextError はタスク本文が空の場合のエラーを生成する。
func NewEmptyTextError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyText,
		Message:  "Todo cannot be empty",
		Category: "validation",
		Action:   "Enter some text for the task.",
	}
}

// NewStoreUnavailableError はタスクストアに到達できない場合のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "The task store is unavailable.",
		Category: "system",
		Action:   "Check your connection and try again later.",
	}
}

// NewPermissionDeniedError は他ユーザーのタスクや失効済みセッションへの操作エラーを生成する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "You do not have access to this task.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("Task not found: %s", taskID),
		Category: "task",
		Action:   "Reload the list; the task may have been deleted.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Sign in.",
	}
}

// NewInvalidRequestError はリクエストボディの形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Send a JSON body in the documented shape.",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please try again later.",
	}
}
