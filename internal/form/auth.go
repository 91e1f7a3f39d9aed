package form

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/todosync/internal/model"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// 画面に表示するメッセージ。
const (
	MsgFillAllFields      = "Please fill in all fields"
	MsgPasswordMismatch   = "Passwords do not match"
	MsgPasswordTooShort   = "Password must be at least 6 characters"
	MsgInvalidCredentials = "Invalid email or password"
	MsgEmailExists        = "Email already exists"
	MsgGoogleFailed       = "Google sign-in failed"
	MsgSignInFailed       = "Failed to sign in"
	MsgRegisterFailed     = "Failed to create account"
	MsgEmptyTodo          = "Todo cannot be empty"
)

// ValidateLogin はログインフォームを検証する。通信は行わない。
func ValidateLogin(email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return model.NewInvalidCredentialsFormatError(MsgFillAllFields)
	}
	return nil
}

// ValidateRegister は登録フォームを検証する。通信は行わない。
func ValidateRegister(email, password, confirm string) error {
	if strings.TrimSpace(email) == "" || password == "" || confirm == "" {
		return model.NewInvalidCredentialsFormatError(MsgFillAllFields)
	}
	if password != confirm {
		return model.NewInvalidCredentialsFormatError(MsgPasswordMismatch)
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return model.NewInvalidCredentialsFormatError(MsgPasswordTooShort)
	}
	return nil
}

// LoginMessage はログイン失敗時に表示するメッセージを返す。
func LoginMessage(err error) string {
	switch model.CodeOf(err) {
	case model.ErrCodeInvalidCredentials:
		return MsgInvalidCredentials
	case model.ErrCodeInvalidCredentialsFormat:
		return formatMessage(err)
	default:
		return MsgSignInFailed
	}
}

// RegisterMessage は登録失敗時に表示するメッセージを返す。
func RegisterMessage(err error) string {
	switch model.CodeOf(err) {
	case model.ErrCodeAccountExists:
		return MsgEmailExists
	case model.ErrCodeInvalidCredentialsFormat:
		return formatMessage(err)
	default:
		return MsgRegisterFailed
	}
}

// GoogleMessage はGoogleサインイン失敗時に表示するメッセージを返す。
func GoogleMessage(error) string {
	return MsgGoogleFailed
}

// TaskMessage はタスク操作の失敗時に表示するメッセージを返す。
func TaskMessage(err error) string {
	switch model.CodeOf(err) {
	case model.ErrCodeEmptyText:
		return MsgEmptyTodo
	case "":
		return err.Error()
	default:
		return apiMessage(err)
	}
}

func formatMessage(err error) string {
	if msg := apiMessage(err); msg != "" {
		return msg
	}
	return MsgFillAllFields
}

func apiMessage(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}
