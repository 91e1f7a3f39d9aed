package form

import (
	"errors"
	"testing"

	"github.com/hitoshi/todosync/internal/model"
)

func TestValidateLogin(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantMsg  string
	}{
		{"valid", "a@b.com", "secret", ""},
		{"missing email", "", "secret", MsgFillAllFields},
		{"blank email", "  ", "secret", MsgFillAllFields},
		{"missing password", "a@b.com", "", MsgFillAllFields},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLogin(tt.email, tt.password)
			checkFormatError(t, err, tt.wantMsg)
		})
	}
}

func TestValidateRegister(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		confirm  string
		wantMsg  string
	}{
		{"valid", "a@b.com", "abcdef", "abcdef", ""},
		{"missing confirm", "a@b.com", "abcdef", "", MsgFillAllFields},
		{"mismatch", "a@b.com", "abcdef", "abcdeg", MsgPasswordMismatch},
		{"too short", "a@b.com", "abc", "abc", MsgPasswordTooShort},
		{"mismatch checked before length", "a@b.com", "abc", "abd", MsgPasswordMismatch},
		{"multibyte counts runes", "a@b.com", "パスワード確認", "パスワード確認", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegister(tt.email, tt.password, tt.confirm)
			checkFormatError(t, err, tt.wantMsg)
		})
	}
}

func checkFormatError(t *testing.T, err error, wantMsg string) {
	t.Helper()
	if wantMsg == "" {
		if err != nil {
			t.Errorf("error = %v, want nil", err)
		}
		return
	}
	if !model.HasCode(err, model.ErrCodeInvalidCredentialsFormat) {
		t.Fatalf("error = %v, want INVALID_CREDENTIALS_FORMAT", err)
	}
	var apiErr *model.APIError
	errors.As(err, &apiErr)
	if apiErr.Message != wantMsg {
		t.Errorf("message = %q, want %q", apiErr.Message, wantMsg)
	}
}

func TestLoginMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{model.NewInvalidCredentialsError(), MsgInvalidCredentials},
		{model.NewInvalidCredentialsFormatError("invalid email address"), "invalid email address"},
		{model.NewProviderUnavailableError(), MsgSignInFailed},
		{errors.New("boom"), MsgSignInFailed},
	}
	for _, tt := range tests {
		if got := LoginMessage(tt.err); got != tt.want {
			t.Errorf("LoginMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRegisterMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{model.NewAccountExistsError(), MsgEmailExists},
		{model.NewInvalidCredentialsFormatError(MsgPasswordTooShort), MsgPasswordTooShort},
		{model.NewProviderUnavailableError(), MsgRegisterFailed},
	}
	for _, tt := range tests {
		if got := RegisterMessage(tt.err); got != tt.want {
			t.Errorf("RegisterMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestGoogleMessage(t *testing.T) {
	if got := GoogleMessage(model.NewFederatedFlowFailedError("cancelled")); got != MsgGoogleFailed {
		t.Errorf("GoogleMessage() = %q", got)
	}
}

func TestTaskMessage(t *testing.T) {
	if got := TaskMessage(model.NewStoreUnavailableError()); got != "The task store is unavailable." {
		t.Errorf("TaskMessage(store) = %q", got)
	}
	if got := TaskMessage(errors.New("plain")); got != "plain" {
		t.Errorf("TaskMessage(plain) = %q", got)
	}
}
